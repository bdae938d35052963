package exits

const (
	VariantA = "PT_A_FINAL_404020"
	VariantB = "PT_B_COMPARE_25252525"
	VariantC = "PT_C_EXPERIMENT_FIB"
)

func init() {
	register(VariantA, NewFinal404020)
	register(VariantB, NewCompare25252525)
	register(VariantC, NewExperimentFib)
}

// NewFinal404020 sells 40/40/20 at +1.0/+2.2/+3.5% and locks TP1 once TP2 fills
func NewFinal404020() Strategy {
	return &ladderStrategy{
		name: VariantA,
		steps: []step{
			{"TP1", 0.010, 0.40},
			{"TP2", 0.022, 0.40},
			{"TP3", 0.035, 0.20},
		},
		relocations: []relocation{
			{after: "TP2", to: toRung("TP1")},
		},
	}
}

// NewCompare25252525 sells quarters at +1/+2/+3/+4% and locks TP2 once TP3 fills
func NewCompare25252525() Strategy {
	return &ladderStrategy{
		name: VariantB,
		steps: []step{
			{"TP1", 0.01, 0.25},
			{"TP2", 0.02, 0.25},
			{"TP3", 0.03, 0.25},
			{"TP4", 0.04, 0.25},
		},
		relocations: []relocation{
			{after: "TP3", to: toRung("TP2")},
		},
	}
}

// NewExperimentFib sells halves at +1.5/+3.5% with a break-even stop after TP2
func NewExperimentFib() Strategy {
	return &ladderStrategy{
		name: VariantC,
		steps: []step{
			{"TP1", 0.015, 0.50},
			{"TP2", 0.035, 0.50},
		},
		relocations: []relocation{
			{after: "TP2", to: toBreakEven},
		},
	}
}
