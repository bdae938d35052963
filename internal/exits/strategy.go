package exits

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"papertrader/internal/risk"
)

// ErrUnknownVariant is returned by ByName for an unregistered tag
var ErrUnknownVariant = errors.New("unknown exit variant")

// Rung is one take-profit tier of a ladder
type Rung struct {
	Label    string  `json:"label"`
	Target   float64 `json:"target_price"`
	Fraction float64 `json:"fraction"`
}

// PositionView is what a strategy may inspect when deciding on a stop relocation
type PositionView struct {
	Direction risk.Direction
	Entry     float64
	Stop      float64
	Ladder    []Rung
}

// RungPrice returns the target of the rung with the given label
func (v PositionView) RungPrice(label string) (float64, bool) {
	for _, r := range v.Ladder {
		if r.Label == label {
			return r.Target, true
		}
	}
	return 0, false
}

// Strategy defines the interface for exit variants
type Strategy interface {
	// Name returns the variant tag used for state directories and records
	Name() string

	// Ladder builds the take-profit rungs for a new position
	Ladder(entry float64, dir risk.Direction) []Rung

	// RelocateStop returns the new stop after the labelled rung filled, if any
	RelocateStop(pos PositionView, filledLabel string) (float64, bool)
}

// step is one rung definition as an offset from entry
type step struct {
	label    string
	offset   float64
	fraction float64
}

// relocation moves the stop once the rung named after has filled
type relocation struct {
	after string
	to    func(PositionView) (float64, bool)
}

// ladderStrategy is a fixed percentage ladder with optional stop relocations
type ladderStrategy struct {
	name        string
	steps       []step
	relocations []relocation
}

func (s *ladderStrategy) Name() string {
	return s.name
}

func (s *ladderStrategy) Ladder(entry float64, dir risk.Direction) []Rung {
	rungs := make([]Rung, 0, len(s.steps))
	for _, st := range s.steps {
		target := entry * (1 + st.offset)
		if dir == risk.Short {
			target = entry * (1 - st.offset)
		}
		rungs = append(rungs, Rung{Label: st.label, Target: target, Fraction: st.fraction})
	}
	return rungs
}

func (s *ladderStrategy) RelocateStop(pos PositionView, filledLabel string) (float64, bool) {
	for _, r := range s.relocations {
		if r.after != filledLabel {
			continue
		}
		price, ok := r.to(pos)
		if !ok || price <= 0 {
			return 0, false
		}
		return price, true
	}
	return 0, false
}

// toRung moves the stop to another rung's target
func toRung(label string) func(PositionView) (float64, bool) {
	return func(pos PositionView) (float64, bool) {
		return pos.RungPrice(label)
	}
}

// toBreakEven moves the stop to the entry price
func toBreakEven(pos PositionView) (float64, bool) {
	return pos.Entry, pos.Entry > 0
}

// validate checks that a ladder sells everything once, moving away from entry
func (s *ladderStrategy) validate() error {
	if len(s.steps) == 0 {
		return errors.New("empty ladder")
	}
	seen := make(map[string]bool, len(s.steps))
	sum := 0.0
	for i, st := range s.steps {
		if st.label == "" || seen[st.label] {
			return fmt.Errorf("rung %d: missing or duplicate label %q", i, st.label)
		}
		seen[st.label] = true
		if st.offset <= 0 || st.offset >= 1 {
			return fmt.Errorf("rung %s: offset %v outside (0,1)", st.label, st.offset)
		}
		if i > 0 && st.offset <= s.steps[i-1].offset {
			return fmt.Errorf("rung %s: offset %v not beyond %s", st.label, st.offset, s.steps[i-1].label)
		}
		if st.fraction <= 0 {
			return fmt.Errorf("rung %s: fraction %v must be positive", st.label, st.fraction)
		}
		sum += st.fraction
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("fractions sum to %v, expected 1", sum)
	}
	for _, r := range s.relocations {
		if !seen[r.after] {
			return fmt.Errorf("relocation after unknown rung %q", r.after)
		}
	}
	return nil
}

var registry = map[string]func() Strategy{}

// register adds a variant; an invalid ladder is a programming error
func register(name string, build func() Strategy) {
	if ls, ok := build().(*ladderStrategy); ok {
		if err := ls.validate(); err != nil {
			panic(fmt.Sprintf("exits: variant %s: %v", name, err))
		}
	}
	registry[name] = build
}

// ByName returns the variant registered under tag
func ByName(tag string) (Strategy, error) {
	build, ok := registry[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, tag)
	}
	return build(), nil
}

// Names lists the registered variant tags
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
