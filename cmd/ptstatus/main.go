package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"papertrader/config"
)

// errBlocked makes check exit non-zero when the gatekeeper denies
var errBlocked = errors.New("blocked")

var (
	cfgFile string
	variant string
	format  string
	symbol  string
	side    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ptstatus",
		Short: "Inspect paper engine state files",
		Long: `ptstatus reads a variant's state files under the same locks the engine uses.

Examples:
  ptstatus show --variant PT_A_FINAL_404020
  ptstatus show --format json
  ptstatus check --symbol BTCUSDT --side LONG`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "config file path (json or yaml)")
	rootCmd.PersistentFlags().StringVar(&variant, "variant", "", "strategy variant tag (default: from config)")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show balance, cursor, open positions and realized trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open()
			if err != nil {
				return err
			}
			snap, err := st.Snapshot()
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), snap, format)
		},
	}
	showCmd.Flags().StringVar(&format, "format", "table", "output format: table, json")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Dry-run the admission gatekeeper for a symbol and side",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open()
			if err != nil {
				return err
			}
			decision, err := st.Check(symbol, side)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", symbol, side, decision.Reason)
			if !decision.Allow {
				return errBlocked
			}
			return nil
		},
	}
	checkCmd.Flags().StringVar(&symbol, "symbol", "", "symbol, e.g. BTCUSDT")
	checkCmd.Flags().StringVar(&side, "side", "LONG", "LONG or SHORT")
	checkCmd.MarkFlagRequired("symbol")

	rootCmd.AddCommand(showCmd, checkCmd)

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errBlocked) {
			os.Exit(3)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func open() (*Status, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if variant != "" {
		cfg.EngineConfig.Variant = variant
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return NewStatus(cfg)
}
