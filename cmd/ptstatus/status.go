package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"papertrader/config"
	"papertrader/internal/exits"
	"papertrader/internal/gatekeeper"
	"papertrader/internal/journal"
	"papertrader/internal/position"
	"papertrader/internal/risk"
	"papertrader/internal/statestore"
)

// Status reads one variant's persisted state
type Status struct {
	variant  string
	store    *statestore.Store
	strategy exits.Strategy
	gate     *gatekeeper.Gatekeeper
	start    float64
}

// Snapshot is everything show prints
type Snapshot struct {
	Variant       string               `json:"variant"`
	Cursor        int                  `json:"cursor"`
	Balance       float64              `json:"balance"`
	StartBalance  float64              `json:"start_balance"`
	ActiveManaged int                  `json:"active_managed"`
	MaxActive     int                  `json:"max_active"`
	Positions     []*position.Position `json:"positions"`
	Trades        TradeSummary         `json:"trades"`
}

// TradeSummary aggregates trades.csv
type TradeSummary struct {
	Count    int     `json:"count"`
	Stops    int     `json:"stops"`
	NetPnL   float64 `json:"net_pnl"`
	Fees     float64 `json:"fees"`
	Winning  int     `json:"winning"`
	Symbols  int     `json:"symbols"`
	LastTime string  `json:"last_time,omitempty"`
}

func NewStatus(cfg *config.Config) (*Status, error) {
	strategy, err := exits.ByName(cfg.EngineConfig.Variant)
	if err != nil {
		return nil, err
	}
	return &Status{
		variant:  strategy.Name(),
		store:    statestore.New(cfg.VariantDir(strategy.Name()), zerolog.Nop()),
		strategy: strategy,
		gate:     gatekeeper.New(cfg.Gatekeeper()),
		start:    cfg.EngineConfig.StartBalance,
	}, nil
}

func (s *Status) positions() ([]*position.Position, error) {
	open, err := s.store.LoadPositions(s.strategy.Ladder)
	if err != nil {
		return nil, err
	}
	out := make([]*position.Position, 0, len(open))
	for _, p := range open {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Snapshot loads cursor, equity, positions and the trade summary
func (s *Status) Snapshot() (Snapshot, error) {
	cursor, err := s.store.LoadCursor(statestore.Cursor{LastIndex: -1})
	if err != nil {
		return Snapshot{}, err
	}
	equity, err := s.store.LoadEquity(statestore.Equity{Balance: s.start})
	if err != nil {
		return Snapshot{}, err
	}
	positions, err := s.positions()
	if err != nil {
		return Snapshot{}, err
	}
	trades, err := summarizeTrades(filepath.Join(s.store.Dir(), string(journal.StreamTrades)+".csv"))
	if err != nil {
		return Snapshot{}, err
	}

	active := 0
	for _, p := range positions {
		if p.ActivelyManaged() {
			active++
		}
	}

	return Snapshot{
		Variant:       s.variant,
		Cursor:        cursor.LastIndex,
		Balance:       equity.Balance,
		StartBalance:  s.start,
		ActiveManaged: active,
		MaxActive:     s.gate.MaxActiveManaged(),
		Positions:     positions,
		Trades:        trades,
	}, nil
}

// Check evaluates admission against the persisted positions
func (s *Status) Check(symbol, side string) (gatekeeper.Decision, error) {
	dir, ok := risk.ParseDirection(side)
	if !ok {
		return gatekeeper.Decision{}, fmt.Errorf("invalid side %q, want LONG or SHORT", side)
	}
	positions, err := s.positions()
	if err != nil {
		return gatekeeper.Decision{}, err
	}
	holdings := make([]gatekeeper.Holding, 0, len(positions))
	for _, p := range positions {
		holdings = append(holdings, p)
	}
	return s.gate.Evaluate(strings.ToUpper(strings.TrimSpace(symbol)), dir, holdings), nil
}

func summarizeTrades(path string) (TradeSummary, error) {
	rows, err := journal.ReadAll(path)
	if err != nil {
		return TradeSummary{}, err
	}

	var sum TradeSummary
	symbols := make(map[string]bool)
	for _, row := range rows {
		pnl, _ := strconv.ParseFloat(row["pnl"], 64)
		fee, _ := strconv.ParseFloat(row["fee"], 64)
		sum.Count++
		sum.NetPnL += pnl - fee
		sum.Fees += fee
		if pnl-fee > 0 {
			sum.Winning++
		}
		if row["type"] == "STOP" {
			sum.Stops++
		}
		symbols[row["symbol"]] = true
		sum.LastTime = row["ts"]
	}
	sum.Symbols = len(symbols)
	return sum, nil
}

func render(w io.Writer, snap Snapshot, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "table", "":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	fmt.Fprintf(w, "Variant:   %s\n", snap.Variant)
	fmt.Fprintf(w, "Balance:   %.2f (start %.2f, %+.2f%%)\n", snap.Balance, snap.StartBalance, pct(snap.Balance, snap.StartBalance))
	fmt.Fprintf(w, "Cursor:    %d\n", snap.Cursor)
	fmt.Fprintf(w, "Active:    %d/%d\n", snap.ActiveManaged, snap.MaxActive)
	fmt.Fprintf(w, "Trades:    %d fills (%d stops, %d winning), net %.2f, fees %.2f\n\n",
		snap.Trades.Count, snap.Trades.Stops, snap.Trades.Winning, snap.Trades.NetPnL, snap.Trades.Fees)

	if len(snap.Positions) == 0 {
		fmt.Fprintln(w, "No open positions")
		return nil
	}

	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"Symbol", "Dir", "Entry", "Stop", "Open", "Total", "Filled", "Status", "Rest"}),
	)
	for _, p := range snap.Positions {
		table.Append([]string{
			p.Symbol,
			string(p.Direction),
			fmt.Sprintf("%.6g", p.EntryPrice),
			fmt.Sprintf("%.6g", p.StopPrice),
			fmt.Sprintf("%.6g", p.QuantityOpen),
			fmt.Sprintf("%.6g", p.QuantityTotal),
			filledLabels(p),
			string(p.Status),
			strconv.FormatBool(p.Rest),
		})
	}
	return table.Render()
}

func filledLabels(p *position.Position) string {
	var labels []string
	for _, r := range p.Ladder {
		if p.Filled[r.Label] > 0 {
			labels = append(labels, r.Label)
		}
	}
	if len(labels) == 0 {
		return "-"
	}
	return strings.Join(labels, ",")
}

func pct(v, base float64) float64 {
	if base == 0 {
		return 0
	}
	return (v - base) / base * 100
}
