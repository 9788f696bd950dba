package backtester

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gridfolio/backtest-backend/internal/prices"
	"github.com/gridfolio/backtest-backend/internal/signals"
	"github.com/gridfolio/backtest-backend/pkg/types"
)

func engineRecord(day int, sum, goldilocks, reflation, inflation, deflation int, momentum map[string]int) types.DailyRecord {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	return types.DailyRecord{
		Date:                 start.AddDate(0, 0, day),
		SumConfirming:        sum,
		GoldilocksConfirming: goldilocks,
		ReflationConfirming:  reflation,
		InflationConfirming:  inflation,
		DeflationConfirming:  deflation,
		Momentum:             momentum,
	}
}

func engineConfig(records []types.DailyRecord) *types.BacktestConfig {
	return &types.BacktestConfig{
		ID:        "test-run",
		ProfileID: "test",
		StartDate: records[0].Date,
		EndDate:   records[len(records)-1].Date,
	}
}

func runEngine(t *testing.T, records []types.DailyRecord, profile *types.AllocationProfile, provider prices.Provider) *types.BacktestResult {
	t.Helper()
	feed := signals.NewFeed(records)
	engine := NewEngine(zap.NewNop(), feed, profile, provider)
	result, err := engine.Run(context.Background(), engineConfig(records))
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func fullProfile() *types.AllocationProfile {
	weights := map[string]float64{"SPY": 0.6, "QQQ": 0.4}
	return &types.AllocationProfile{
		ID:   "test",
		Name: "Test",
		Allocations: map[types.Regime]map[string]float64{
			types.RegimeGoldilocks: weights,
			types.RegimeReflation:  weights,
			types.RegimeInflation:  weights,
			types.RegimeDeflation:  weights,
		},
	}
}

func TestRunStaysPutBelowSumThreshold(t *testing.T) {
	var records []types.DailyRecord
	for i := 0; i < 5; i++ {
		records = append(records, engineRecord(i, 50, 0, 2, 20, 0, nil))
	}

	result := runEngine(t, records, fullProfile(), &flatProvider{price: d(100)})

	if len(result.RegimeTimeline) != 1 {
		t.Fatalf("periods = %d, want 1", len(result.RegimeTimeline))
	}
	if result.RegimeTimeline[0].Regime != types.RegimeReflation {
		t.Errorf("regime = %s, want starting REFLATION", result.RegimeTimeline[0].Regime)
	}
	for _, p := range result.EquityCurve {
		if p.Regime != types.RegimeReflation {
			t.Fatalf("regime drifted to %s without a confirmed transition", p.Regime)
		}
	}
}

func TestRunRiskOffReservesQuarter(t *testing.T) {
	records := []types.DailyRecord{
		engineRecord(0, 50, 0, 2, 0, 0, nil),
		engineRecord(1, 60, 0, 2, 10, 0, nil),
		engineRecord(2, 50, 0, 2, 0, 0, nil),
	}

	result := runEngine(t, records, fullProfile(), &flatProvider{price: d(100)})

	if len(result.RegimeTimeline) != 2 {
		t.Fatalf("periods = %d, want 2", len(result.RegimeTimeline))
	}
	if result.RegimeTimeline[1].Regime != types.RegimeInflation {
		t.Errorf("regime = %s, want INFLATION", result.RegimeTimeline[1].Regime)
	}

	day := result.EquityCurve[1]
	ratio := day.ReserveValue.Div(day.PortfolioValue).InexactFloat64()
	if ratio < 0.2499 || ratio > 0.2501 {
		t.Errorf("reserve fraction = %f, want 0.25", ratio)
	}
}

func TestRunFullReallocationOnRiskOnEntry(t *testing.T) {
	records := []types.DailyRecord{
		engineRecord(0, 50, 0, 2, 0, 0, nil),
		engineRecord(1, 60, 0, 2, 10, 0, nil), // REFLATION -> INFLATION, reserve built
		engineRecord(2, 60, 10, 2, 3, 0, nil), // INFLATION -> GOLDILOCKS, reserve released
	}

	result := runEngine(t, records, fullProfile(), &flatProvider{price: d(100)})

	last := result.EquityCurve[len(result.EquityCurve)-1]
	if last.Regime != types.RegimeGoldilocks {
		t.Fatalf("regime = %s, want GOLDILOCKS", last.Regime)
	}
	if last.ReserveValue.Sign() != 0 {
		t.Errorf("reserve = %s, want 0 after risk-on entry", last.ReserveValue)
	}
}

func TestRunDeflationReserveExitOnTechSignal(t *testing.T) {
	records := []types.DailyRecord{
		engineRecord(0, 50, 0, 2, 0, 0, nil),
		engineRecord(1, 60, 0, 2, 0, 10, nil), // REFLATION -> DEFLATION
		engineRecord(2, 50, 0, 2, 0, 0, nil),  // no signal column: stays parked
		engineRecord(3, 50, 0, 2, 0, 0, map[string]int{"XLK": 0}),
	}

	result := runEngine(t, records, fullProfile(), &flatProvider{price: d(100)})

	if result.EquityCurve[2].ReserveValue.Sign() == 0 {
		t.Error("reserve exited without a non-negative tech signal")
	}
	if result.EquityCurve[3].ReserveValue.Sign() != 0 {
		t.Error("reserve still parked after non-negative tech signal")
	}
	// Proceeds are reinvested, not left as idle cash.
	last := result.EquityCurve[3]
	if !last.PortfolioValue.Equal(result.EquityCurve[2].PortfolioValue) {
		t.Errorf("portfolio value changed on reinvestment: %s -> %s",
			result.EquityCurve[2].PortfolioValue, last.PortfolioValue)
	}
}

func TestRunOpposingSpreadGate(t *testing.T) {
	records := []types.DailyRecord{
		engineRecord(0, 50, 0, 2, 0, 0, nil),
		// INFLATION leads but only 2 over opposing REFLATION: no change.
		engineRecord(1, 60, 0, 8, 10, 0, nil),
	}

	result := runEngine(t, records, fullProfile(), &flatProvider{price: d(100)})

	if len(result.RegimeTimeline) != 1 {
		t.Fatalf("periods = %d, want 1 with spread at the threshold", len(result.RegimeTimeline))
	}
}

func TestTransitionTradesCarryPriorRegime(t *testing.T) {
	records := []types.DailyRecord{
		engineRecord(0, 50, 0, 2, 0, 0, nil),
		// REFLATION -> INFLATION: inflation leads by 8 over opposing.
		engineRecord(1, 60, 0, 2, 10, 0, nil),
	}

	result := runEngine(t, records, fullProfile(), &flatProvider{price: d(100)})

	if len(result.RegimeTimeline) != 2 {
		t.Fatalf("periods = %d, want 2", len(result.RegimeTimeline))
	}

	var sells, buys int
	for _, trade := range result.Trades {
		if !trade.Date.Equal(records[1].Date) {
			continue
		}
		switch trade.Side {
		case types.TradeSideSell:
			sells++
		case types.TradeSideBuy:
			buys++
		}
		// The regime change takes effect only after the day's
		// rebalancing is booked, so both the liquidation sells and
		// the new buys carry the outgoing regime.
		if trade.Regime != types.RegimeReflation {
			t.Errorf("transition trade %s %s tagged %s, want REFLATION",
				trade.Side, trade.Symbol, trade.Regime)
		}
	}
	if sells == 0 || buys == 0 {
		t.Fatalf("transition day booked %d sells and %d buys, want both sides", sells, buys)
	}
}

func TestRunDeterministicAcrossRuns(t *testing.T) {
	var records []types.DailyRecord
	for i := 0; i < 40; i++ {
		sum, inflation := 50, 0
		if i == 10 {
			sum, inflation = 65, 12
		}
		records = append(records, engineRecord(i, sum, 0, 2, inflation, 0, nil))
	}

	run := func() *types.BacktestResult {
		provider := prices.NewSyntheticProvider(zap.NewNop(), records)
		feed := signals.NewFeed(records)
		engine := NewEngine(zap.NewNop(), feed, fullProfile(), provider)
		cfg := engineConfig(records)
		cfg.Seed = 42
		result, err := engine.Run(context.Background(), cfg)
		if err != nil {
			t.Fatal(err)
		}
		return result
	}

	first, second := run(), run()
	if first.TotalReturn != second.TotalReturn {
		t.Errorf("total return differs: %f vs %f", first.TotalReturn, second.TotalReturn)
	}
	if first.TotalTrades != second.TotalTrades {
		t.Errorf("trade count differs: %d vs %d", first.TotalTrades, second.TotalTrades)
	}
	if first.EndingValue != second.EndingValue {
		t.Errorf("ending value differs: %f vs %f", first.EndingValue, second.EndingValue)
	}
}
