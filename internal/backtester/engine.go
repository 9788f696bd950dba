package backtester

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridfolio/backtest-backend/internal/prices"
	"github.com/gridfolio/backtest-backend/internal/regime"
	"github.com/gridfolio/backtest-backend/internal/signals"
	"github.com/gridfolio/backtest-backend/pkg/types"
)

const (
	defaultStartingCapital = 100000
	defaultBenchmark       = "SPY"

	// Fraction of portfolio value parked in the reserve instrument on a
	// risk-on to risk-off transition.
	riskOffReserveFraction = 0.25

	progressInterval = 50
)

// Engine runs one regime-switching backtest. An Engine is single-use:
// create one per run.
type Engine struct {
	logger    *zap.Logger
	policy    *regime.Policy
	feed      *signals.Feed
	profile   *types.AllocationProfile
	provider  prices.Provider
	ledger    *Ledger
	allocator *Allocator

	progressChan chan types.BacktestProgress
}

// NewEngine creates an engine for one profile over one signal feed.
func NewEngine(logger *zap.Logger, feed *signals.Feed, profile *types.AllocationProfile, provider prices.Provider) *Engine {
	return &Engine{
		logger:       logger.Named("engine"),
		policy:       regime.NewPolicy(),
		feed:         feed,
		profile:      profile,
		provider:     provider,
		progressChan: make(chan types.BacktestProgress, 100),
	}
}

// Progress returns the channel progress updates are delivered on. The
// channel is closed when Run returns.
func (e *Engine) Progress() <-chan types.BacktestProgress {
	return e.progressChan
}

// Run executes the simulation day by day and returns the performance
// report. Reruns with the same config and seed produce identical
// results.
func (e *Engine) Run(ctx context.Context, cfg *types.BacktestConfig) (*types.BacktestResult, error) {
	defer close(e.progressChan)
	startedAt := time.Now()

	if cfg.StartingCapital.IsZero() {
		cfg.StartingCapital = decimal.NewFromInt(defaultStartingCapital)
	}
	if cfg.BenchmarkSymbol == "" {
		cfg.BenchmarkSymbol = defaultBenchmark
	}

	records, err := e.feed.Window(cfg.StartDate, cfg.EndDate)
	if err != nil {
		return nil, fmt.Errorf("signal window: %w", err)
	}

	symbols := append(e.allocatorSymbols(), cfg.BenchmarkSymbol)
	if pf, ok := e.provider.(prices.Prefetcher); ok {
		pf.Prefetch(symbols,
			records[0].Date.AddDate(0, 0, -10),
			records[len(records)-1].Date.AddDate(0, 0, 5),
			cfg.Seed)
	}

	e.ledger = NewLedger(e.logger, e.provider, cfg.StartingCapital)
	e.allocator = NewAllocator(e.logger, e.provider, e.profile)

	currentRegime := regime.Starting
	firstDate := records[0].Date

	e.allocator.Allocate(e.ledger, firstDate, currentRegime, currentRegime, e.ledger.Cash(),
		fmt.Sprintf("Initial allocation to %s", currentRegime))

	benchInitial, ok := e.provider.Price(cfg.BenchmarkSymbol, firstDate)
	if !ok || !benchInitial.IsPositive() {
		benchInitial = decimal.NewFromInt(100)
	}

	curve := make([]types.EquityCurvePoint, 0, len(records))
	var periods []types.RegimePeriod
	periodStart := firstDate

	e.logger.Info("backtest started",
		zap.String("id", cfg.ID),
		zap.String("profile", e.profile.ID),
		zap.Int("days", len(records)),
		zap.String("startingRegime", string(currentRegime)))

	for i := range records {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec := &records[i]
		date := rec.Date
		e.ledger.MarkPrices(date)

		if next, changed := e.policy.Evaluate(rec, currentRegime); changed {
			periods = append(periods, types.RegimePeriod{
				Regime: currentRegime,
				Start:  periodStart,
				End:    date,
			})
			e.transition(date, currentRegime, next)
			currentRegime = next
			periodStart = date
		} else if currentRegime == types.RegimeDeflation {
			e.maybeExitReserve(rec, currentRegime)
		}

		value := e.ledger.Value(date)
		benchPrice, ok := e.provider.Price(cfg.BenchmarkSymbol, date)
		benchValue := cfg.StartingCapital
		if ok && benchPrice.IsPositive() {
			benchValue = cfg.StartingCapital.Mul(benchPrice).Div(benchInitial)
		}

		curve = append(curve, types.EquityCurvePoint{
			Date:           date,
			PortfolioValue: value,
			BenchmarkValue: benchValue,
			Regime:         currentRegime,
			ReserveValue:   e.ledger.ReserveValue(date),
		})

		if i%progressInterval == 0 || i == len(records)-1 {
			e.reportProgress(cfg.ID, i+1, len(records), date, currentRegime, value)
		}
	}

	periods = append(periods, types.RegimePeriod{
		Regime: currentRegime,
		Start:  periodStart,
		End:    records[len(records)-1].Date,
	})

	holdings := e.finalHoldings(records[len(records)-1].Date)

	analyzer := NewAnalyzer(e.logger)
	result, err := analyzer.BuildResult(cfg, curve, e.ledger.Trades(), periods, holdings)
	if err != nil {
		return nil, err
	}

	result.StartedAt = startedAt
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(startedAt)

	e.logger.Info("backtest completed",
		zap.String("id", cfg.ID),
		zap.Float64("totalReturn", result.TotalReturn),
		zap.Float64("maxDrawdown", result.MaxDrawdown),
		zap.Int("trades", result.TotalTrades),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// transition rebalances the book for a confirmed regime change. A
// risk-on to risk-off move parks a fraction of portfolio value in the
// reserve instrument before reallocating; every other move reallocates
// the full proceeds. The day's trades are tagged with the outgoing
// regime: the change takes effect only after the rebalancing is booked.
func (e *Engine) transition(date time.Time, from, to types.Regime) {
	e.logger.Info("regime change",
		zap.Time("date", date),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	if regime.IsRiskOn(from) && !regime.IsRiskOn(to) {
		value := e.ledger.Value(date)
		reserve := value.Mul(decimal.NewFromFloat(riskOffReserveFraction))

		e.ledger.LiquidateAll(date, from, fmt.Sprintf("Regime change to %s", to))
		e.ledger.MoveToReserve(date, reserve)
		e.allocator.Allocate(e.ledger, date, to, from, e.ledger.Cash(),
			fmt.Sprintf("Regime change to %s", to))
		return
	}

	e.ledger.LiquidateAll(date, from, fmt.Sprintf("Regime change to %s", to))
	e.allocator.Allocate(e.ledger, date, to, from, e.ledger.Cash(),
		fmt.Sprintf("Allocated to %s", to))
}

// maybeExitReserve redeems the deflation reserve when the technology
// momentum signal turns non-negative, reinvesting the proceeds pro rata
// across the current positions.
func (e *Engine) maybeExitReserve(rec *types.DailyRecord, current types.Regime) {
	if !e.ledger.ReserveShares().IsPositive() {
		return
	}
	signal, ok := rec.Momentum["XLK"]
	if !ok {
		signal = -2
	}
	if signal < 0 {
		return
	}

	date := rec.Date
	proceeds := e.ledger.RedeemReserve(date)
	if !proceeds.IsPositive() {
		return
	}

	e.logger.Info("exiting deflation reserve",
		zap.Time("date", date),
		zap.Int("xlkSignal", signal),
		zap.String("proceeds", proceeds.StringFixed(2)))

	symbols := e.ledger.Symbols()
	var total decimal.Decimal
	values := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		pos := e.ledger.Position(sym)
		price, ok := e.provider.Price(sym, date)
		if !ok || !price.IsPositive() {
			continue
		}
		v := pos.Shares.Mul(price)
		values[sym] = v
		total = total.Add(v)
	}
	if !total.IsPositive() {
		return
	}

	for _, sym := range symbols {
		v, ok := values[sym]
		if !ok {
			continue
		}
		price, _ := e.provider.Price(sym, date)
		amount := proceeds.Mul(v).Div(total)
		shares := amount.Div(price)
		if shares.LessThanOrEqual(dustShares) {
			continue
		}
		e.ledger.Execute(date, types.TradeSideBuy, sym, shares, price, current,
			"Reserve exit reinvestment")
	}
}

// finalHoldings snapshots the open book, reserve included, with weights
// against total portfolio value.
func (e *Engine) finalHoldings(date time.Time) []types.Holding {
	total := e.ledger.Value(date)
	var holdings []types.Holding

	appendHolding := func(symbol string, shares, price, avgCost decimal.Decimal) {
		value := shares.Mul(price)
		weight := 0.0
		if total.IsPositive() {
			weight = value.Div(total).InexactFloat64() * 100
		}
		ret := 0.0
		if avgCost.IsPositive() {
			ret = price.Sub(avgCost).Div(avgCost).InexactFloat64()
		}
		holdings = append(holdings, types.Holding{
			Symbol: symbol,
			Shares: shares,
			Price:  price,
			Value:  value,
			Weight: weight,
			Return: ret,
		})
	}

	for _, sym := range e.ledger.Symbols() {
		pos := e.ledger.Position(sym)
		price, ok := e.provider.Price(sym, date)
		if !ok || !price.IsPositive() {
			price = pos.LastPrice
		}
		appendHolding(sym, pos.Shares, price, pos.AvgCost)
	}

	if e.ledger.ReserveShares().IsPositive() {
		price := e.ledger.reservePrice(date)
		appendHolding(reserveSymbol, e.ledger.ReserveShares(), price, price)
	}

	sort.Slice(holdings, func(i, j int) bool {
		return holdings[i].Value.GreaterThan(holdings[j].Value)
	})
	return holdings
}

func (e *Engine) allocatorSymbols() []string {
	// The allocator is built per run, after prefetch, so derive the
	// universe from a throwaway instance here.
	return NewAllocator(e.logger, e.provider, e.profile).Symbols()
}

func (e *Engine) reportProgress(id string, processed, total int, date time.Time, current types.Regime, equity decimal.Decimal) {
	progress := types.BacktestProgress{
		ID:             id,
		Status:         "running",
		Progress:       float64(processed) / float64(total) * 100,
		DaysProcessed:  processed,
		TotalDays:      total,
		CurrentDate:    date,
		CurrentRegime:  current,
		TradesExecuted: len(e.ledger.Trades()),
		CurrentEquity:  equity.InexactFloat64(),
	}
	select {
	case e.progressChan <- progress:
	default:
	}
}
