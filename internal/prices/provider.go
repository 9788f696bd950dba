// Package prices provides as-of price lookup backed by a pre-fetched
// per-symbol daily series. The shipped provider generates seeded
// synthetic series whose drift follows the prevailing regime.
package prices

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/gridfolio/backtest-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Provider is the as-of price lookup contract. Lookups forward-fill
// from the most recent date at or before the requested date within the
// cached range; the boolean is false when the symbol is unknown or the
// date precedes the cached range.
type Provider interface {
	Price(symbol string, date time.Time) (decimal.Decimal, bool)
}

// Prefetcher is implemented by providers that pre-load a full date
// range before a run. Seeding identically must reproduce the series
// exactly.
type Prefetcher interface {
	Prefetch(symbols []string, start, end time.Time, seed int64)
}

// SyntheticProvider generates regime-conditioned geometric random walk
// series on a business-day grid. A provider instance belongs to a
// single simulation run and must not be shared across runs.
type SyntheticProvider struct {
	logger      *zap.Logger
	regimeDates []time.Time
	regimes     []types.Regime
	dates       []time.Time
	series      map[string][]decimal.Decimal
}

// NewSyntheticProvider creates a provider whose drift follows the
// regime labels carried by the signal records.
func NewSyntheticProvider(logger *zap.Logger, records []types.DailyRecord) *SyntheticProvider {
	p := &SyntheticProvider{
		logger:      logger.Named("prices"),
		regimeDates: make([]time.Time, 0, len(records)),
		regimes:     make([]types.Regime, 0, len(records)),
		series:      make(map[string][]decimal.Decimal),
	}
	for _, rec := range records {
		p.regimeDates = append(p.regimeDates, rec.Date)
		p.regimes = append(p.regimes, rec.MarketRegime)
	}
	return p
}

// Prefetch generates business-day series for every symbol over the
// range. Symbols are generated in sorted order from a single seeded
// source, so identical inputs yield identical series.
func (p *SyntheticProvider) Prefetch(symbols []string, start, end time.Time, seed int64) {
	p.dates = businessDays(start, end)

	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)

	rng := rand.New(rand.NewSource(seed))

	for _, symbol := range sorted {
		p.series[symbol] = p.generate(symbol, rng)
	}

	p.logger.Info("generated synthetic price series",
		zap.Int("symbols", len(sorted)),
		zap.Int("days", len(p.dates)),
		zap.Int64("seed", seed),
	)
}

// Price returns the forward-filled price for a symbol on a date.
func (p *SyntheticProvider) Price(symbol string, date time.Time) (decimal.Decimal, bool) {
	series, ok := p.series[symbol]
	if !ok || len(series) == 0 {
		return decimal.Zero, false
	}

	// Last grid date at or before the query.
	idx := sort.Search(len(p.dates), func(i int) bool { return p.dates[i].After(date) })
	if idx == 0 {
		return decimal.Zero, false
	}
	return series[idx-1], true
}

// generate walks one symbol's series across the business-day grid.
func (p *SyntheticProvider) generate(symbol string, rng *rand.Rand) []decimal.Decimal {
	base := basePrice(symbol)
	dailyVol := volatility(symbol) / math.Sqrt(tradingDaysPerYear)

	series := make([]decimal.Decimal, len(p.dates))
	price := base
	for i, date := range p.dates {
		if i > 0 {
			drift := expectedReturn(symbol, p.regimeAt(date)) / tradingDaysPerYear
			price *= 1 + drift + rng.NormFloat64()*dailyVol
			if price < 0.01 {
				price = 0.01
			}
		}
		series[i] = decimal.NewFromFloat(price)
	}
	return series
}

// regimeAt returns the regime label in force on a date, defaulting to
// GOLDILOCKS before the first record.
func (p *SyntheticProvider) regimeAt(date time.Time) types.Regime {
	idx := sort.Search(len(p.regimeDates), func(i int) bool { return p.regimeDates[i].After(date) })
	if idx == 0 {
		return types.RegimeGoldilocks
	}
	return p.regimes[idx-1]
}

const tradingDaysPerYear = 252

// businessDays returns the Monday-Friday dates in [start, end].
func businessDays(start, end time.Time) []time.Time {
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
		default:
			days = append(days, d)
		}
	}
	return days
}
