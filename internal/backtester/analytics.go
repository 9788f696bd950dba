package backtester

import (
	"fmt"
	"math"
	"time"

	"github.com/gridfolio/backtest-backend/internal/regime"
	"github.com/gridfolio/backtest-backend/pkg/types"
	"go.uber.org/zap"
)

const (
	tradingDaysPerYear = 252.0
	riskFreeRate       = 0.02

	// Fallbacks for degenerate return series.
	fallbackVolatility = 0.15
	fallbackDownside   = 0.10
)

// trailingWindows are the fixed look-back day offsets for trailing
// returns. "YTD" is not listed: it is the whole-run total return, a
// label kept for compatibility with the consuming report format.
var trailingWindows = []struct {
	label string
	days  int
}{
	{"1W", 5}, {"1M", 21}, {"3M", 63}, {"6M", 126},
	{"1Y", 252}, {"3Y", 756}, {"5Y", 1260},
}

// Analyzer derives the performance report from a finished equity curve.
type Analyzer struct {
	logger *zap.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger.Named("analytics")}
}

// BuildResult computes the full report. The curve must be non-empty;
// an empty curve here means the date filtering was bypassed and is
// fatal.
func (a *Analyzer) BuildResult(
	cfg *types.BacktestConfig,
	curve []types.EquityCurvePoint,
	trades []types.Trade,
	periods []types.RegimePeriod,
	holdings []types.Holding,
) (*types.BacktestResult, error) {
	if len(curve) == 0 {
		return nil, fmt.Errorf("no equity curve data")
	}

	values := make([]float64, len(curve))
	benchValues := make([]float64, len(curve))
	dates := make([]time.Time, len(curve))
	for i, p := range curve {
		values[i] = p.PortfolioValue.InexactFloat64()
		benchValues[i] = p.BenchmarkValue.InexactFloat64()
		dates[i] = p.Date
	}

	starting := cfg.StartingCapital.InexactFloat64()
	ending := values[len(values)-1]
	totalReturn := (ending - starting) / starting

	days := len(curve)
	years := float64(days) / tradingDaysPerYear
	annualized := annualize(totalReturn, years)

	benchStart := benchValues[0]
	benchEnd := benchValues[len(benchValues)-1]
	benchTotal := (benchEnd - benchStart) / benchStart
	benchAnnualized := annualize(benchTotal, years)

	returns := dailyReturns(values)
	benchReturns := dailyReturns(benchValues)

	volatility := fallbackVolatility
	if len(returns) >= 2 {
		volatility = stdDev(returns) * math.Sqrt(tradingDaysPerYear)
	}

	var negatives []float64
	for _, r := range returns {
		if r < 0 {
			negatives = append(negatives, r)
		}
	}
	downside := fallbackDownside
	if len(negatives) > 0 {
		downside = stdDev(negatives) * math.Sqrt(tradingDaysPerYear)
	}

	excess := annualized - riskFreeRate
	sharpe := 0.0
	if volatility > 0 {
		sharpe = excess / volatility
	}
	sortino := 0.0
	if downside > 0 {
		sortino = excess / downside
	}

	maxDD, ddSeries := drawdownSeries(values, dates)
	calmar := 0.0
	if maxDD > 0 {
		calmar = annualized / maxDD
	}

	beta, alpha := betaAlpha(returns, benchReturns, annualized, benchAnnualized)
	infoRatio := informationRatio(returns, benchReturns, annualized, benchAnnualized)
	upCapture, downCapture := captureRatios(returns, benchReturns)

	monthly := monthlyGrid(dates, values)
	benchMonthly := monthlyGrid(dates, benchValues)

	positiveMonths := positiveMonthsPct(monthly)

	trailing := trailingReturns(values, totalReturn)
	benchTrailing := trailingReturns(benchValues, benchTotal)

	result := &types.BacktestResult{
		ID:     cfg.ID,
		Config: cfg,

		StartingValue:             starting,
		EndingValue:               ending,
		TotalReturn:               totalReturn,
		AnnualizedReturn:          annualized,
		BenchmarkTotalReturn:      benchTotal,
		BenchmarkAnnualizedReturn: benchAnnualized,

		MaxDrawdown:          maxDD,
		SharpeRatio:          sharpe,
		SortinoRatio:         sortino,
		CalmarRatio:          calmar,
		AnnualizedVolatility: volatility,
		DownsideDeviation:    downside,
		Beta:                 beta,
		Alpha:                alpha,
		InformationRatio:     infoRatio,
		UpsideCapture:        upCapture,
		DownsideCapture:      downCapture,
		PositiveMonthsPct:    positiveMonths,

		EquityCurve:    curve,
		DrawdownSeries: ddSeries,

		MonthlyReturns:          monthly,
		BenchmarkMonthlyReturns: benchMonthly,

		TrailingReturns:          trailing,
		BenchmarkTrailingReturns: benchTrailing,

		TopDrawdowns:   FindTopDrawdowns(curve, defaultTopDrawdowns),
		FinalHoldings:  holdings,
		RegimeStats:    regimeStats(curve, trades, periods),
		RegimeTimeline: periods,

		Trades:      trades,
		TotalTrades: len(trades),
	}

	return result, nil
}

// annualize compounds a total return to a yearly rate over a 252
// trading-day year.
func annualize(total, years float64) float64 {
	if years <= 0 {
		return 0
	}
	return math.Pow(1+total, 1/years) - 1
}

// dailyReturns is the simple percentage-change series.
func dailyReturns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			continue
		}
		returns = append(returns, (values[i]-values[i-1])/values[i-1])
	}
	return returns
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the sample standard deviation.
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		d := v - m
		sumSquares += d * d
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// drawdownSeries tracks the running peak and returns the max drawdown
// plus the per-day drawdown series (as non-positive fractions).
func drawdownSeries(values []float64, dates []time.Time) (float64, []types.DrawdownPoint) {
	series := make([]types.DrawdownPoint, len(values))
	peak := values[0]
	maxDD := 0.0
	for i, v := range values {
		if v > peak {
			peak = v
		}
		dd := 0.0
		if peak > 0 {
			dd = (peak - v) / peak
		}
		if dd > maxDD {
			maxDD = dd
		}
		series[i] = types.DrawdownPoint{Date: dates[i], Drawdown: -dd}
	}
	return maxDD, series
}

// betaAlpha regresses portfolio returns on benchmark returns. With
// fewer than two paired observations beta defaults to 1 and alpha to 0
// exactly.
func betaAlpha(returns, benchReturns []float64, annualized, benchAnnualized float64) (float64, float64) {
	n := len(returns)
	if len(benchReturns) < n {
		n = len(benchReturns)
	}
	if n < 2 {
		return 1, 0
	}

	port := returns[:n]
	bench := benchReturns[:n]
	mp, mb := mean(port), mean(bench)

	var cov, variance float64
	for i := 0; i < n; i++ {
		cov += (port[i] - mp) * (bench[i] - mb)
		variance += (bench[i] - mb) * (bench[i] - mb)
	}
	cov /= float64(n - 1)
	variance /= float64(n - 1)

	beta := 1.0
	if variance > 0 {
		beta = cov / variance
	}
	alpha := annualized - (riskFreeRate + beta*(benchAnnualized-riskFreeRate))
	return beta, alpha
}

// informationRatio is the annualized excess return over the tracking
// error of the daily return differential.
func informationRatio(returns, benchReturns []float64, annualized, benchAnnualized float64) float64 {
	n := len(returns)
	if len(benchReturns) < n {
		n = len(benchReturns)
	}
	if n == 0 {
		return 0
	}

	diffs := make([]float64, n)
	for i := 0; i < n; i++ {
		diffs[i] = returns[i] - benchReturns[i]
	}
	trackingError := stdDev(diffs) * math.Sqrt(tradingDaysPerYear)
	if trackingError <= 0 {
		return 0
	}
	return (annualized - benchAnnualized) / trackingError
}

// captureRatios returns the mean portfolio return over up- and
// down-benchmark days relative to the benchmark's own mean, times 100.
// Either ratio defaults to 100 when its day set is empty or the
// benchmark mean is zero.
func captureRatios(returns, benchReturns []float64) (float64, float64) {
	n := len(returns)
	if len(benchReturns) < n {
		n = len(benchReturns)
	}

	var upPort, upBench, downPort, downBench []float64
	for i := 0; i < n; i++ {
		switch {
		case benchReturns[i] > 0:
			upPort = append(upPort, returns[i])
			upBench = append(upBench, benchReturns[i])
		case benchReturns[i] < 0:
			downPort = append(downPort, returns[i])
			downBench = append(downBench, benchReturns[i])
		}
	}

	up, down := 100.0, 100.0
	if len(upBench) > 0 && mean(upBench) != 0 {
		up = mean(upPort) / mean(upBench) * 100
	}
	if len(downBench) > 0 && mean(downBench) != 0 {
		down = mean(downPort) / mean(downBench) * 100
	}
	return up, down
}

// monthlyGrid buckets returns by calendar month, keyed year -> month
// abbreviation. A month closes when the curve crosses into the next
// month; the final partial month closes with the last curve value.
func monthlyGrid(dates []time.Time, values []float64) map[string]map[string]float64 {
	grid := make(map[string]map[string]float64)
	if len(dates) == 0 {
		return grid
	}

	set := func(d time.Time, ret float64) {
		year := d.Format("2006")
		if grid[year] == nil {
			grid[year] = make(map[string]float64)
		}
		grid[year][d.Format("Jan")] = ret
	}

	monthStart := values[0]
	for i := 1; i < len(dates); i++ {
		sameMonth := dates[i].Year() == dates[i-1].Year() && dates[i].Month() == dates[i-1].Month()
		if !sameMonth {
			ret := 0.0
			if monthStart > 0 {
				ret = (values[i-1] - monthStart) / monthStart
			}
			set(dates[i-1], ret)
			monthStart = values[i]
		}
	}

	last := len(dates) - 1
	ret := 0.0
	if monthStart > 0 {
		ret = (values[last] - monthStart) / monthStart
	}
	set(dates[last], ret)

	return grid
}

// positiveMonthsPct is the share of positive monthly returns, times
// 100, defaulting to 50 when no month has closed.
func positiveMonthsPct(grid map[string]map[string]float64) float64 {
	total, positive := 0, 0
	for _, months := range grid {
		for _, r := range months {
			total++
			if r > 0 {
				positive++
			}
		}
	}
	if total == 0 {
		return 50
	}
	return float64(positive) / float64(total) * 100
}

// trailingReturns computes the fixed look-back returns, populating
// each window only when the curve has enough history. "YTD" carries
// the whole-run total return.
func trailingReturns(values []float64, totalReturn float64) map[string]float64 {
	trailing := make(map[string]float64)
	days := len(values)

	if days >= 2 {
		prev := values[days-2]
		if prev > 0 {
			trailing["1D"] = (values[days-1] - prev) / prev
		}
	}

	for _, w := range trailingWindows {
		if days > w.days {
			base := values[days-w.days-1]
			if base > 0 {
				trailing[w.label] = (values[days-1] - base) / base
			}
		}
	}

	trailing["YTD"] = totalReturn
	return trailing
}

// regimeStats replays the recorded regime-period boundaries against
// the equity curve and trade log. Period returns are summed, not
// compounded; boundary days belong to both the closing and the opening
// period, matching how the timeline is recorded.
func regimeStats(curve []types.EquityCurvePoint, trades []types.Trade, periods []types.RegimePeriod) []types.RegimeStat {
	type agg struct {
		days        int
		totalReturn float64
		trades      int
	}
	counts := make(map[types.Regime]*agg)
	get := func(r types.Regime) *agg {
		if counts[r] == nil {
			counts[r] = &agg{}
		}
		return counts[r]
	}

	for _, period := range periods {
		var inside []types.EquityCurvePoint
		for _, p := range curve {
			if !p.Date.Before(period.Start) && !p.Date.After(period.End) {
				inside = append(inside, p)
			}
		}
		if len(inside) == 0 {
			continue
		}
		a := get(period.Regime)
		a.days += len(inside)

		startVal := inside[0].PortfolioValue.InexactFloat64()
		endVal := inside[len(inside)-1].PortfolioValue.InexactFloat64()
		if startVal > 0 {
			a.totalReturn += (endVal - startVal) / startVal
		}
	}

	for _, tr := range trades {
		get(tr.Regime).trades++
	}

	totalDays := len(curve)
	stats := make([]types.RegimeStat, 0, len(counts))
	for _, r := range regime.All() {
		a, ok := counts[r]
		if !ok {
			continue
		}
		pct := 0.0
		if totalDays > 0 {
			pct = float64(a.days) / float64(totalDays) * 100
		}
		stats = append(stats, types.RegimeStat{
			Regime:      r,
			Days:        a.days,
			PctTime:     pct,
			TotalReturn: a.totalReturn,
			Trades:      a.trades,
		})
	}
	return stats
}
