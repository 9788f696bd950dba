// Package types provides configuration and result types for the backtest backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BacktestConfig represents the configuration for a backtest run.
type BacktestConfig struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	ProfileID       string          `json:"profileId"`
	StartDate       time.Time       `json:"startDate"`
	EndDate         time.Time       `json:"endDate"`
	StartingCapital decimal.Decimal `json:"startingCapital"`
	BenchmarkSymbol string          `json:"benchmarkSymbol"`
	Seed            int64           `json:"seed"` // price generation seed
}

// BacktestResult is the full performance report for one completed run.
// Return and ratio fields are raw fractions, not pre-multiplied by 100,
// except the capture ratios and percentage-of-time fields.
type BacktestResult struct {
	ID     string          `json:"id"`
	Config *BacktestConfig `json:"config"`

	StartingValue             float64 `json:"startingValue"`
	EndingValue               float64 `json:"endingValue"`
	TotalReturn               float64 `json:"totalReturn"`
	AnnualizedReturn          float64 `json:"annualizedReturn"`
	BenchmarkTotalReturn      float64 `json:"benchmarkTotalReturn"`
	BenchmarkAnnualizedReturn float64 `json:"benchmarkAnnualizedReturn"`

	MaxDrawdown          float64 `json:"maxDrawdown"`
	SharpeRatio          float64 `json:"sharpeRatio"`
	SortinoRatio         float64 `json:"sortinoRatio"`
	CalmarRatio          float64 `json:"calmarRatio"`
	AnnualizedVolatility float64 `json:"annualizedVolatility"`
	DownsideDeviation    float64 `json:"downsideDeviation"`
	Beta                 float64 `json:"beta"`
	Alpha                float64 `json:"alpha"`
	InformationRatio     float64 `json:"informationRatio"`
	UpsideCapture        float64 `json:"upsideCapture"`
	DownsideCapture      float64 `json:"downsideCapture"`
	PositiveMonthsPct    float64 `json:"positiveMonthsPct"`

	EquityCurve    []EquityCurvePoint `json:"equityCurve"`
	DrawdownSeries []DrawdownPoint    `json:"drawdownSeries"`

	// Monthly grids: year -> month abbreviation -> return.
	MonthlyReturns          map[string]map[string]float64 `json:"monthlyReturns"`
	BenchmarkMonthlyReturns map[string]map[string]float64 `json:"benchmarkMonthlyReturns"`

	TrailingReturns          map[string]float64 `json:"trailingReturns"`
	BenchmarkTrailingReturns map[string]float64 `json:"benchmarkTrailingReturns"`

	TopDrawdowns   []DrawdownEvent `json:"topDrawdowns"`
	FinalHoldings  []Holding       `json:"finalHoldings"`
	RegimeStats    []RegimeStat    `json:"regimeStats"`
	RegimeTimeline []RegimePeriod  `json:"regimeTimeline"`

	Trades      []Trade `json:"trades"`
	TotalTrades int     `json:"totalTrades"`

	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
	Duration    time.Duration `json:"duration"`
}

// BacktestProgress represents the progress of a running backtest.
type BacktestProgress struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`   // "running", "completed", "failed"
	Progress       float64   `json:"progress"` // 0-100
	DaysProcessed  int       `json:"daysProcessed"`
	TotalDays      int       `json:"totalDays"`
	CurrentDate    time.Time `json:"currentDate"`
	CurrentRegime  Regime    `json:"currentRegime"`
	TradesExecuted int       `json:"tradesExecuted"`
	CurrentEquity  float64   `json:"currentEquity"`
	Error          string    `json:"error,omitempty"`
}

// ServerConfig represents server configuration.
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	MaxConnections int           `json:"maxConnections"`
}
