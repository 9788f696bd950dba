// Package types provides shared type definitions for the backtest backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Regime is a macro market regime label.
type Regime string

const (
	RegimeGoldilocks Regime = "GOLDILOCKS"
	RegimeReflation  Regime = "REFLATION"
	RegimeInflation  Regime = "INFLATION"
	RegimeDeflation  Regime = "DEFLATION"
)

// RiskStance is the coarse risk-on/risk-off classification of a regime.
type RiskStance string

const (
	RiskOn  RiskStance = "RISK ON"
	RiskOff RiskStance = "RISK OFF"
)

// TradeSide represents buy or sell.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// DailyRecord is one row of the daily signal grid: confirming-market
// counts per regime plus per-symbol momentum signals. Records are
// immutable once produced by the feed, one per trading date.
type DailyRecord struct {
	Date                 time.Time      `json:"date"`
	SumConfirming        int            `json:"sumConfirming"`
	GoldilocksConfirming int            `json:"goldilocksConfirming"`
	ReflationConfirming  int            `json:"reflationConfirming"`
	InflationConfirming  int            `json:"inflationConfirming"`
	DeflationConfirming  int            `json:"deflationConfirming"`
	MarketRegime         Regime         `json:"marketRegime"`
	RiskStance           RiskStance     `json:"riskStance"`
	Momentum             map[string]int `json:"momentum"` // symbol -> -2/0/+2
}

// Confirming returns the confirming-market count for a regime.
func (r *DailyRecord) Confirming(regime Regime) int {
	switch regime {
	case RegimeGoldilocks:
		return r.GoldilocksConfirming
	case RegimeReflation:
		return r.ReflationConfirming
	case RegimeInflation:
		return r.InflationConfirming
	case RegimeDeflation:
		return r.DeflationConfirming
	default:
		return 0
	}
}

// AllocationProfile maps each regime to target portfolio weights.
// Profiles are immutable; many simulations may share one profile.
type AllocationProfile struct {
	ID          string                        `json:"id"`
	Name        string                        `json:"name"`
	Allocations map[Regime]map[string]float64 `json:"allocations"`
}

// Position is an open holding in a single instrument. Owned exclusively
// by the ledger and mutated only through trade execution.
type Position struct {
	Symbol    string          `json:"symbol"`
	Shares    decimal.Decimal `json:"shares"`
	AvgCost   decimal.Decimal `json:"avgCost"`
	LastPrice decimal.Decimal `json:"lastPrice"`
}

// MarketValue returns shares times the last observed price.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Shares.Mul(p.LastPrice)
}

// TotalReturn returns the fractional return over average cost, or zero
// when the average cost is zero.
func (p *Position) TotalReturn() decimal.Decimal {
	if p.AvgCost.IsZero() {
		return decimal.Zero
	}
	return p.LastPrice.Sub(p.AvgCost).Div(p.AvgCost)
}

// Trade is one executed trade. The log is append-only; shares and value
// are always recorded as absolute magnitudes.
type Trade struct {
	Date   time.Time       `json:"date"`
	Side   TradeSide       `json:"side"`
	Symbol string          `json:"symbol"`
	Shares decimal.Decimal `json:"shares"`
	Price  decimal.Decimal `json:"price"`
	Value  decimal.Decimal `json:"value"`
	Regime Regime          `json:"regime"`
	Reason string          `json:"reason"`
}

// EquityCurvePoint is one simulated day's closing state.
type EquityCurvePoint struct {
	Date           time.Time       `json:"date"`
	PortfolioValue decimal.Decimal `json:"portfolioValue"`
	BenchmarkValue decimal.Decimal `json:"benchmarkValue"`
	Regime         Regime          `json:"regime"`
	ReserveValue   decimal.Decimal `json:"reserveValue"`
}

// DrawdownPoint is one sample of the running drawdown series.
// Drawdown is a non-positive fraction of the running peak.
type DrawdownPoint struct {
	Date     time.Time `json:"date"`
	Drawdown float64   `json:"drawdown"`
}

// DrawdownEvent is a peak-to-trough decline episode. EndDate and
// RecoveryDays are nil while the drawdown is still open at the end of
// the series.
type DrawdownEvent struct {
	DrawdownPct  float64    `json:"drawdownPct"`
	StartDate    time.Time  `json:"startDate"`
	TroughDate   time.Time  `json:"troughDate"`
	EndDate      *time.Time `json:"endDate,omitempty"`
	LengthDays   int        `json:"lengthDays"`
	RecoveryDays *int       `json:"recoveryDays,omitempty"`
}

// RegimePeriod is a contiguous stretch of days spent in one regime.
type RegimePeriod struct {
	Regime Regime    `json:"regime"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// RegimeStat aggregates performance attribution for one regime.
// TotalReturn is the sum of sub-period returns, not compounded.
type RegimeStat struct {
	Regime      Regime  `json:"regime"`
	Days        int     `json:"days"`
	PctTime     float64 `json:"pctTime"`
	TotalReturn float64 `json:"totalReturn"`
	Trades      int     `json:"trades"`
}

// Holding is one end-of-run open position with its portfolio weight.
type Holding struct {
	Symbol string          `json:"symbol"`
	Shares decimal.Decimal `json:"shares"`
	Price  decimal.Decimal `json:"price"`
	Value  decimal.Decimal `json:"value"`
	Weight float64         `json:"weight"`
	Return float64         `json:"return"`
}
