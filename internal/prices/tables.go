package prices

import (
	"github.com/gridfolio/backtest-backend/pkg/types"
)

// Approximate 2018 starting prices for the supported ETF universe.
var basePrices = map[string]float64{
	// US equity
	"SPY": 268.0, "QQQ": 165.0, "IWM": 150.0, "IWF": 145.0, "IWB": 165.0,
	"IWD": 125.0, "IWR": 55.0, "SPHB": 45.0, "SPLV": 48.0, "MTUM": 105.0,
	"QUAL": 85.0, "SPHD": 40.0,

	// Sectors
	"XLK": 68.0, "XLF": 28.0, "XLE": 72.0, "XLV": 82.0, "XLI": 75.0,
	"XLY": 105.0, "XLP": 55.0, "XLC": 48.0, "XLB": 58.0, "XLRE": 32.0,
	"XLU": 52.0,

	// International
	"EEM": 47.0, "EWZ": 42.0, "FXI": 46.0, "EWA": 22.0, "INDA": 34.0,
	"EZU": 42.0, "ACWX": 48.0, "DXJ": 58.0, "EWU": 33.0, "EWC": 28.0,
	"GNR": 32.0,

	// Fixed income
	"TLT": 122.0, "IEF": 104.0, "SHY": 84.0, "SHV": 110.0, "AGG": 108.0,
	"TIP": 112.0, "STIP": 100.0, "LQD": 118.0, "HYG": 86.0, "EMB": 112.0,

	// Commodities and alternatives
	"GLD": 125.0, "SLV": 15.0, "USO": 12.0, "PDBC": 16.0, "DBB": 17.0,
	"UUP": 24.0,
}

// Annualized volatility estimates by symbol.
var volatilities = map[string]float64{
	"SPY": 0.16, "QQQ": 0.22, "IWM": 0.22, "XLK": 0.24, "XLF": 0.22,
	"XLE": 0.30, "EEM": 0.24, "EWZ": 0.35, "SPHB": 0.28, "XLC": 0.22,

	"TLT": 0.15, "IEF": 0.08, "SHY": 0.02, "SHV": 0.01, "AGG": 0.04,
	"TIP": 0.06, "LQD": 0.08, "HYG": 0.10,

	"GLD": 0.15, "SLV": 0.25, "USO": 0.40, "PDBC": 0.20, "DBB": 0.22,
}

const (
	defaultBasePrice  = 50.0
	defaultVolatility = 0.20
)

type assetClass int

const (
	classEquity assetClass = iota
	classBond
	classOther
)

var bondSymbols = map[string]bool{
	"TLT": true, "IEF": true, "SHY": true, "SHV": true, "AGG": true,
	"TIP": true, "STIP": true, "LQD": true, "HYG": true, "EMB": true,
}

var otherSymbols = map[string]bool{
	"GLD": true, "SLV": true, "USO": true, "PDBC": true, "DBB": true,
	"UUP": true,
}

// regimeDrift carries per-symbol annualized return overrides plus
// asset-class defaults for one regime.
type regimeDrift struct {
	overrides map[string]float64
	equity    float64
	bond      float64
	other     float64
}

var regimeDrifts = map[types.Regime]regimeDrift{
	types.RegimeGoldilocks: {
		overrides: map[string]float64{
			"SPY": 0.18, "QQQ": 0.25, "XLK": 0.28, "IWF": 0.22,
			"TLT": -0.05, "GLD": 0.02, "XLE": 0.10,
		},
		equity: 0.15, bond: -0.02, other: 0.08,
	},
	types.RegimeReflation: {
		overrides: map[string]float64{
			"SPY": 0.12, "XLE": 0.25, "XLF": 0.20, "XLB": 0.18, "EEM": 0.18,
			"TLT": -0.08, "GLD": 0.10, "PDBC": 0.15,
		},
		equity: 0.12, bond: -0.04, other: 0.08,
	},
	types.RegimeInflation: {
		overrides: map[string]float64{
			"SPY": -0.05, "QQQ": -0.12, "XLK": -0.15,
			"XLE": 0.15, "GLD": 0.12, "PDBC": 0.18, "TIP": 0.04,
			"TLT": -0.15, "SHY": 0.02,
		},
		equity: -0.08, bond: -0.05, other: 0.02,
	},
	types.RegimeDeflation: {
		overrides: map[string]float64{
			"SPY": -0.20, "QQQ": -0.25, "EEM": -0.30,
			"TLT": 0.25, "IEF": 0.15, "AGG": 0.08, "SHY": 0.03, "SHV": 0.02,
			"GLD": 0.08, "UUP": 0.05,
		},
		equity: -0.15, bond: 0.10, other: -0.05,
	},
}

func basePrice(symbol string) float64 {
	if p, ok := basePrices[symbol]; ok {
		return p
	}
	return defaultBasePrice
}

func volatility(symbol string) float64 {
	if v, ok := volatilities[symbol]; ok {
		return v
	}
	return defaultVolatility
}

func classOf(symbol string) assetClass {
	if bondSymbols[symbol] {
		return classBond
	}
	if otherSymbols[symbol] {
		return classOther
	}
	return classEquity
}

// expectedReturn returns the annualized drift for a symbol in a regime.
func expectedReturn(symbol string, regime types.Regime) float64 {
	drift, ok := regimeDrifts[regime]
	if !ok {
		drift = regimeDrifts[types.RegimeGoldilocks]
	}
	if r, ok := drift.overrides[symbol]; ok {
		return r
	}
	switch classOf(symbol) {
	case classBond:
		return drift.bond
	case classOther:
		return drift.other
	default:
		return drift.equity
	}
}
