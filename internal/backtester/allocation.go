package backtester

import (
	"fmt"
	"sort"
	"time"

	"github.com/gridfolio/backtest-backend/internal/prices"
	"github.com/gridfolio/backtest-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Instrument classes the simulator does not support; filtered out
// before allocation.
var unsupportedSymbols = map[string]bool{
	"Bitcoin":  true,
	"Ethereum": true,
}

// Allocator turns a regime's target weights into buy trades against a
// ledger.
type Allocator struct {
	logger  *zap.Logger
	prices  prices.Provider
	profile *types.AllocationProfile
}

// NewAllocator creates an allocator for one profile.
func NewAllocator(logger *zap.Logger, provider prices.Provider, profile *types.AllocationProfile) *Allocator {
	return &Allocator{
		logger:  logger.Named("allocator"),
		prices:  provider,
		profile: profile,
	}
}

// Allocate deploys capital into the target regime's weight mapping.
// Trades are tagged with the active regime, which differs from the
// target on transition days: the change takes effect only after the
// day's rebalancing trades are booked. A regime with no configured
// allocation yields an empty trade set. Instruments with no available
// price that day are skipped without retry, and target share counts at
// or below dust are not traded. Symbols are visited in sorted order so
// the trade log is stable across runs.
func (a *Allocator) Allocate(ledger *Ledger, date time.Time, target, active types.Regime, capital decimal.Decimal, reason string) {
	weights := a.profile.Allocations[target]
	if len(weights) == 0 {
		a.logger.Debug("no allocation configured for regime", zap.String("regime", string(target)))
		return
	}

	symbols := make([]string, 0, len(weights))
	for s := range weights {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		if unsupportedSymbols[symbol] {
			continue
		}

		price, ok := a.prices.Price(symbol, date)
		if !ok || price.Sign() <= 0 {
			a.logger.Debug("skipping allocation, no price",
				zap.String("symbol", symbol),
				zap.Time("date", date),
			)
			continue
		}

		notional := capital.Mul(decimal.NewFromFloat(weights[symbol]))
		shares := notional.Div(price)
		if shares.GreaterThan(dustShares) {
			ledger.Execute(date, types.TradeSideBuy, symbol, shares, price, active, reason)
		}
	}
}

// Symbols returns every instrument the profile can allocate to, plus
// the reserve instrument, with unsupported classes filtered out.
func (a *Allocator) Symbols() []string {
	set := map[string]bool{reserveSymbol: true}
	for _, weights := range a.profile.Allocations {
		for symbol := range weights {
			if !unsupportedSymbols[symbol] {
				set[symbol] = true
			}
		}
	}

	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// BuiltinProfiles returns the shipped allocation profiles.
func BuiltinProfiles() []*types.AllocationProfile {
	return []*types.AllocationProfile{
		aggressiveProfile,
		moderateProfile,
		conservativeProfile,
	}
}

// ProfileByID looks up a builtin profile.
func ProfileByID(id string) (*types.AllocationProfile, error) {
	for _, p := range BuiltinProfiles() {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown allocation profile %q", id)
}

var aggressiveProfile = &types.AllocationProfile{
	ID:   "aggressive",
	Name: "Aggressive",
	Allocations: map[types.Regime]map[string]float64{
		types.RegimeGoldilocks: {
			"XLK": 0.15, "QQQ": 0.15, "SPHB": 0.10, "XLC": 0.10,
			"IWF": 0.10, "EWZ": 0.05, "EEM": 0.05, "FXI": 0.05,
			"EWA": 0.05, "INDA": 0.05, "GLD": 0.05, "SPY": 0.10,
		},
		types.RegimeReflation: {
			"XLE": 0.15, "XLF": 0.15, "XLI": 0.10, "XLB": 0.10,
			"EWZ": 0.10, "EEM": 0.10, "GNR": 0.10, "PDBC": 0.10,
			"GLD": 0.05, "SPY": 0.05,
		},
		types.RegimeInflation: {
			"XLE": 0.20, "GLD": 0.20, "PDBC": 0.15, "TIP": 0.10,
			"SHY": 0.15, "USO": 0.10, "XLU": 0.10,
		},
		types.RegimeDeflation: {
			"TLT": 0.30, "IEF": 0.20, "AGG": 0.15, "SHY": 0.15,
			"GLD": 0.10, "UUP": 0.10,
		},
	},
}

var moderateProfile = &types.AllocationProfile{
	ID:   "moderate",
	Name: "Moderate",
	Allocations: map[types.Regime]map[string]float64{
		types.RegimeGoldilocks: {
			"SPY": 0.30, "QQQ": 0.15, "XLK": 0.10, "IWF": 0.10,
			"EEM": 0.05, "GLD": 0.05, "AGG": 0.15, "TIP": 0.10,
		},
		types.RegimeReflation: {
			"SPY": 0.25, "XLE": 0.10, "XLF": 0.10, "XLI": 0.10,
			"EEM": 0.10, "GLD": 0.10, "AGG": 0.15, "TIP": 0.10,
		},
		types.RegimeInflation: {
			"XLE": 0.15, "GLD": 0.20, "TIP": 0.20, "SHY": 0.20,
			"AGG": 0.15, "XLU": 0.10,
		},
		types.RegimeDeflation: {
			"TLT": 0.25, "IEF": 0.20, "AGG": 0.20, "SHY": 0.20,
			"GLD": 0.15,
		},
	},
}

var conservativeProfile = &types.AllocationProfile{
	ID:   "conservative",
	Name: "Conservative",
	Allocations: map[types.Regime]map[string]float64{
		types.RegimeGoldilocks: {
			"SPY": 0.25, "AGG": 0.30, "TIP": 0.15, "GLD": 0.10,
			"SHY": 0.10, "IEF": 0.10,
		},
		types.RegimeReflation: {
			"SPY": 0.20, "AGG": 0.30, "TIP": 0.20, "GLD": 0.15,
			"XLE": 0.05, "SHY": 0.10,
		},
		types.RegimeInflation: {
			"GLD": 0.20, "TIP": 0.25, "SHY": 0.25, "AGG": 0.20,
			"XLE": 0.10,
		},
		types.RegimeDeflation: {
			"TLT": 0.25, "IEF": 0.25, "AGG": 0.20, "SHY": 0.20,
			"GLD": 0.10,
		},
	},
}
