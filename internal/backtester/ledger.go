// Package backtester provides the regime-driven portfolio simulation
// engine and its performance analytics.
package backtester

import (
	"sort"
	"time"

	"github.com/gridfolio/backtest-backend/internal/prices"
	"github.com/gridfolio/backtest-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const reserveSymbol = "SHV"

var (
	// Positions at or below this share count are treated as closed.
	dustShares = decimal.NewFromFloat(0.001)

	// Used for the reserve instrument when no quote is available.
	reserveFallbackPrice = decimal.NewFromInt(110)
)

// Ledger is the single owner of a simulation's mutable financial
// state: cash, the reserve-instrument holding, open positions, and the
// append-only trade log. Trade execution is the only mutator of
// positions, which keeps the self-financing invariant auditable. A
// ledger belongs to exactly one simulation run.
type Ledger struct {
	logger        *zap.Logger
	prices        prices.Provider
	cash          decimal.Decimal
	reserveShares decimal.Decimal
	positions     map[string]*types.Position
	trades        []types.Trade
}

// NewLedger creates a ledger holding the starting capital in cash.
func NewLedger(logger *zap.Logger, provider prices.Provider, startingCash decimal.Decimal) *Ledger {
	return &Ledger{
		logger:    logger.Named("ledger"),
		prices:    provider,
		cash:      startingCash,
		positions: make(map[string]*types.Position),
	}
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() decimal.Decimal {
	return l.cash
}

// ReserveShares returns the reserve-instrument share count.
func (l *Ledger) ReserveShares() decimal.Decimal {
	return l.reserveShares
}

// Position returns the open position for a symbol, or nil.
func (l *Ledger) Position(symbol string) *types.Position {
	return l.positions[symbol]
}

// Positions returns the live position map. The caller must not retain
// it across trades; the ledger remains the owner.
func (l *Ledger) Positions() map[string]*types.Position {
	return l.positions
}

// Symbols returns the open position symbols in sorted order.
func (l *Ledger) Symbols() []string {
	syms := make([]string, 0, len(l.positions))
	for s := range l.positions {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}

// Trades returns the append-only trade log.
func (l *Ledger) Trades() []types.Trade {
	return l.trades
}

// Execute executes a trade and appends it to the log. Shares must be
// positive; a buy blends the position's average cost as the weighted
// mix of old and new shares, a sell reduces the position and removes it
// once it falls to dust. No partial fills: the shares requested are the
// shares executed.
func (l *Ledger) Execute(date time.Time, side types.TradeSide, symbol string, shares, price decimal.Decimal, regime types.Regime, reason string) {
	value := shares.Mul(price)

	l.trades = append(l.trades, types.Trade{
		Date:   date,
		Side:   side,
		Symbol: symbol,
		Shares: shares.Abs(),
		Price:  price,
		Value:  value.Abs(),
		Regime: regime,
		Reason: reason,
	})

	if side == types.TradeSideBuy {
		if pos, ok := l.positions[symbol]; ok {
			totalShares := pos.Shares.Add(shares)
			totalCost := pos.Shares.Mul(pos.AvgCost).Add(shares.Mul(price))
			avgCost := price
			if totalShares.Sign() > 0 {
				avgCost = totalCost.Div(totalShares)
			}
			pos.Shares = totalShares
			pos.AvgCost = avgCost
			pos.LastPrice = price
		} else {
			l.positions[symbol] = &types.Position{
				Symbol:    symbol,
				Shares:    shares,
				AvgCost:   price,
				LastPrice: price,
			}
		}
		l.cash = l.cash.Sub(value)
		return
	}

	if pos, ok := l.positions[symbol]; ok {
		pos.Shares = pos.Shares.Sub(shares)
		if pos.Shares.LessThanOrEqual(dustShares) {
			delete(l.positions, symbol)
		}
	}
	l.cash = l.cash.Add(value)
}

// MarkPrices refreshes every position's last observed price from the
// provider. Symbols with no quote that day keep their previous mark.
func (l *Ledger) MarkPrices(date time.Time) {
	for symbol, pos := range l.positions {
		if price, ok := l.prices.Price(symbol, date); ok {
			pos.LastPrice = price
		}
	}
}

// Value returns cash plus the reserve holding plus every position
// marked to the day's price, falling back to the last known price when
// a fresh quote is unavailable.
func (l *Ledger) Value(date time.Time) decimal.Decimal {
	total := l.cash

	if l.reserveShares.Sign() > 0 {
		total = total.Add(l.reserveShares.Mul(l.reservePrice(date)))
	}

	for symbol, pos := range l.positions {
		if price, ok := l.prices.Price(symbol, date); ok {
			pos.LastPrice = price
		}
		total = total.Add(pos.MarketValue())
	}

	return total
}

// ReserveValue returns the market value of the reserve holding.
func (l *Ledger) ReserveValue(date time.Time) decimal.Decimal {
	if l.reserveShares.Sign() <= 0 {
		return decimal.Zero
	}
	return l.reserveShares.Mul(l.reservePrice(date))
}

// MoveToReserve converts cash into reserve-instrument shares.
func (l *Ledger) MoveToReserve(date time.Time, amount decimal.Decimal) {
	price := l.reservePrice(date)
	l.reserveShares = l.reserveShares.Add(amount.Div(price))
	l.cash = l.cash.Sub(amount)
}

// RedeemReserve converts the whole reserve holding back to cash and
// returns the redeemed amount.
func (l *Ledger) RedeemReserve(date time.Time) decimal.Decimal {
	if l.reserveShares.Sign() <= 0 {
		return decimal.Zero
	}
	amount := l.reserveShares.Mul(l.reservePrice(date))
	l.cash = l.cash.Add(amount)
	l.reserveShares = decimal.Zero
	return amount
}

// LiquidateAll sells every open position at the day's price (or the
// last known price) and redeems the reserve holding, leaving the whole
// portfolio in cash.
func (l *Ledger) LiquidateAll(date time.Time, regime types.Regime, reason string) {
	for _, symbol := range l.Symbols() {
		pos := l.positions[symbol]
		price := pos.LastPrice
		if fresh, ok := l.prices.Price(symbol, date); ok {
			price = fresh
		}
		l.Execute(date, types.TradeSideSell, symbol, pos.Shares, price, regime, reason)
	}
	l.RedeemReserve(date)
}

func (l *Ledger) reservePrice(date time.Time) decimal.Decimal {
	if price, ok := l.prices.Price(reserveSymbol, date); ok {
		return price
	}
	return reserveFallbackPrice
}
