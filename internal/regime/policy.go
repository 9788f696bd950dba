// Package regime defines the macro regime set, its opposing-pair
// structure, and the confirming-market transition policy.
package regime

import (
	"github.com/gridfolio/backtest-backend/pkg/types"
)

// Starting is the regime every simulation begins in.
const Starting = types.RegimeReflation

// opposing pairs the regimes symmetrically. Adding a regime requires
// updating this map and the allocation profile format together.
var opposing = map[types.Regime]types.Regime{
	types.RegimeGoldilocks: types.RegimeDeflation,
	types.RegimeDeflation:  types.RegimeGoldilocks,
	types.RegimeReflation:  types.RegimeInflation,
	types.RegimeInflation:  types.RegimeReflation,
}

var riskOn = map[types.Regime]bool{
	types.RegimeGoldilocks: true,
	types.RegimeReflation:  true,
}

// evalOrder fixes the candidate evaluation order. When two regimes tie
// on confirming count, the earlier regime in this order wins; the rule
// is deterministic but otherwise arbitrary.
var evalOrder = [4]types.Regime{
	types.RegimeGoldilocks,
	types.RegimeReflation,
	types.RegimeInflation,
	types.RegimeDeflation,
}

// All returns the regime set in evaluation order.
func All() []types.Regime {
	return evalOrder[:]
}

// Opposing returns the designated opposing regime.
func Opposing(r types.Regime) types.Regime {
	return opposing[r]
}

// IsRiskOn reports whether a regime carries a risk-on stance.
func IsRiskOn(r types.Regime) bool {
	return riskOn[r]
}

// Stance returns the risk stance for a regime.
func Stance(r types.Regime) types.RiskStance {
	if riskOn[r] {
		return types.RiskOn
	}
	return types.RiskOff
}

// Policy decides whether a daily record confirms a regime change.
// It is pure: no side effects, no state beyond its thresholds.
type Policy struct {
	SumThreshold    int // total confirming markets must exceed this
	SpreadThreshold int // candidate minus opposing must exceed this
}

// NewPolicy returns the policy with the production thresholds.
func NewPolicy() *Policy {
	return &Policy{
		SumThreshold:    59,
		SpreadThreshold: 2,
	}
}

// Evaluate returns the newly confirmed regime and true when the record
// meets every gate, or the current regime and false otherwise.
//
// Gates, in order: the record's total confirming count must exceed
// SumThreshold; the candidate is the regime with the single highest
// confirming count (ties broken by evalOrder); a candidate equal to the
// current regime is a no-op; the candidate's count must exceed its
// opposing regime's count by strictly more than SpreadThreshold.
func (p *Policy) Evaluate(rec *types.DailyRecord, current types.Regime) (types.Regime, bool) {
	if rec.SumConfirming <= p.SumThreshold {
		return current, false
	}

	candidate := evalOrder[0]
	best := rec.Confirming(candidate)
	for _, r := range evalOrder[1:] {
		if c := rec.Confirming(r); c > best {
			candidate, best = r, c
		}
	}

	if candidate == current {
		return current, false
	}

	spread := best - rec.Confirming(opposing[candidate])
	if spread > p.SpreadThreshold {
		return candidate, true
	}
	return current, false
}
