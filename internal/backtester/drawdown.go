package backtester

import (
	"sort"

	"github.com/gridfolio/backtest-backend/pkg/types"
)

// defaultTopDrawdowns is how many ranked events a report retains.
const defaultTopDrawdowns = 5

// FindTopDrawdowns scans the equity curve in a single forward pass,
// tracking the running peak. A drawdown opens the first time a value
// falls below the peak; its trough is the lowest value seen until a
// value at or above the pre-drawdown peak closes it. An event still
// open at the end of the series is emitted with no end date and no
// recovery length. Events are ranked descending by drawdown percentage
// and the top n are returned.
func FindTopDrawdowns(curve []types.EquityCurvePoint, n int) []types.DrawdownEvent {
	if len(curve) == 0 {
		return nil
	}

	values := make([]float64, len(curve))
	for i, p := range curve {
		values[i] = p.PortfolioValue.InexactFloat64()
	}

	var events []types.DrawdownEvent
	peak := values[0]
	peakIdx := 0
	inDrawdown := false
	startIdx, lowIdx := 0, 0
	low := 0.0

	for i, val := range values {
		if val >= peak {
			if inDrawdown {
				end := curve[i].Date
				recovery := i - lowIdx
				events = append(events, types.DrawdownEvent{
					DrawdownPct:  (peak - low) / peak,
					StartDate:    curve[startIdx].Date,
					TroughDate:   curve[lowIdx].Date,
					EndDate:      &end,
					LengthDays:   i - startIdx,
					RecoveryDays: &recovery,
				})
				inDrawdown = false
			}
			peak = val
			peakIdx = i
			continue
		}

		if !inDrawdown {
			inDrawdown = true
			startIdx = peakIdx
			low = val
			lowIdx = i
		} else if val < low {
			low = val
			lowIdx = i
		}
	}

	if inDrawdown {
		events = append(events, types.DrawdownEvent{
			DrawdownPct: (peak - low) / peak,
			StartDate:   curve[startIdx].Date,
			TroughDate:  curve[lowIdx].Date,
			LengthDays:  len(values) - startIdx,
		})
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].DrawdownPct > events[j].DrawdownPct
	})
	if len(events) > n {
		events = events[:n]
	}
	return events
}
