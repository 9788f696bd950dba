// Package signals provides the daily signal feed: an ordered,
// deduplicated-by-date sequence of grid records consumed by the
// simulation loop.
package signals

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/gridfolio/backtest-backend/pkg/types"
	"go.uber.org/zap"
)

// Feed holds the full grid history, sorted ascending and deduplicated
// by date. The records are immutable once loaded.
type Feed struct {
	records []types.DailyRecord
}

// NewFeed builds a feed from raw records, sorting them by date and
// keeping the last record when a date repeats.
func NewFeed(records []types.DailyRecord) *Feed {
	byDate := make(map[time.Time]types.DailyRecord, len(records))
	for _, rec := range records {
		byDate[rec.Date] = rec
	}

	deduped := make([]types.DailyRecord, 0, len(byDate))
	for _, rec := range byDate {
		deduped = append(deduped, rec)
	}
	sort.Slice(deduped, func(i, j int) bool {
		return deduped[i].Date.Before(deduped[j].Date)
	})

	return &Feed{records: deduped}
}

// Records returns the full ordered history.
func (f *Feed) Records() []types.DailyRecord {
	return f.records
}

// Window returns the records within [start, end]. An empty intersection
// is a configuration error: the run must fail before any simulation
// work begins.
func (f *Feed) Window(start, end time.Time) ([]types.DailyRecord, error) {
	var out []types.DailyRecord
	for _, rec := range f.records {
		if rec.Date.Before(start) || rec.Date.After(end) {
			continue
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no signal data between %s and %s",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	return out, nil
}

// Fixed leading columns of the grid CSV; every further header column is
// treated as a momentum-signal symbol.
var csvColumns = []string{
	"date", "sum_confirming",
	"goldilocks", "reflation", "inflation", "deflation",
	"market_regime", "risk_regime",
}

// LoadCSV reads a daily grid table from disk. The header must begin
// with the fixed columns; remaining columns carry per-symbol momentum
// values (-2/0/+2).
func LoadCSV(logger *zap.Logger, path string) (*Feed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open grid file: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse grid file: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("grid file %s has no data rows", path)
	}

	header := rows[0]
	if len(header) < len(csvColumns) {
		return nil, fmt.Errorf("grid header has %d columns, need at least %d", len(header), len(csvColumns))
	}
	for i, want := range csvColumns {
		if header[i] != want {
			return nil, fmt.Errorf("grid column %d: expected %q, got %q", i, want, header[i])
		}
	}
	momentumSymbols := header[len(csvColumns):]

	records := make([]types.DailyRecord, 0, len(rows)-1)
	for n, row := range rows[1:] {
		rec, err := parseRow(row, momentumSymbols)
		if err != nil {
			return nil, fmt.Errorf("grid row %d: %w", n+2, err)
		}
		records = append(records, rec)
	}

	feed := NewFeed(records)
	logger.Info("loaded signal grid",
		zap.String("path", path),
		zap.Int("records", len(feed.records)),
		zap.Int("momentumSymbols", len(momentumSymbols)),
	)
	return feed, nil
}

func parseRow(row []string, momentumSymbols []string) (types.DailyRecord, error) {
	var rec types.DailyRecord

	if len(row) != len(csvColumns)+len(momentumSymbols) {
		return rec, fmt.Errorf("expected %d fields, got %d", len(csvColumns)+len(momentumSymbols), len(row))
	}

	date, err := time.Parse("2006-01-02", row[0])
	if err != nil {
		return rec, fmt.Errorf("bad date %q: %w", row[0], err)
	}

	counts := make([]int, 5)
	for i := 0; i < 5; i++ {
		counts[i], err = strconv.Atoi(row[i+1])
		if err != nil {
			return rec, fmt.Errorf("bad count %q: %w", row[i+1], err)
		}
	}

	rec = types.DailyRecord{
		Date:                 date,
		SumConfirming:        counts[0],
		GoldilocksConfirming: counts[1],
		ReflationConfirming:  counts[2],
		InflationConfirming:  counts[3],
		DeflationConfirming:  counts[4],
		MarketRegime:         types.Regime(row[6]),
		RiskStance:           types.RiskStance(row[7]),
		Momentum:             make(map[string]int, len(momentumSymbols)),
	}

	for i, sym := range momentumSymbols {
		v, err := strconv.Atoi(row[len(csvColumns)+i])
		if err != nil {
			return rec, fmt.Errorf("bad momentum value %q for %s: %w", row[len(csvColumns)+i], sym, err)
		}
		rec.Momentum[sym] = v
	}

	return rec, nil
}
