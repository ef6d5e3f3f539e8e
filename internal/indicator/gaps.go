package indicator

import "ohlc-indicators/internal/model"

// ScanMode selects how the gap detector treats indicator columns.
type ScanMode int

const (
	// ScanIncremental reports adjacency-merged runs of unset or sentinel
	// cells past the warm-up prefix.
	ScanIncremental ScanMode = iota
	// ScanFull additionally treats a column with no set value at all as one
	// gap over the whole row range. Used for freshly added columns.
	ScanFull
)

func (m ScanMode) String() string {
	if m == ScanFull {
		return "full"
	}
	return "incremental"
}

// GapQuery describes what FindGaps scans.
type GapQuery struct {
	Columns        []model.Column
	PeriodByColumn map[model.Column]int
	IntervalSec    int64
	// Offset is the series index of rows[0]. Rows whose series index is
	// below period lack a full context and are never reported.
	Offset int
	Mode   ScanMode
}

// FindGaps classifies rows (ascending by timestamp) and returns the missing
// runs per column, in column order. It does not mutate rows.
func FindGaps(rows []model.Candle, q GapQuery) []model.Gap {
	if len(rows) == 0 {
		return nil
	}
	threshold := model.GapThreshold(q.IntervalSec)

	var gaps []model.Gap
	for _, col := range q.Columns {
		period := q.PeriodByColumn[col]

		if q.Mode == ScanFull && !anySet(rows, col) {
			gaps = append(gaps, model.Gap{
				Column:  col,
				Period:  period,
				StartTS: rows[0].TS,
				EndTS:   rows[len(rows)-1].TS,
			})
			continue
		}

		open := false
		var cur model.Gap
		prev := -1
		for i := range rows {
			if q.Offset+i < period {
				continue
			}
			if !rows[i].EMA[col].Missing() {
				if open {
					gaps = append(gaps, cur)
					open = false
				}
				continue
			}
			if open && prev == i-1 && float64(rows[i].TS-rows[prev].TS) <= threshold {
				cur.EndTS = rows[i].TS
			} else {
				if open {
					gaps = append(gaps, cur)
				}
				cur = model.Gap{Column: col, Period: period, StartTS: rows[i].TS, EndTS: rows[i].TS}
				open = true
			}
			prev = i
		}
		if open {
			gaps = append(gaps, cur)
		}
	}
	return gaps
}

func anySet(rows []model.Candle, col model.Column) bool {
	for i := range rows {
		if rows[i].EMA[col].Set {
			return true
		}
	}
	return false
}

// countMissing returns the unset and sentinel cells of col past the warm-up prefix.
func countMissing(rows []model.Candle, col model.Column, period, offset int) (nulls, sentinels int) {
	for i := range rows {
		if offset+i < period {
			continue
		}
		v := rows[i].EMA[col]
		switch {
		case !v.Set:
			nulls++
		case v.IsSentinel():
			sentinels++
		}
	}
	return nulls, sentinels
}
