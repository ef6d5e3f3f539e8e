package indicator

import (
	"sort"
	"sync"
	"time"

	"ohlc-indicators/internal/model"
)

// SeriesGapStats accumulates gap activity for one (symbol, timeframe).
type SeriesGapStats struct {
	Symbol         string `json:"symbol"`
	Timeframe      string `json:"timeframe"`
	GapsFound      int    `json:"gaps_found"`
	PointsAffected int    `json:"points_affected"`
	RowsRepaired   int    `json:"rows_repaired"`

	Postflight map[model.Column]PostflightCounts `json:"postflight,omitempty"`
}

// PostflightCounts is what a postflight scan still found after a compute.
type PostflightCounts struct {
	Nulls     int `json:"nulls"`
	Sentinels int `json:"sentinels"`
}

// GapReport is a snapshot of GapStats taken by Report.
type GapReport struct {
	Since       time.Time        `json:"since"`
	Until       time.Time        `json:"until"`
	Series      []SeriesGapStats `json:"series"`
	TotalGaps   int              `json:"total_gaps"`
	TotalPoints int              `json:"total_points"`
	TotalFixed  int              `json:"total_fixed"`
}

// GapStats accumulates gap statistics until an explicit Report call.
// It is safe for concurrent use. A nil *GapStats discards everything.
type GapStats struct {
	mu    sync.Mutex
	since time.Time
	byKey map[string]*SeriesGapStats
	now   func() time.Time
}

// NewGapStats creates an empty accumulator.
func NewGapStats() *GapStats {
	s := &GapStats{now: time.Now}
	s.since = s.now()
	s.byKey = make(map[string]*SeriesGapStats)
	return s
}

func (s *GapStats) entry(symbol, timeframe string) *SeriesGapStats {
	key := model.SeriesKey(symbol, timeframe)
	e, ok := s.byKey[key]
	if !ok {
		e = &SeriesGapStats{Symbol: symbol, Timeframe: timeframe}
		s.byKey[key] = e
	}
	return e
}

// Record adds detected gaps and the interval slots they span.
func (s *GapStats) Record(symbol, timeframe string, gaps []model.Gap, intervalSec int64) {
	if s == nil || len(gaps) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(symbol, timeframe)
	e.GapsFound += len(gaps)
	for _, g := range gaps {
		e.PointsAffected += g.Points(intervalSec)
	}
}

// RecordRepaired adds rows fixed by a repair pass.
func (s *GapStats) RecordRepaired(symbol, timeframe string, rows int) {
	if s == nil || rows == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(symbol, timeframe).RowsRepaired += rows
}

// RecordPostflight adds the missing cells a postflight scan found for one column.
func (s *GapStats) RecordPostflight(symbol, timeframe string, col model.Column, nulls, sentinels int) {
	if s == nil || (nulls == 0 && sentinels == 0) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(symbol, timeframe)
	if e.Postflight == nil {
		e.Postflight = make(map[model.Column]PostflightCounts)
	}
	pc := e.Postflight[col]
	pc.Nulls += nulls
	pc.Sentinels += sentinels
	e.Postflight[col] = pc
}

// Report returns everything accumulated since the previous Report and resets.
// Series are ordered by timeframe then symbol.
func (s *GapStats) Report() GapReport {
	if s == nil {
		return GapReport{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := GapReport{Since: s.since, Until: s.now(), Series: make([]SeriesGapStats, 0, len(s.byKey))}
	for _, e := range s.byKey {
		r.Series = append(r.Series, *e)
		r.TotalGaps += e.GapsFound
		r.TotalPoints += e.PointsAffected
		r.TotalFixed += e.RowsRepaired
	}
	sort.Slice(r.Series, func(i, j int) bool {
		if r.Series[i].Timeframe != r.Series[j].Timeframe {
			return r.Series[i].Timeframe < r.Series[j].Timeframe
		}
		return r.Series[i].Symbol < r.Series[j].Symbol
	})

	s.byKey = make(map[string]*SeriesGapStats)
	s.since = r.Until
	return r
}
