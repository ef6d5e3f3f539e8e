package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"ohlc-indicators/internal/model"
	"ohlc-indicators/internal/schema"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite candle store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/candles.db"
}

// Store is the candle store: one table per timeframe keyed by (symbol, ts),
// with one REAL column per configured EMA period.
type Store struct {
	db      *sql.DB
	reg     *schema.Registry
	queries map[string]*tableQueries
}

// tableQueries holds the SQL for one timeframe table, built once from
// registry-issued identifiers.
type tableQueries struct {
	table    schema.Table
	columns  []model.Column
	upsert   string
	scan     string
	minTS    string
	maxTS    string
	count    string
	symbols  string
	setEMA   map[model.Column]string
	emaIndex map[model.Column]int
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens the database with WAL mode and migrates every timeframe table.
func Open(ctx context.Context, cfg Config, reg *schema.Registry) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single connection: writes are serialized and transactions never contend.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, reg: reg, queries: make(map[string]*tableQueries)}
	for _, tf := range reg.Timeframes() {
		table, err := reg.Table(tf.Label)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.queries[tf.Label] = buildQueries(table, reg.Columns())
	}

	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s (%d tables)", cfg.DBPath, len(s.queries))
	return s, nil
}

func buildQueries(table schema.Table, cols []model.Column) *tableQueries {
	t := string(table)
	q := &tableQueries{
		table:    table,
		columns:  cols,
		setEMA:   make(map[model.Column]string, len(cols)),
		emaIndex: make(map[model.Column]int, len(cols)),
	}

	q.upsert = `INSERT INTO ` + t + ` (symbol, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, ts) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume`

	var sel strings.Builder
	sel.WriteString(`SELECT symbol, ts, open, high, low, close, volume`)
	for i, c := range cols {
		sel.WriteString(", ")
		sel.WriteString(string(c))
		q.emaIndex[c] = i
		q.setEMA[c] = `UPDATE ` + t + ` SET ` + string(c) + ` = ? WHERE symbol = ? AND ts = ?`
	}
	sel.WriteString(` FROM ` + t + ` WHERE symbol = ? AND ts >= ? AND ts <= ? ORDER BY ts ASC`)
	q.scan = sel.String()

	q.minTS = `SELECT MIN(ts) FROM ` + t + ` WHERE symbol = ?`
	q.maxTS = `SELECT MAX(ts) FROM ` + t + ` WHERE symbol = ?`
	q.count = `SELECT COUNT(*) FROM ` + t + ` WHERE symbol = ? AND ts < ?`
	q.symbols = `SELECT DISTINCT symbol FROM ` + t + ` ORDER BY symbol`
	return q
}

// Migrate creates missing timeframe tables and adds missing EMA columns.
// Existing rows keep their data; new columns start NULL (unset).
func (s *Store) Migrate(ctx context.Context) error {
	for label, q := range s.queries {
		t := string(q.table)
		_, err := s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS `+t+` (
				symbol TEXT    NOT NULL,
				ts     INTEGER NOT NULL,
				open   REAL,
				high   REAL,
				low    REAL,
				close  REAL,
				volume REAL,
				PRIMARY KEY (symbol, ts)
			)`)
		if err != nil {
			return fmt.Errorf("create %s: %w", t, err)
		}

		existing, err := s.tableColumns(ctx, q.table)
		if err != nil {
			return err
		}
		for _, c := range q.columns {
			if existing[string(c)] {
				continue
			}
			if _, err := s.db.ExecContext(ctx, `ALTER TABLE `+t+` ADD COLUMN `+string(c)+` REAL`); err != nil {
				return fmt.Errorf("add column %s.%s: %w", t, c, err)
			}
			log.Printf("[sqlite] added column %s.%s (timeframe %s)", t, c, label)
		}
	}
	return nil
}

func (s *Store) tableColumns(ctx context.Context, table schema.Table) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, string(table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *Store) tableFor(timeframe string) (*tableQueries, error) {
	q, ok := s.queries[timeframe]
	if !ok {
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownTimeframe, timeframe)
	}
	return q, nil
}

// UpsertCandles inserts or overwrites OHLCV fields in one transaction per call.
// EMA columns of existing rows are left untouched.
func (s *Store) UpsertCandles(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := make(map[string]*sql.Stmt)
	defer func() {
		for _, st := range stmts {
			st.Close()
		}
	}()

	for _, c := range candles {
		st, ok := stmts[c.Timeframe]
		if !ok {
			q, err := s.tableFor(c.Timeframe)
			if err != nil {
				return err
			}
			if st, err = tx.PrepareContext(ctx, q.upsert); err != nil {
				return fmt.Errorf("prepare upsert %s: %w", q.table, err)
			}
			stmts[c.Timeframe] = st
		}
		if _, err := st.ExecContext(ctx, c.Symbol, c.TS,
			nullable(c.Open), nullable(c.High), nullable(c.Low), nullable(c.Close), nullable(c.Volume)); err != nil {
			return fmt.Errorf("upsert %s@%d: %w", c.Key(), c.TS, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if len(candles) > 1 {
		log.Printf("[sqlite] committed %d candles in %v", len(candles), time.Since(start))
	}
	return nil
}

// RangeScan returns rows with startTS <= ts <= endTS ordered by ts,
// including every configured EMA column.
func (s *Store) RangeScan(ctx context.Context, symbol, timeframe string, startTS, endTS int64) ([]model.Candle, error) {
	q, err := s.tableFor(timeframe)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q.scan, symbol, startTS, endTS)
	if err != nil {
		return nil, fmt.Errorf("sqlite query %s: %w", q.table, err)
	}
	defer rows.Close()

	ohlcv := make([]sql.NullFloat64, 5)
	emas := make([]sql.NullFloat64, len(q.columns))
	dest := make([]any, 0, 2+len(ohlcv)+len(emas))

	var out []model.Candle
	for rows.Next() {
		c := model.Candle{Timeframe: timeframe}
		dest = dest[:0]
		dest = append(dest, &c.Symbol, &c.TS)
		for i := range ohlcv {
			dest = append(dest, &ohlcv[i])
		}
		for i := range emas {
			dest = append(dest, &emas[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("sqlite scan %s: %w", q.table, err)
		}
		c.Open, c.High, c.Low, c.Close, c.Volume =
			orNaN(ohlcv[0]), orNaN(ohlcv[1]), orNaN(ohlcv[2]), orNaN(ohlcv[3]), orNaN(ohlcv[4])

		c.EMA = make(map[model.Column]model.EMAValue, len(q.columns))
		for i, col := range q.columns {
			if emas[i].Valid {
				c.EMA[col] = model.EMAValue{Value: emas[i].Float64, Set: true}
			} else {
				c.EMA[col] = model.Unset()
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// WriteIndicators applies cell writes in a single transaction (last write
// wins per cell) and returns the number of rows matched.
func (s *Store) WriteIndicators(ctx context.Context, symbol, timeframe string, writes []model.IndicatorWrite) (int, error) {
	if len(writes) == 0 {
		return 0, nil
	}
	q, err := s.tableFor(timeframe)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmts := make(map[model.Column]*sql.Stmt)
	defer func() {
		for _, st := range stmts {
			st.Close()
		}
	}()

	matched := 0
	for _, w := range writes {
		st, ok := stmts[w.Column]
		if !ok {
			query, known := q.setEMA[w.Column]
			if !known {
				return 0, fmt.Errorf("%w: column %q", schema.ErrUnknownPeriod, w.Column)
			}
			if st, err = tx.PrepareContext(ctx, query); err != nil {
				return 0, fmt.Errorf("prepare %s.%s: %w", q.table, w.Column, err)
			}
			stmts[w.Column] = st
		}

		var v any
		if w.Value.Set {
			v = w.Value.Value
		}
		res, err := st.ExecContext(ctx, v, symbol, w.TS)
		if err != nil {
			return 0, fmt.Errorf("update %s.%s@%d: %w", q.table, w.Column, w.TS, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			matched += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return matched, nil
}

// FirstTimestamp returns the earliest stored ts of a series.
func (s *Store) FirstTimestamp(ctx context.Context, symbol, timeframe string) (int64, bool, error) {
	q, err := s.tableFor(timeframe)
	if err != nil {
		return 0, false, err
	}
	return s.scalarTS(ctx, q.minTS, symbol)
}

// LastTimestamp returns the latest stored ts of a series.
func (s *Store) LastTimestamp(ctx context.Context, symbol, timeframe string) (int64, bool, error) {
	q, err := s.tableFor(timeframe)
	if err != nil {
		return 0, false, err
	}
	return s.scalarTS(ctx, q.maxTS, symbol)
}

func (s *Store) scalarTS(ctx context.Context, query, symbol string) (int64, bool, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, symbol).Scan(&ts); err != nil {
		return 0, false, err
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// CountBefore returns how many rows of the series precede ts.
func (s *Store) CountBefore(ctx context.Context, symbol, timeframe string, ts int64) (int, error) {
	q, err := s.tableFor(timeframe)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q.count, symbol, ts).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Symbols lists the distinct symbols stored for a timeframe.
func (s *Store) Symbols(ctx context.Context, timeframe string) ([]string, error) {
	q, err := s.tableFor(timeframe)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q.symbols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
