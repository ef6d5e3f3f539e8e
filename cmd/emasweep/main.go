// Command emasweep runs one maintenance pass over the candle store: it
// repairs EMA gaps and sentinel ranges and reports holes in raw candle history.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ohlc-indicators/config"
	"ohlc-indicators/internal/indicator"
	"ohlc-indicators/internal/logger"
	"ohlc-indicators/internal/schema"
	"ohlc-indicators/internal/store/sqlite"
)

func main() {
	var (
		tfFlag      = flag.String("tf", "", "comma-separated timeframes (default: all configured)")
		symbolsFlag = flag.String("symbols", "", "comma-separated symbols (default: all stored)")
		full        = flag.Bool("full", false, "treat columns with no value at all as one gap")
		workers     = flag.Int("workers", 4, "parallel (symbol, timeframe) keys")
		dbPath      = flag.String("db", "", "SQLite path (default: $SQLITE_PATH)")
		asJSON      = flag.Bool("json", false, "print reports as JSON")
	)
	flag.Parse()

	env := config.Load()
	settings, err := config.LoadSettings(env.SettingsPath)
	if err != nil {
		log.Fatalf("[emasweep] %v", err)
	}
	slogger := logger.Init("emasweep", logger.ParseLevel(env.LogLevel))

	reg, err := schema.NewRegistry(settings.TimeframeTable(), settings.EMAPeriods)
	if err != nil {
		log.Fatalf("[emasweep] schema: %v", err)
	}
	path := env.SQLitePath
	if *dbPath != "" {
		path = *dbPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := sqlite.Open(ctx, sqlite.Config{DBPath: path}, reg)
	if err != nil {
		log.Fatalf("[emasweep] %v", err)
	}
	defer store.Close()

	stats := indicator.NewGapStats()
	engine := indicator.NewEngine(store, reg, stats, slogger)
	sweeper := indicator.NewSweeper(engine, indicator.NewKeyedMutex(), settings.EMAPeriods)

	reports, runErr := sweeper.Run(ctx, indicator.SweepOptions{
		Timeframes: splitList(*tfFlag),
		Symbols:    splitList(*symbolsFlag),
		FullScan:   *full,
		Workers:    *workers,
	})

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(struct {
			Reports []indicator.SweepReport `json:"reports"`
			Stats   indicator.GapReport     `json:"stats"`
		}{reports, stats.Report()})
	} else {
		fixed := 0
		for _, r := range reports {
			fixed += r.Fixed
			log.Printf("[emasweep] %-4s %-12s rows=%d fixed=%d candle_gaps=%d took=%s",
				r.Timeframe, r.Symbol, r.Rows, r.Fixed, len(r.MissingCandles), r.Duration)
		}
		log.Printf("[emasweep] %d keys, %d cells fixed", len(reports), fixed)
	}

	if runErr != nil {
		log.Printf("[emasweep] finished with errors: %v", runErr)
		store.Close()
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
