package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ohlc-indicators/internal/indengine"
	"ohlc-indicators/internal/logger"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := indengine.LoadConfig()
	if err != nil {
		log.Fatalf("[indengine] config: %v", err)
	}
	slogger := logger.Init("indengine", logger.ParseLevel(cfg.Env.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := indengine.New(ctx, cfg, slogger)
	if err != nil {
		log.Fatalf("[indengine] init failed: %v", err)
	}
	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[indengine] fatal: %v", err)
	}
}
