package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/nevindra/maestro/internal/app"
	"github.com/nevindra/maestro/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("MAESTRO_CONFIG"), "path to maestro.toml")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := newLogger(cfg.Log.Level)

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "maestro:", err)
		os.Exit(1)
	}
	if err := a.RunWithSignal(); err != nil {
		fmt.Fprintln(os.Stderr, "maestro:", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
