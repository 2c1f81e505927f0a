package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/k1networth/outputfeed/internal/live"
	"github.com/k1networth/outputfeed/internal/output"
	"github.com/k1networth/outputfeed/internal/shared/config"
	"github.com/k1networth/outputfeed/internal/shared/env"
	"github.com/k1networth/outputfeed/internal/shared/logger"
)

const appName = "outputfeed-watch"

func main() {
	cfg := config.Load()
	log := logger.New(appName, cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &live.Client{
		BaseURL:        env.String("OUTPUTFEED_URL", "http://localhost:8080"),
		MaxReconnects:  env.Int("WATCH_MAX_RECONNECTS", 5),
		ReconnectDelay: env.Duration("WATCH_RECONNECT_DELAY", 3*time.Second),
		MaxDelay:       env.Duration("WATCH_MAX_DELAY", 0),
		PingInterval:   env.Duration("WATCH_PING_INTERVAL", 30*time.Second),
		Log:            log,
	}

	onSnapshot := func(evs []output.Event) {
		log.Info("window_snapshot", slog.Int("count", len(evs)))
		// Oldest first so the terminal reads top to bottom.
		for i := len(evs) - 1; i >= 0; i-- {
			printEvent(log, "window_event", evs[i])
		}
	}
	onEvent := func(ev output.Event) {
		printEvent(log, "new_output", ev)
	}

	err := client.Run(ctx, onSnapshot, onEvent)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("watch_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func printEvent(log *slog.Logger, msg string, ev output.Event) {
	log.Info(msg,
		slog.String("id", ev.ID),
		slog.String("execution_id", ev.ExecutionID),
		slog.String("status", ev.Status),
		slog.Time("timestamp", ev.Timestamp),
		slog.Any("data", ev.Data),
	)
}
