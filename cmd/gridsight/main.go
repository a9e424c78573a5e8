package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridsight/gridsight/pkg/aggregate"
	"github.com/gridsight/gridsight/pkg/earnings"
	"github.com/gridsight/gridsight/pkg/log"
	"github.com/gridsight/gridsight/pkg/poller"
	"github.com/gridsight/gridsight/pkg/server"
	"github.com/gridsight/gridsight/pkg/source"
	"github.com/gridsight/gridsight/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	srcs := source.Configured()
	store := storage.Configured()
	p := poller.Configured(srcs, store)
	agg := aggregate.Configured(store, srcs, p)
	calc := earnings.Configured(agg)

	// init server
	srv := server.Configured(store, agg, calc)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// the persisted log keeps accepting rows until the poll loop is done
	defer func() {
		if err := store.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	go func() {
		if err := p.Run(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).ErrorContext(ctx, "poll loop failed", "error", err)
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
