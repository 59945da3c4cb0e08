package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/LiveTrack/config"
	applog "github.com/BearBump/LiveTrack/internal/log"
	"github.com/pkg/errors"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	applog.Configure(applog.Config{Level: cfg.Log.Level, Service: "track-viewer"})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunViewer(ctx, cfg, defaultViewerFactories()); err != nil && !errors.Is(err, context.Canceled) {
		l := applog.Base()
		l.Fatal().Err(err).Msg("track-viewer stopped")
	}
}
