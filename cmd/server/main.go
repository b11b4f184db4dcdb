// Command server runs the marketfabric WebSocket server: the bars/quotes
// datafeed, the orders/positions/executions/equity/broker-connection
// broker simulator, and the HTTP surface tying them together.
//
// Grounded on the teacher's cmd/single/main.go: same automaxprocs +
// env-config + signal-driven graceful shutdown shape, adapted from Kafka
// broker flags to the in-process engine config this fabric uses.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/tradestream/marketfabric/internal/config"
	"github.com/tradestream/marketfabric/internal/logging"
	"github.com/tradestream/marketfabric/internal/wsserver"
)

func main() {
	bootLogger := logging.New("info", "pretty")

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("starting marketfabric")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.Log(logger)

	srv := wsserver.New(cfg, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
