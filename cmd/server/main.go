// Command server runs the PubMatic header-tag demand relay: it hosts the
// partner frames, accepts their callbacks and serves rendered creatives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	htbconfig "github.com/thenexusengine/pubmatic_htb/internal/config"
	"github.com/thenexusengine/pubmatic_htb/internal/pubmatic"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

func main() {
	cfg := ParseConfig()
	logger.Init(logger.DefaultConfig())

	if err := run(cfg); err != nil {
		logger.Log.Fatal().Err(err).Msg("Relay stopped with error")
	}
}

// run serves until SIGINT/SIGTERM or a listener failure, then drains
func run(cfg *ServerConfig) error {
	log := logger.Log
	log.Info().
		Str("partner", pubmatic.PartnerID).
		Str("partner_version", pubmatic.Version).
		Str("callback_base_url", cfg.CallbackBaseURL).
		Msg("Starting header-tag relay")

	server, err := NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case err = <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("Listener failed, draining relay")
		}
	case <-ctx.Done():
		log.Info().Msg("Stop requested, draining pending demand")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), htbconfig.ShutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(drainCtx); shutdownErr != nil {
		return shutdownErr
	}
	return err
}
