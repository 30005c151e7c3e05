// Package app wires the viewer together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fmbview/internal/config"
)

// ErrInterrupted is the cancel cause when a shutdown signal arrives.
var ErrInterrupted = errors.New("interrupted by signal")

// App holds the configured services.
type App struct {
	cfg      *config.Config
	services *Services
}

// New builds every service without starting any of them.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Run starts the services and blocks until ctx is done or a service fails
// fatally, then shuts everything down. A fatal failure is returned; a
// signal or parent cancellation is not an error.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	onFatal := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		cancel(err)
	}

	if err := a.services.Start(runCtx, onFatal); err != nil {
		cancel(err)
		a.stop()
		return err
	}

	log.Info().
		Str("simulator", a.cfg.Simulator.URL).
		Str("http", a.cfg.HTTP.Addr()).
		Bool("mqtt", a.cfg.MQTT.Enabled).
		Msg("fmbview started")

	<-runCtx.Done()
	cause := context.Cause(runCtx)
	log.Info().AnErr("cause", cause).Msg("Shutting down")

	a.stop()

	if errors.Is(cause, context.Canceled) || errors.Is(cause, ErrInterrupted) {
		return nil
	}
	return cause
}

func (a *App) stop() {
	if err := a.services.Stop(); err != nil {
		log.Warn().Err(err).Msg("Shutdown did not complete cleanly")
	}
}

// SignalContext returns a context cancelled with ErrInterrupted on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel(ErrInterrupted)
	}()

	return ctx
}
