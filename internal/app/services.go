package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fmbview/internal/config"
	"github.com/dokzlo13/fmbview/internal/devices"
	"github.com/dokzlo13/fmbview/internal/eventbus"
	"github.com/dokzlo13/fmbview/internal/eventstream"
	"github.com/dokzlo13/fmbview/internal/mqttsource"
	"github.com/dokzlo13/fmbview/internal/telemetry"
	"github.com/dokzlo13/fmbview/internal/view"
	"github.com/dokzlo13/fmbview/internal/web"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Metrics
	Registry *prometheus.Registry
	Metrics  *telemetry.PrometheusCollector

	// View model and its owner
	Bus  *eventbus.Bus
	Loop *view.Loop

	// Simulator side
	Client  *devices.Client
	Actions *devices.Actions
	Stream  *eventstream.Stream
	MQTT    *mqttsource.Source // nil when disabled

	Ingest *Ingestor
	Web    *web.Server

	loopDone chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg, loopDone: make(chan struct{})}

	s.Registry = prometheus.NewRegistry()
	s.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.NewPrometheusCollector(s.Registry)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	s.Metrics = metrics

	loc, err := cfg.View.Location()
	if err != nil {
		return nil, fmt.Errorf("view timezone: %w", err)
	}

	// Event bus carries view changes to websocket clients
	s.Bus = eventbus.New(eventbus.Options{
		Workers:   cfg.EventBus.GetWorkers(),
		QueueSize: cfg.EventBus.GetQueueSize(),
		Metrics:   metrics,
	})

	board := view.NewBoard(view.Options{
		Date:      view.DateFormat{Location: loc, Layout: cfg.View.DateLayout},
		MaxErrors: cfg.View.MaxErrors,
	})
	s.Loop = view.NewLoop(board, cfg.View.QueueSize, changePublisher(s.Bus), metrics)

	s.Client = devices.NewClient(cfg.Simulator.URL, cfg.Simulator.DevicesPath, &http.Client{})
	s.Actions = devices.NewActions(s.Client, s.Loop, cfg.Simulator.Timeout.Duration(), metrics)

	s.Stream = eventstream.New(eventstream.Config{
		URL:           cfg.Simulator.EventsURL(),
		MinBackoff:    cfg.Simulator.MinRetryBackoff.Duration(),
		MaxBackoff:    cfg.Simulator.MaxRetryBackoff.Duration(),
		Multiplier:    cfg.Simulator.RetryMultiplier,
		MaxReconnects: cfg.Simulator.MaxReconnects,
	}, nil, metrics)

	if cfg.MQTT.Enabled {
		s.MQTT = mqttsource.New(cfg.MQTT, metrics)
	}

	s.Ingest = NewIngestor(s.Loop, metrics)

	s.Web, err = web.NewServer(web.Options{
		Addr:     cfg.HTTP.Addr(),
		Title:    cfg.View.Title,
		Gatherer: s.Registry,
	}, s.Loop, s.Actions)
	if err != nil {
		s.Bus.Close(context.Background())
		return nil, fmt.Errorf("web: %w", err)
	}
	s.Web.Subscribe(s.Bus)

	return s, nil
}

// changePublisher turns board changes into bus events.
func changePublisher(bus *eventbus.Bus) view.Notifier {
	return func(c view.Change) {
		switch c.Kind {
		case view.ChangeCreated, view.ChangeUpdated:
			bus.Publish(eventbus.Event{Type: eventbus.EventTypeBlockUpdated, Key: c.Block.ID, Payload: c.Block})
		case view.ChangeRemoved:
			bus.Publish(eventbus.Event{Type: eventbus.EventTypeBlockRemoved, Key: c.Block.ID, Payload: c.Block})
		case view.ChangeError:
			bus.Publish(eventbus.Event{Type: eventbus.EventTypeErrorNotice, Payload: c.Message})
		}
	}
}

// Start starts all background services.
// The onFatalError callback is called when a fatal error occurs (e.g., max reconnects exceeded).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	go func() {
		defer close(s.loopDone)
		s.Loop.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Info().Str("url", s.cfg.Simulator.EventsURL()).Msg("Listening to simulator event stream")
		err := s.Stream.Run(ctx, func(data []byte) {
			s.Ingest.Stream(ctx, data)
		})
		if errors.Is(err, eventstream.ErrMaxReconnectsExceeded) {
			onFatalError(err)
		}
	}()

	if s.MQTT != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.MQTT.Run(ctx, func(topic string, payload []byte) {
				s.Ingest.Message(ctx, topic, payload)
			})
			if err != nil {
				log.Error().Err(err).Msg("MQTT source stopped")
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Web.Run(ctx, s.cfg.GetShutdownTimeout()); err != nil {
			onFatalError(fmt.Errorf("web server: %w", err))
		}
	}()

	return nil
}

// Stop waits for the services to wind down. The context passed to Start
// must already be cancelled.
func (s *Services) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Services) stop() error {
	timeout := s.cfg.GetShutdownTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Transports and the web server first, then in-flight actions
	waitDone(ctx, func() {
		s.wg.Wait()
		s.Actions.Wait()
	}, "services")

	s.Loop.Close()
	select {
	case <-s.loopDone:
	case <-ctx.Done():
		log.Warn().Msg("View loop did not stop in time")
	}

	// The loop is the only publisher, so the bus can close now
	s.Bus.Close(ctx)
	s.Client.Close()

	return ctx.Err()
}

func waitDone(ctx context.Context, wait func(), what string) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Str("what", what).Msg("Shutdown timed out")
	}
}
