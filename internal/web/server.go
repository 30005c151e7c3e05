// Package web serves the device page, the device controls, the live
// websocket feed and the operational endpoints.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fmbview/internal/eventbus"
	"github.com/dokzlo13/fmbview/internal/view"
)

const readyTimeout = 2 * time.Second

// StateReader returns a detached copy of the view model.
type StateReader interface {
	State(ctx context.Context) (view.State, error)
}

// DeviceActions starts create/delete requests and returns their action ids
// without waiting for the outcome.
type DeviceActions interface {
	Create(ctx context.Context) string
	Delete(ctx context.Context, mrid string) string
}

// Options configures a Server.
type Options struct {
	Addr     string
	Title    string
	Gatherer prometheus.Gatherer // nil uses the default registry
}

// Server is the HTTP surface of the viewer.
type Server struct {
	addr     string
	views    StateReader
	actions  DeviceActions
	renderer *Renderer
	hub      *Hub
	gatherer prometheus.Gatherer

	// baseCtx outlives requests; device actions run under it.
	baseCtx    context.Context
	httpServer *http.Server
}

// NewServer creates a server. Nothing listens until Run.
func NewServer(opts Options, views StateReader, actions DeviceActions) (*Server, error) {
	renderer, err := NewRenderer(opts.Title)
	if err != nil {
		return nil, err
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		addr:     opts.Addr,
		views:    views,
		actions:  actions,
		renderer: renderer,
		hub:      NewHub(),
		gatherer: gatherer,
		baseCtx:  context.Background(),
	}, nil
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Subscribe forwards view change events from the bus to websocket clients.
func (s *Server) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeBlockUpdated, func(event eventbus.Event) {
		block, ok := event.Payload.(view.Block)
		if !ok {
			return
		}
		html, err := s.renderer.Block(block)
		if err != nil {
			log.Error().Err(err).Str("mrid", block.ID).Msg("Failed to render device block")
			return
		}
		s.hub.Broadcast(Message{Type: MsgBlockUpdated, ID: block.ID, Revision: block.Revision, HTML: html})
	})

	bus.Subscribe(eventbus.EventTypeBlockRemoved, func(event eventbus.Event) {
		s.hub.Broadcast(Message{Type: MsgBlockRemoved, ID: event.Key})
	})

	bus.Subscribe(eventbus.EventTypeErrorNotice, func(event eventbus.Event) {
		text, _ := event.Payload.(string)
		s.hub.Broadcast(Message{Type: MsgErrorNotice, Text: text})
	})
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handlePage)
	r.Get("/ws", s.hub.serve)
	r.Get("/fragments/devices", s.handleFragment)

	// Form endpoints for the page controls
	r.Route("/devices", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Post("/{mrid}/delete", s.handleDelete)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Post("/devices", s.handleCreate)
		r.Delete("/devices/{mrid}", s.handleDelete)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.baseCtx = ctx
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.Run(ctx)

	log.Info().Str("addr", s.addr).Msg("Starting web server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Web server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	state, err := s.views.State(r.Context())
	if err != nil {
		http.Error(w, "view unavailable", http.StatusServiceUnavailable)
		return
	}

	var buf bytes.Buffer
	if err := s.renderer.Page(&buf, state); err != nil {
		log.Error().Err(err).Msg("Failed to render page")
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// handleFragment serves the rendered device list; the page reloads it after
// every websocket (re)connect.
func (s *Server) handleFragment(w http.ResponseWriter, r *http.Request) {
	state, err := s.views.State(r.Context())
	if err != nil {
		http.Error(w, "view unavailable", http.StatusServiceUnavailable)
		return
	}

	var buf bytes.Buffer
	if err := s.renderer.Devices(&buf, state); err != nil {
		log.Error().Err(err).Msg("Failed to render device list")
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	actionID := s.actions.Create(s.baseCtx)
	s.respondAction(w, r, actionID)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	mrid, err := deviceParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed device identifier"})
		return
	}
	if mrid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing device identifier"})
		return
	}
	actionID := s.actions.Delete(s.baseCtx, mrid)
	s.respondAction(w, r, actionID)
}

// deviceParam returns the unescaped {mrid} segment. chi routes on RawPath
// when the request has one, so reserved characters arrive still escaped.
func deviceParam(r *http.Request) (string, error) {
	mrid := chi.URLParam(r, "mrid")
	if r.URL.RawPath == "" {
		return mrid, nil
	}
	return url.PathUnescape(mrid)
}

// respondAction answers API and fetch callers with the action id and
// redirects plain form posts back to the page.
func (s *Server) respondAction(w http.ResponseWriter, r *http.Request, actionID string) {
	if strings.HasPrefix(r.URL.Path, "/api/") || strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusAccepted, map[string]string{"action_id": actionID})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	state, err := s.views.State(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports ready while the view loop answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if _, err := s.views.State(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

// requestLogger logs each request with method, path, status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
