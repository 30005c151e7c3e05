// Package eventstream consumes a server-sent-event stream and hands every
// event's data to a callback, reconnecting with backoff.
package eventstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fmbview/internal/telemetry"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

// ErrStreamClosed is returned by a connection that the server ended.
var ErrStreamClosed = errors.New("event stream closed by server")

const maxEventSize = 1 << 20

// Config contains the stream location and reconnect behaviour.
type Config struct {
	URL           string
	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts, 0 = infinite
}

// DefaultConfig returns sensible reconnect defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		MinBackoff:    1 * time.Second,
		MaxBackoff:    2 * time.Minute,
		Multiplier:    2.0,
		MaxReconnects: 0, // infinite
	}
}

// Handler receives the data of one event. It runs on the stream goroutine.
type Handler func(data []byte)

// Stream listens to a server-sent-event endpoint.
type Stream struct {
	config     Config
	httpClient *http.Client
	metrics    telemetry.Collector
}

// New creates a stream listener. A nil httpClient uses a client without timeout,
// as the connection is long-lived.
func New(config Config, httpClient *http.Client, metrics telemetry.Collector) *Stream {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &Stream{
		config:     config,
		httpClient: httpClient,
		metrics:    metrics,
	}
}

// Run listens to the stream, reconnecting after every disconnect.
// It returns nil once ctx is cancelled, or ErrMaxReconnectsExceeded when
// MaxReconnects consecutive attempts fail.
func (s *Stream) Run(ctx context.Context, handle Handler) error {
	wait := newBackoff(s.config)
	failures := 0

	for ctx.Err() == nil {
		connected, err := s.connect(ctx, handle)
		if ctx.Err() != nil {
			break
		}

		if connected {
			failures = 0
			wait.reset()
		}
		failures++
		s.metrics.IncReconnect("sse")

		if s.config.MaxReconnects > 0 && failures > s.config.MaxReconnects {
			log.Error().
				Err(err).
				Int("max_reconnects", s.config.MaxReconnects).
				Msg("Event stream: giving up")
			return ErrMaxReconnectsExceeded
		}

		delay := wait.next()
		log.Warn().
			Err(err).
			Str("url", s.config.URL).
			Dur("backoff", delay).
			Int("attempt", failures).
			Msg("Event stream lost, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	return nil
}

// backoff grows the retry delay geometrically up to a ceiling.
type backoff struct {
	min, max time.Duration
	factor   float64
	current  time.Duration
}

func newBackoff(c Config) *backoff {
	factor := c.Multiplier
	if factor < 1 {
		factor = 1
	}
	return &backoff{min: c.MinBackoff, max: c.MaxBackoff, factor: factor, current: c.MinBackoff}
}

// next returns the delay to wait now and advances the sequence.
func (b *backoff) next() time.Duration {
	d := b.current
	grown := time.Duration(float64(b.current) * b.factor)
	if b.max > 0 && grown > b.max {
		grown = b.max
	}
	b.current = grown
	return d
}

func (b *backoff) reset() {
	b.current = b.min
}

func (s *Stream) connect(ctx context.Context, handle Handler) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.URL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	log.Info().Str("url", s.config.URL).Msg("Connected to event stream")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	var parser Parser
	for scanner.Scan() {
		if data, ok := parser.Feed(scanner.Text()); ok {
			handle(data)
		}
	}

	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, ErrStreamClosed
}

// Parser assembles event data from SSE lines.
type Parser struct {
	data    strings.Builder
	hasData bool
}

// Feed consumes one line without its terminator. It returns the event data
// when the line completes an event that carried at least one data field.
func (p *Parser) Feed(line string) ([]byte, bool) {
	// Empty line marks end of event
	if line == "" {
		if !p.hasData {
			return nil, false
		}
		data := []byte(p.data.String())
		p.data.Reset()
		p.hasData = false
		return data, true
	}

	// Comments, including keep-alives
	if strings.HasPrefix(line, ":") {
		return nil, false
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	// event, id and retry carry nothing the viewer needs
	if field != "data" {
		return nil, false
	}

	if p.hasData {
		p.data.WriteByte('\n')
	}
	p.data.WriteString(value)
	p.hasData = true
	return nil, false
}
