package eventstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParser(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []string
	}{
		{
			name:  "single_data",
			lines: []string{`data: {"a":1}`, ""},
			want:  []string{`{"a":1}`},
		},
		{
			name:  "multi_line_data",
			lines: []string{"data: first", "data: second", ""},
			want:  []string{"first\nsecond"},
		},
		{
			name:  "no_space_after_colon",
			lines: []string{"data:x", ""},
			want:  []string{"x"},
		},
		{
			name:  "comments_and_other_fields",
			lines: []string{": hi", "event: reading", "id: 7", "retry: 1000", "data: y", ""},
			want:  []string{"y"},
		},
		{
			name:  "blank_lines_without_data",
			lines: []string{"", "", "event: ping", ""},
			want:  nil,
		},
		{
			name:  "two_events",
			lines: []string{"data: 1", "", "data: 2", ""},
			want:  []string{"1", "2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Parser
			var got []string
			for _, line := range tt.lines {
				if data, ok := p.Feed(line); ok {
					got = append(got, string(data))
				}
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestStream_DeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			http.Error(w, "not acceptable", http.StatusNotAcceptable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"n\":1}\r\n\r\n")
		fmt.Fprint(w, "data: {\"n\":2}\r\n\r\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := DefaultConfig(srv.URL)
	cfg.MinBackoff = 10 * time.Millisecond
	stream := New(cfg, srv.Client(), nil)

	received := make(chan string, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- stream.Run(ctx, func(data []byte) {
			// The server closes after two events, so reconnects repeat them.
			select {
			case received <- string(data):
			default:
			}
		})
	}()

	require.Equal(t, `{"n":1}`, <-received)
	require.Equal(t, `{"n":2}`, <-received)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStream_MaxReconnects(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	stream := New(Config{
		URL:           srv.URL,
		MinBackoff:    time.Millisecond,
		MaxBackoff:    2 * time.Millisecond,
		Multiplier:    2,
		MaxReconnects: 2,
	}, srv.Client(), nil)

	err := stream.Run(context.Background(), func([]byte) {})
	require.ErrorIs(t, err, ErrMaxReconnectsExceeded)
	require.Equal(t, int32(3), hits.Load())
}

func TestBackoff(t *testing.T) {
	b := newBackoff(Config{MinBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2})

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.next())
	}
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, got)

	b.reset()
	require.Equal(t, time.Second, b.next())
}
