package mqttsource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/fmbview/internal/config"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestBuildClientOptions(t *testing.T) {
	opts := buildClientOptions(config.MQTTConfig{
		Broker:   "tcp://broker.local:1883",
		ClientID: "fmbview-test",
		Username: "viewer",
		Password: "secret",
	})

	require.Len(t, opts.Servers, 1)
	require.Equal(t, "tcp://broker.local:1883", opts.Servers[0].String())
	require.Equal(t, "fmbview-test", opts.ClientID)
	require.Equal(t, "viewer", opts.Username)
	require.Equal(t, "secret", opts.Password)
	require.True(t, opts.CleanSession)
	require.True(t, opts.AutoReconnect)
	require.True(t, opts.ConnectRetry)
	require.True(t, opts.Order)
	require.Equal(t, defaultConnectTimeout, opts.ConnectTimeout)
}

func TestBuildClientOptions_NoAuth(t *testing.T) {
	opts := buildClientOptions(config.MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "x"})
	require.Empty(t, opts.Username)
	require.Empty(t, opts.Password)
}

func TestMessageHandler(t *testing.T) {
	var gotTopic string
	var gotPayload []byte
	h := messageHandler(func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	})

	h(nil, fakeMessage{topic: "openfmb/generationmodule/GenerationReadingProfile/dev-1", payload: []byte(`{}`)})
	require.Equal(t, "openfmb/generationmodule/GenerationReadingProfile/dev-1", gotTopic)
	require.Equal(t, []byte(`{}`), gotPayload)
}

func TestMessageHandler_RecoversPanic(t *testing.T) {
	h := messageHandler(func(string, []byte) { panic("boom") })
	require.NotPanics(t, func() {
		h(nil, fakeMessage{topic: "t"})
	})
}

func TestRun_CancelledBeforeConnect(t *testing.T) {
	// Nothing listens here; connect retry keeps the token pending until cancel.
	src := New(config.MQTTConfig{Broker: "tcp://127.0.0.1:1", ClientID: "fmbview-test", Topic: "t"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, func(string, []byte) {}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
