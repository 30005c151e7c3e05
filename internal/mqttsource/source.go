// Package mqttsource subscribes to an MQTT topic filter carrying OpenFMB
// reading profiles as JSON and hands every payload to a handler.
package mqttsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fmbview/internal/config"
	"github.com/dokzlo13/fmbview/internal/telemetry"
)

const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	defaultKeepAlive = 60 * time.Second

	defaultRetryInterval = 2 * time.Second
	defaultMaxReconnect  = time.Minute
)

// ErrConnectionFailed is returned when the broker cannot be reached.
var ErrConnectionFailed = errors.New("mqtt connection failed")

// Handler receives the topic and raw payload of one message.
// It runs on a paho goroutine and must not block.
type Handler func(topic string, payload []byte)

// Source is a subscription to one topic filter.
type Source struct {
	cfg     config.MQTTConfig
	metrics telemetry.Collector
}

// New creates a source. Nothing connects until Run.
func New(cfg config.MQTTConfig, metrics telemetry.Collector) *Source {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &Source{cfg: cfg, metrics: metrics}
}

// Run connects, subscribes and blocks until ctx is cancelled.
// The subscription is restored on every reconnect.
func (s *Source) Run(ctx context.Context, handle Handler) error {
	opts := buildClientOptions(s.cfg)
	onMessage := messageHandler(handle)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info().Str("broker", s.cfg.Broker).Str("topic", s.cfg.Topic).Msg("MQTT connected, subscribing")
		token := c.Subscribe(s.cfg.Topic, byte(s.cfg.QoS), onMessage)
		go func() {
			if token.WaitTimeout(defaultConnectTimeout) && token.Error() != nil {
				log.Error().Err(token.Error()).Str("topic", s.cfg.Topic).Msg("MQTT subscribe failed")
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		s.metrics.IncReconnect("mqtt")
		log.Info().Str("broker", s.cfg.Broker).Msg("MQTT reconnecting")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
	case <-ctx.Done():
		client.Disconnect(defaultDisconnectQuiesce)
		return nil
	}

	<-ctx.Done()
	log.Info().Msg("MQTT source stopping")
	client.Unsubscribe(s.cfg.Topic).WaitTimeout(time.Second)
	client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func messageHandler(handle Handler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("topic", msg.Topic()).Msg("Panic in MQTT message handler")
			}
		}()
		handle(msg.Topic(), msg.Payload())
	}
}

// buildClientOptions creates paho MQTT options from config.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// No persistent session
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(defaultRetryInterval)
	opts.SetMaxReconnectInterval(defaultMaxReconnect)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetOrderMatters(true)

	return opts
}
