package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fmbview/internal/openfmb"
	"github.com/dokzlo13/fmbview/internal/telemetry"
)

// renderer is the part of view.Loop the transports feed.
type renderer interface {
	Render(ctx context.Context, snap *openfmb.Snapshot) error
	TryRender(ctx context.Context, snap *openfmb.Snapshot) bool
}

// Ingestor decodes raw reading profiles and hands them to the view loop.
// Messages that fail to decode are dropped; the view keeps its last state.
type Ingestor struct {
	view    renderer
	metrics telemetry.Collector
}

// NewIngestor creates an ingestor feeding view.
func NewIngestor(view renderer, metrics telemetry.Collector) *Ingestor {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &Ingestor{view: view, metrics: metrics}
}

// Stream handles one event stream payload, waiting for room in the view queue.
func (i *Ingestor) Stream(ctx context.Context, data []byte) {
	snap, ok := i.decode("sse", data)
	if !ok {
		return
	}
	if err := i.view.Render(ctx, snap); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("mrid", snap.IEDMRID).Msg("Failed to queue snapshot")
	}
}

// Message handles one MQTT payload. It never blocks the MQTT client;
// a full view queue drops the reading.
func (i *Ingestor) Message(ctx context.Context, topic string, payload []byte) {
	snap, ok := i.decode("mqtt", payload)
	if !ok {
		return
	}
	if !i.view.TryRender(ctx, snap) {
		log.Debug().Str("topic", topic).Str("mrid", snap.IEDMRID).Msg("Snapshot dropped")
	}
}

func (i *Ingestor) decode(source string, data []byte) (*openfmb.Snapshot, bool) {
	snap, err := openfmb.Decode(data)
	if err != nil {
		i.metrics.IncDecodeFault(source)
		log.Warn().Err(err).Str("source", source).Int("bytes", len(data)).Msg("Dropping malformed reading")
		return nil, false
	}
	i.metrics.IncSnapshot(source)
	return snap, true
}
