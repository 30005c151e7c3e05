package devices

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fmbview/internal/telemetry"
)

// Sink receives the outcome of actions. view.Loop implements it.
type Sink interface {
	RemoveBlock(ctx context.Context, id string) error
	ReportError(ctx context.Context, msg string) error
}

// Actions runs create and delete requests as independent fire-and-forget tasks.
// There is no retry, no de-duplication and no cancellation short of ctx.
type Actions struct {
	client  *Client
	sink    Sink
	timeout time.Duration
	metrics telemetry.Collector
	wg      sync.WaitGroup
}

// NewActions creates the action runner. A zero timeout leaves requests bounded
// only by the caller's context.
func NewActions(client *Client, sink Sink, timeout time.Duration, metrics telemetry.Collector) *Actions {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &Actions{
		client:  client,
		sink:    sink,
		timeout: timeout,
		metrics: metrics,
	}
}

// Create requests a new device and returns the action id.
// Success has no visible effect; the device shows up through its own readings.
func (a *Actions) Create(ctx context.Context) string {
	id := uuid.NewString()
	a.spawn(ctx, id, "create", "", func(reqCtx context.Context) error {
		return a.client.Create(reqCtx)
	}, nil)
	return id
}

// Delete requests removal of mrid and returns the action id.
// The block is removed only once the simulator confirms. 410 Gone counts as
// confirmation: the simulator answers it only for devices it no longer has.
func (a *Actions) Delete(ctx context.Context, mrid string) string {
	id := uuid.NewString()
	a.spawn(ctx, id, "delete", mrid, func(reqCtx context.Context) error {
		err := a.client.Delete(reqCtx, mrid)
		if isGone(err) {
			log.Info().Str("action_id", id).Str("mrid", mrid).Msg("Device already gone on simulator")
			return nil
		}
		return err
	}, func(postCtx context.Context) error {
		return a.sink.RemoveBlock(postCtx, mrid)
	})
	return id
}

func isGone(err error) bool {
	var actionErr *ActionError
	return errors.As(err, &actionErr) && actionErr.Status == http.StatusGone
}

// Wait blocks until every started action has finished.
func (a *Actions) Wait() {
	a.wg.Wait()
}

func (a *Actions) spawn(
	ctx context.Context,
	id, action, mrid string,
	request func(context.Context) error,
	onSuccess func(context.Context) error,
) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		logger := log.With().
			Str("action_id", id).
			Str("action", action).
			Str("mrid", mrid).
			Logger()

		reqCtx := ctx
		if a.timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}

		start := time.Now()
		err := request(reqCtx)
		if err != nil {
			a.metrics.IncAction(action, "failed")
			logger.Warn().Err(err).Dur("took", time.Since(start)).Msg("Device action failed")
			if postErr := a.sink.ReportError(ctx, err.Error()); postErr != nil {
				logger.Error().Err(postErr).Msg("Failed to report action error")
			}
			return
		}

		a.metrics.IncAction(action, "succeeded")
		logger.Info().Dur("took", time.Since(start)).Msg("Device action succeeded")

		if onSuccess != nil {
			if postErr := onSuccess(ctx); postErr != nil {
				logger.Error().Err(postErr).Msg("Failed to apply action result")
			}
		}
	}()
}
