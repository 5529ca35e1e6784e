// Package pipeline holds the three job stages. Each stage reads the job
// record, mutates it, writes the whole record back and emits exactly one
// outgoing event.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"channel-pipeline/internal/bus"
	"channel-pipeline/internal/events"
	"channel-pipeline/internal/models"
	"channel-pipeline/internal/store"
	"channel-pipeline/internal/telemetry"
)

// ChannelSearcher looks channels up by handle or free text.
type ChannelSearcher interface {
	SearchChannels(ctx context.Context, q models.ChannelQuery) ([]models.Channel, error)
}

// ItemLister lists the recent items of a channel.
type ItemLister interface {
	ListRecentItems(ctx context.Context, channelID string, max int) ([]models.Item, error)
}

// stage carries what the asynchronous stages share.
type stage struct {
	name   string
	topic  string
	store  store.JobStore
	pub    bus.Publisher
	apiKey string
	logger *zap.Logger
}

// identify is the guarded drop branch: a message whose job identity cannot
// be read is logged and dropped with no write and no emit.
func (s *stage) identify(msg bus.Message) (events.Identity, bool) {
	id, err := events.Identify(msg.Payload)
	if err != nil {
		telemetry.EventsDropped.WithLabelValues(s.topic).Inc()
		s.logger.Warn("dropping message without job identity",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return events.Identity{}, false
	}
	return id, true
}

func (s *stage) load(ctx context.Context, jobID string) (models.Job, error) {
	job, ok, err := s.store.Get(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	return job, nil
}

func (s *stage) requireAPIKey() error {
	if s.apiKey == "" {
		return models.ErrMissingAPIKey
	}
	return nil
}

// fail moves the job to failed with cause as its error and announces it via
// emit. A job that is already terminal is left untouched. The returned
// error is non-nil only when the failure could not be recorded.
func (s *stage) fail(ctx context.Context, log *zap.Logger, id events.Identity, cause error, emit func(reason string) error) error {
	kind := models.Classify(cause)
	telemetry.JobsFailed.WithLabelValues(s.name, string(kind)).Inc()
	log.Warn("job failed", zap.String("kind", string(kind)), zap.Error(cause))

	job, ok, err := s.store.Get(ctx, id.JobID)
	if err != nil {
		log.Error("could not load job to record failure", zap.Error(err))
		return errors.Join(cause, err)
	}
	if !ok {
		job = models.Job{JobID: id.JobID, Email: id.Email}
	}
	if job.Status.IsTerminal() {
		log.Warn("job already terminal, failure not recorded", zap.String("status", string(job.Status)))
		return cause
	}

	reason := cause.Error()
	job.Fail(reason)
	if err := s.store.Set(ctx, job); err != nil {
		log.Error("could not persist job failure", zap.Error(err))
		return errors.Join(cause, err)
	}
	if err := emit(reason); err != nil {
		log.Error("could not emit failure event", zap.Error(err))
		return errors.Join(cause, err)
	}
	return nil
}
