package pipeline

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"channel-pipeline/internal/bus"
	"channel-pipeline/internal/events"
	"channel-pipeline/internal/models"
	"channel-pipeline/internal/store"
)

const handleMarker = "@"

// ResolverConfig carries the values injected into the resolution stage.
type ResolverConfig struct {
	APIKey string
	// ApplyFallback uses the free-text search result when the handle lookup
	// finds nothing.
	ApplyFallback bool
}

// Resolver turns the submitted channel reference into a channel identity.
// It consumes submission-accepted and emits resolution-succeeded or
// resolution-error.
type Resolver struct {
	stage
	search        ChannelSearcher
	applyFallback bool
}

func NewResolver(st store.JobStore, pub bus.Publisher, search ChannelSearcher, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		stage: stage{
			name:   "resolve",
			topic:  events.SubmissionAcceptedTopic.Name(),
			store:  st,
			pub:    pub,
			apiKey: cfg.APIKey,
			logger: logger.With(zap.String("stage", "resolve")),
		},
		search:        search,
		applyFallback: cfg.ApplyFallback,
	}
}

// Topic is the topic Handle consumes.
func (r *Resolver) Topic() string { return r.topic }

func (r *Resolver) Handle(ctx context.Context, msg bus.Message) error {
	id, ok := r.identify(msg)
	if !ok {
		return nil
	}
	log := r.logger.With(zap.String("job_id", id.JobID))

	if err := r.resolve(ctx, log, id, msg); err != nil {
		if errors.Is(err, bus.ErrPublish) {
			log.Warn("resolution not handed off, awaiting redelivery", zap.Error(err))
			return err
		}
		return r.fail(ctx, log, id, err, func(string) error {
			return r.announceFailure(ctx, id)
		})
	}
	return nil
}

func (r *Resolver) resolve(ctx context.Context, log *zap.Logger, id events.Identity, msg bus.Message) error {
	payload, err := events.Decode(events.SubmissionAcceptedTopic, msg)
	if err != nil {
		return err
	}

	job, err := r.load(ctx, id.JobID)
	if err != nil {
		return err
	}
	switch {
	case job.Status == models.StatusFailed && job.ChannelID == "":
		// Failed here earlier; the failure may never have been announced.
		log.Info("re-announcing resolution failure")
		return r.announceFailure(ctx, id)
	case job.Status == models.StatusResolvingChannel && job.ChannelID != "":
		log.Info("re-announcing resolved channel", zap.String("channel_id", job.ChannelID))
		return r.announce(ctx, job)
	case job.Status.IsTerminal() || models.StatusResolvingChannel.Before(job.Status):
		log.Info("skipping redelivered submission", zap.String("status", string(job.Status)))
		return nil
	}
	if err := r.requireAPIKey(); err != nil {
		return err
	}

	if err := job.Advance(models.StatusResolvingChannel); err != nil {
		return err
	}
	if err := r.store.Set(ctx, job); err != nil {
		return err
	}

	reference := payload.Channel
	if reference == "" {
		reference = job.Channel
	}
	channel, err := r.lookup(ctx, log, reference)
	if err != nil {
		return err
	}

	job.ChannelID = channel.ID
	job.ChannelName = channel.Name
	if err := r.store.Set(ctx, job); err != nil {
		return err
	}

	log.Info("channel resolved", zap.String("channel_id", channel.ID), zap.String("channel_name", channel.Name))
	return r.announce(ctx, job)
}

func (r *Resolver) announce(ctx context.Context, job models.Job) error {
	return events.Emit(ctx, r.pub, events.ResolutionSucceededTopic, events.ChannelResolved{
		JobID:       job.JobID,
		ChannelID:   job.ChannelID,
		ChannelName: job.ChannelName,
		Email:       job.Email,
	})
}

func (r *Resolver) announceFailure(ctx context.Context, id events.Identity) error {
	return events.Emit(ctx, r.pub, events.ResolutionErrorTopic, events.ResolutionFailed{
		JobID: id.JobID,
		Email: id.Email,
	})
}

// lookup resolves a handle reference. Only handles have a resolution path;
// anything else is reported as not found.
func (r *Resolver) lookup(ctx context.Context, log *zap.Logger, reference string) (models.Channel, error) {
	reference = strings.TrimSpace(reference)
	if !strings.HasPrefix(reference, handleMarker) {
		return models.Channel{}, models.ErrChannelNotFound
	}
	handle := strings.TrimSpace(strings.TrimPrefix(reference, handleMarker))
	if handle == "" {
		return models.Channel{}, models.ErrChannelNotFound
	}

	found, err := r.search.SearchChannels(ctx, models.ChannelQuery{Text: handle, Handle: true})
	if err != nil {
		return models.Channel{}, err
	}
	if len(found) > 0 {
		return found[0], nil
	}

	fallback, err := r.search.SearchChannels(ctx, models.ChannelQuery{Text: handle})
	if err != nil {
		return models.Channel{}, err
	}
	if len(fallback) == 0 {
		return models.Channel{}, models.ErrChannelNotFound
	}
	if !r.applyFallback {
		log.Warn("fallback search matched but is not applied", zap.String("channel_id", fallback[0].ID))
		return models.Channel{}, models.ErrChannelNotFound
	}
	log.Warn("handle lookup empty, using fallback search result",
		zap.String("handle", handle),
		zap.String("channel_id", fallback[0].ID),
	)
	return fallback[0], nil
}
