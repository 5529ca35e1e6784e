package pipeline

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"channel-pipeline/internal/bus"
	"channel-pipeline/internal/events"
	"channel-pipeline/internal/models"
	"channel-pipeline/internal/store"
	"channel-pipeline/internal/telemetry"
)

// DefaultPageSize is how many items a completed job carries at most.
const DefaultPageSize = 5

type ListerConfig struct {
	APIKey   string
	PageSize int
}

// Lister fetches the most recent items of a resolved channel. It consumes
// resolution-succeeded and emits listing-succeeded or listing-error.
type Lister struct {
	stage
	items    ItemLister
	pageSize int
}

func NewLister(st store.JobStore, pub bus.Publisher, items ItemLister, cfg ListerConfig, logger *zap.Logger) *Lister {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Lister{
		stage: stage{
			name:   "list",
			topic:  events.ResolutionSucceededTopic.Name(),
			store:  st,
			pub:    pub,
			apiKey: cfg.APIKey,
			logger: logger.With(zap.String("stage", "list")),
		},
		items:    items,
		pageSize: cfg.PageSize,
	}
}

// Topic is the topic Handle consumes.
func (l *Lister) Topic() string { return l.topic }

func (l *Lister) Handle(ctx context.Context, msg bus.Message) error {
	id, ok := l.identify(msg)
	if !ok {
		return nil
	}
	log := l.logger.With(zap.String("job_id", id.JobID))

	if err := l.list(ctx, log, id, msg); err != nil {
		if errors.Is(err, bus.ErrPublish) {
			log.Warn("listing not handed off, awaiting redelivery", zap.Error(err))
			return err
		}
		return l.fail(ctx, log, id, err, func(reason string) error {
			return l.announceFailure(ctx, id, reason)
		})
	}
	return nil
}

func (l *Lister) announce(ctx context.Context, job models.Job, channelName string) error {
	if channelName == "" {
		channelName = job.ChannelName
	}
	return events.Emit(ctx, l.pub, events.ListingSucceededTopic, events.ItemsListed{
		JobID:       job.JobID,
		Items:       job.Items,
		ChannelName: channelName,
		Email:       job.Email,
	})
}

func (l *Lister) announceFailure(ctx context.Context, id events.Identity, reason string) error {
	return events.Emit(ctx, l.pub, events.ListingErrorTopic, events.ListingFailed{
		JobID: id.JobID,
		Email: id.Email,
		Error: reason,
	})
}

func (l *Lister) list(ctx context.Context, log *zap.Logger, id events.Identity, msg bus.Message) error {
	payload, err := events.Decode(events.ResolutionSucceededTopic, msg)
	if err != nil {
		return err
	}

	job, err := l.load(ctx, id.JobID)
	if err != nil {
		return err
	}
	// A terminal job seen here was finished by this stage, but its outcome
	// may never have been announced.
	switch job.Status {
	case models.StatusItemsFetched:
		log.Info("re-announcing listed items")
		return l.announce(ctx, job, payload.ChannelName)
	case models.StatusFailed:
		log.Info("re-announcing listing failure")
		return l.announceFailure(ctx, id, job.Error)
	case models.StatusResolvingChannel, models.StatusFetchingItems:
	default:
		log.Info("skipping redelivered resolution", zap.String("status", string(job.Status)))
		return nil
	}
	if err := l.requireAPIKey(); err != nil {
		return err
	}

	if err := job.Advance(models.StatusFetchingItems); err != nil {
		return err
	}
	if err := l.store.Set(ctx, job); err != nil {
		return err
	}

	channelID := payload.ChannelID
	if channelID == "" {
		channelID = job.ChannelID
	}
	raw, err := l.items.ListRecentItems(ctx, channelID, l.pageSize)
	if err != nil {
		return err
	}
	items := newestFirst(raw, l.pageSize)
	if len(items) == 0 {
		return models.ErrNoItems
	}

	if err := job.CompleteWithItems(items); err != nil {
		return err
	}
	if err := l.store.Set(ctx, job); err != nil {
		return err
	}
	telemetry.JobsCompleted.Inc()
	log.Info("items listed", zap.Int("items", len(items)))

	return l.announce(ctx, job, payload.ChannelName)
}

// newestFirst orders items by publish date descending and keeps at most
// limit of them. The input slice is not modified.
func newestFirst(items []models.Item, limit int) []models.Item {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b models.Item) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
