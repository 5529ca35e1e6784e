// Package outbox is the downstream end of the pipeline. It turns terminal
// job events into digest documents addressed to the job's email and stores
// them locally or in S3 for a mail relay to pick up.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"channel-pipeline/internal/bus"
	"channel-pipeline/internal/events"
	"channel-pipeline/internal/models"
	"channel-pipeline/internal/store"
	"channel-pipeline/internal/telemetry"
)

// Config selects the digest sink and the optional thumbnail previews.
type Config struct {
	Dir             string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3PathStyle     bool
	ThumbnailWidth  int
	DownloadTimeout time.Duration
	MaxBytes        int64
}

// Digest is the document written for every finished job.
type Digest struct {
	JobID       string        `json:"jobID"`
	To          string        `json:"to"`
	Subject     string        `json:"subject"`
	Status      models.Status `json:"status"`
	ChannelName string        `json:"channelName,omitempty"`
	Items       []DigestItem  `json:"items,omitempty"`
	Error       string        `json:"error,omitempty"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

type DigestItem struct {
	models.Item
	Preview string `json:"preview,omitempty"`
}

// Notifier consumes listing-succeeded, resolution-error and listing-error.
type Notifier struct {
	cfg        Config
	store      store.JobStore
	sink       uploader
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// New builds a Notifier writing to S3 when a bucket is configured and to
// the local directory otherwise.
func New(ctx context.Context, cfg Config, st store.JobStore, logger *zap.Logger) (*Notifier, error) {
	if cfg.Dir == "" {
		cfg.Dir = "./outbox"
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 * 1024 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var sink uploader = &localUploader{baseDir: cfg.Dir}
	if cfg.S3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		sink = &s3Uploader{client: client, bucket: cfg.S3Bucket}
	}

	return &Notifier{
		cfg:        cfg,
		store:      st,
		sink:       sink,
		httpClient: &http.Client{Timeout: cfg.DownloadTimeout},
		logger:     logger.With(zap.String("stage", "outbox")),
		now:        time.Now,
	}, nil
}

// Handlers maps each consumed topic to its handler.
func (n *Notifier) Handlers() map[string]func(context.Context, bus.Message) error {
	return map[string]func(context.Context, bus.Message) error{
		events.ListingSucceededTopic.Name(): n.HandleListed,
		events.ResolutionErrorTopic.Name():  n.HandleResolutionFailed,
		events.ListingErrorTopic.Name():     n.HandleListingFailed,
	}
}

func (n *Notifier) HandleListed(ctx context.Context, msg bus.Message) error {
	p, err := events.Decode(events.ListingSucceededTopic, msg)
	if err != nil {
		return err
	}
	log := n.logger.With(zap.String("job_id", p.JobID))

	items := make([]DigestItem, 0, len(p.Items))
	for _, it := range p.Items {
		d := DigestItem{Item: it}
		if n.cfg.ThumbnailWidth > 0 && it.ThumbnailURL != "" {
			preview, err := n.preview(ctx, p.JobID, it)
			if err != nil {
				log.Warn("thumbnail preview skipped", zap.String("item_id", it.ItemID), zap.Error(err))
			} else {
				d.Preview = preview
			}
		}
		items = append(items, d)
	}

	return n.write(ctx, log, "items", Digest{
		JobID:       p.JobID,
		To:          p.Email,
		Subject:     fmt.Sprintf("Latest videos from %s", p.ChannelName),
		Status:      models.StatusItemsFetched,
		ChannelName: p.ChannelName,
		Items:       items,
	})
}

// HandleResolutionFailed reads the failure reason from the job record since
// resolution-error does not carry it.
func (n *Notifier) HandleResolutionFailed(ctx context.Context, msg bus.Message) error {
	p, err := events.Decode(events.ResolutionErrorTopic, msg)
	if err != nil {
		return err
	}
	reason := "channel could not be resolved"
	if job, ok, err := n.store.Get(ctx, p.JobID); err == nil && ok && job.Error != "" {
		reason = job.Error
	}
	return n.write(ctx, n.logger.With(zap.String("job_id", p.JobID)), "resolution-error", Digest{
		JobID:   p.JobID,
		To:      p.Email,
		Subject: "We could not find that channel",
		Status:  models.StatusFailed,
		Error:   reason,
	})
}

func (n *Notifier) HandleListingFailed(ctx context.Context, msg bus.Message) error {
	p, err := events.Decode(events.ListingErrorTopic, msg)
	if err != nil {
		return err
	}
	return n.write(ctx, n.logger.With(zap.String("job_id", p.JobID)), "listing-error", Digest{
		JobID:   p.JobID,
		To:      p.Email,
		Subject: "We could not list that channel's videos",
		Status:  models.StatusFailed,
		Error:   p.Error,
	})
}

// DigestKey is where the digest of jobID is stored.
func DigestKey(jobID string) string {
	return "digests/" + safeName(jobID) + ".json"
}

func (n *Notifier) write(ctx context.Context, log *zap.Logger, kind string, d Digest) error {
	if d.JobID == "" || d.To == "" {
		return fmt.Errorf("digest: %w", events.ErrNoIdentity)
	}
	d.GeneratedAt = n.now().UTC()
	body, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode digest: %w", err)
	}
	location, err := n.sink.Upload(ctx, DigestKey(d.JobID), body, "application/json")
	if err != nil {
		return fmt.Errorf("store digest: %w", err)
	}
	telemetry.DigestsWritten.WithLabelValues(kind).Inc()
	log.Info("digest stored", zap.String("kind", kind), zap.String("location", location))
	return nil
}

// safeName keeps ids usable as a single path segment.
func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
