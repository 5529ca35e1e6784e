package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"channel-pipeline/internal/bus"
	"channel-pipeline/internal/events"
	"channel-pipeline/internal/models"
	"channel-pipeline/internal/store"
	"channel-pipeline/internal/telemetry"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// SubmitRequest is the ingress body of POST /submit.
type SubmitRequest struct {
	Channel string `json:"channel"`
	Email   string `json:"email"`
}

// Validate trims both fields and checks them. It never touches state.
func (r *SubmitRequest) Validate() error {
	r.Channel = strings.TrimSpace(r.Channel)
	r.Email = strings.TrimSpace(r.Email)
	if r.Channel == "" || r.Email == "" {
		return models.ErrMissingFields
	}
	if !emailPattern.MatchString(r.Email) {
		return models.ErrInvalidEmail
	}
	return nil
}

// Submitter creates jobs and hands them to the resolution stage.
type Submitter struct {
	store  store.JobStore
	pub    bus.Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewSubmitter(st store.JobStore, pub bus.Publisher, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{store: st, pub: pub, logger: logger, now: time.Now}
}

// Submit validates req, persists a queued job and emits submission-accepted.
// Identical requests always produce independent jobs.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (models.Job, error) {
	if err := req.Validate(); err != nil {
		telemetry.SubmissionsRejected.WithLabelValues(string(models.Classify(err))).Inc()
		return models.Job{}, err
	}

	job := models.NewJob(req.Channel, req.Email, s.now())
	log := s.logger.With(zap.String("job_id", job.JobID), zap.String("stage", "submit"))

	if err := s.store.Set(ctx, job); err != nil {
		log.Error("could not create job", zap.Error(err))
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	err := events.Emit(ctx, s.pub, events.SubmissionAcceptedTopic, events.SubmissionAccepted{
		JobID:   job.JobID,
		Channel: job.Channel,
		Email:   job.Email,
	})
	if err != nil {
		log.Error("could not announce job", zap.Error(err))
		job.Fail(err.Error())
		if setErr := s.store.Set(context.WithoutCancel(ctx), job); setErr != nil {
			log.Error("could not mark unannounced job failed", zap.Error(setErr))
		}
		return models.Job{}, fmt.Errorf("announce job %s: %w", job.JobID, err)
	}

	telemetry.SubmissionsAccepted.Inc()
	log.Info("job submitted", zap.String("channel", job.Channel))
	return job, nil
}
