package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status enumerates lifecycle states persisted with each job record.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusResolvingChannel Status = "resolving-channel"
	StatusFetchingItems    Status = "fetching-items"
	StatusItemsFetched     Status = "items-fetched"
	StatusFailed           Status = "failed"
)

// rank orders statuses along the pipeline. Failed shares the top rank with
// items-fetched since both are terminal.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusResolvingChannel:
		return 1
	case StatusFetchingItems:
		return 2
	case StatusItemsFetched, StatusFailed:
		return 3
	}
	return -1
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool { return s.rank() >= 0 }

// IsTerminal reports whether no stage may act on a job in this status.
func (s Status) IsTerminal() bool {
	return s == StatusItemsFetched || s == StatusFailed
}

// Before reports whether s comes strictly earlier in the pipeline than other.
func (s Status) Before(other Status) bool { return s.rank() < other.rank() }

// Item is one recently published entry of a channel, as returned by the
// listing capability.
type Item struct {
	ItemID       string    `json:"itemID"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	PublishedAt  time.Time `json:"publishedAt"`
	ThumbnailURL string    `json:"thumbnailURL"`
}

// Channel is a candidate returned by the channel search capability.
type Channel struct {
	ID   string `json:"channelID"`
	Name string `json:"channelName"`
}

// ChannelQuery selects how the search capability interprets Text.
type ChannelQuery struct {
	Text   string
	Handle bool
}

// Job is the record persisted under job:<jobID>. Every stage reads it,
// mutates it and writes the whole record back.
type Job struct {
	JobID       string    `json:"jobID"`
	Channel     string    `json:"channel"`
	Email       string    `json:"email"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ChannelID   string    `json:"channelID,omitempty"`
	ChannelName string    `json:"channelName,omitempty"`
	Items       []Item    `json:"items,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewJob builds a queued job with a fresh identifier.
func NewJob(channel, email string, now time.Time) Job {
	return Job{
		JobID:     NewJobID(now),
		Channel:   channel,
		Email:     email,
		Status:    StatusQueued,
		CreatedAt: now.UTC(),
	}
}

// NewJobID returns job_<unix millis>_<9 alphanumerics>. The time component
// keeps IDs roughly sortable; the random suffix separates concurrent
// submissions within the same millisecond.
func NewJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("job_%d_%s", now.UnixMilli(), suffix)
}

// Advance moves the job forward to next. Moving backwards, or out of a
// terminal status, is refused.
func (j *Job) Advance(next Status) error {
	if !next.IsValid() {
		return fmt.Errorf("unknown status %q", next)
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("job %s is terminal (%s)", j.JobID, j.Status)
	}
	if next.Before(j.Status) {
		return fmt.Errorf("job %s cannot move from %s back to %s", j.JobID, j.Status, next)
	}
	j.Status = next
	return nil
}

// Fail records a terminal failure. Items are cleared so that items is only
// ever present on items-fetched jobs.
func (j *Job) Fail(msg string) {
	j.Status = StatusFailed
	j.Error = msg
	j.Items = nil
}

// CompleteWithItems records a successful listing.
func (j *Job) CompleteWithItems(items []Item) error {
	if len(items) == 0 {
		return ErrNoItems
	}
	if err := j.Advance(StatusItemsFetched); err != nil {
		return err
	}
	j.Items = items
	j.Error = ""
	return nil
}
