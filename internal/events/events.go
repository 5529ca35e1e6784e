// Package events defines the pipeline topics and binds each topic name to
// the one payload type that may travel on it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"channel-pipeline/internal/bus"
	"channel-pipeline/internal/models"
	"channel-pipeline/internal/telemetry"
)

// Topic names a bus topic whose messages carry payload P.
type Topic[P any] struct {
	name string
}

func (t Topic[P]) Name() string   { return t.name }
func (t Topic[P]) String() string { return t.name }

var (
	SubmissionAcceptedTopic  = Topic[SubmissionAccepted]{"submission-accepted"}
	ResolutionSucceededTopic = Topic[ChannelResolved]{"resolution-succeeded"}
	ResolutionErrorTopic     = Topic[ResolutionFailed]{"resolution-error"}
	ListingSucceededTopic    = Topic[ItemsListed]{"listing-succeeded"}
	ListingErrorTopic        = Topic[ListingFailed]{"listing-error"}
)

type SubmissionAccepted struct {
	JobID   string `json:"jobID"`
	Channel string `json:"channel"`
	Email   string `json:"email"`
}

type ChannelResolved struct {
	JobID       string `json:"jobID"`
	ChannelID   string `json:"channelID"`
	ChannelName string `json:"channelName"`
	Email       string `json:"email"`
}

// ResolutionFailed carries no error text; the reason lives on the job record.
type ResolutionFailed struct {
	JobID string `json:"jobID"`
	Email string `json:"email"`
}

type ItemsListed struct {
	JobID       string        `json:"jobID"`
	Items       []models.Item `json:"items"`
	ChannelName string        `json:"channelName"`
	Email       string        `json:"email"`
}

type ListingFailed struct {
	JobID string `json:"jobID"`
	Email string `json:"email"`
	Error string `json:"error"`
}

// Identity is the part of every payload a stage needs to report a failure.
type Identity struct {
	JobID string `json:"jobID"`
	Email string `json:"email"`
}

// ErrNoIdentity means a payload carries no usable job identity. Such
// messages cannot be failed onto a job and are dropped.
var ErrNoIdentity = errors.New("payload has no job identity")

// Emit encodes payload and publishes it on t.
func Emit[P any](ctx context.Context, pub bus.Publisher, t Topic[P], payload P) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t.name, err)
	}
	if err := pub.Publish(ctx, t.name, raw); err != nil {
		if !errors.Is(err, bus.ErrPublish) {
			err = fmt.Errorf("%w: %w", bus.ErrPublish, err)
		}
		return fmt.Errorf("emit %s: %w", t.name, err)
	}
	telemetry.EventsPublished.WithLabelValues(t.name).Inc()
	return nil
}

// Decode reads the payload of msg as a t message.
func Decode[P any](t Topic[P], msg bus.Message) (P, error) {
	var payload P
	if msg.Topic != "" && msg.Topic != t.name {
		return payload, fmt.Errorf("decode %s: message belongs to %s", t.name, msg.Topic)
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s: %w", t.name, err)
	}
	return payload, nil
}

// Identify extracts the job identity from a raw payload without decoding
// the rest of it.
func Identify(raw []byte) (Identity, error) {
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrNoIdentity, err)
	}
	if id.JobID == "" || id.Email == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}
