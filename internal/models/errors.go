package models

import "errors"

// Sentinel errors shared by the ingress and the pipeline stages. Messages of
// the not-found errors are persisted verbatim as the job's error field.
var (
	ErrMissingFields = errors.New("Channel and email are required")
	ErrInvalidEmail  = errors.New("Invalid email format")

	ErrMissingAPIKey = errors.New("YouTube API key is not configured")

	ErrChannelNotFound = errors.New("Channel not found")
	ErrNoItems         = errors.New("No videos found for channel")
	ErrJobNotFound     = errors.New("job not found")

	ErrTransient = errors.New("transient upstream failure")
	ErrStore     = errors.New("job store failure")
)

// Kind labels an error for logs and metrics.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConfig     Kind = "config"
	KindNotFound   Kind = "not_found"
	KindTransient  Kind = "transient"
	KindStore      Kind = "store"
	KindInternal   Kind = "internal"
)

// Classify maps err onto the error taxonomy. Unknown errors are internal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingFields), errors.Is(err, ErrInvalidEmail):
		return KindValidation
	case errors.Is(err, ErrMissingAPIKey):
		return KindConfig
	case errors.Is(err, ErrChannelNotFound), errors.Is(err, ErrNoItems), errors.Is(err, ErrJobNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrStore):
		return KindStore
	}
	return KindInternal
}

// IsValidation reports whether err should be answered with a client error.
func IsValidation(err error) bool { return Classify(err) == KindValidation }
