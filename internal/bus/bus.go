// Package bus carries named topics between pipeline stages. Delivery is
// at-least-once: a message read but never acknowledged may be read again.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrPublish wraps every failure of Publish. A handler returning it has
	// not handed its outcome off, so its message must not be acknowledged.
	ErrPublish = errors.New("publish failed")

	// ErrBusFull is returned by Publish when a bounded buffer cannot take
	// more messages.
	ErrBusFull = errors.New("bus buffer full")
)

// Message is a single delivery of a topic payload.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
}

// Publisher appends payloads to a topic. Publish returns once the bus has
// accepted the message.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber reads topic messages for processing. Read blocks for at most
// one poll window and may return an empty batch.
type Subscriber interface {
	Read(ctx context.Context, topic string, max int) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
}

type Bus interface {
	Publisher
	Subscriber
}
