package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus is a process-local bus backed by one bounded channel per topic.
// Messages are gone once read, so Ack is a no-op.
type MemoryBus struct {
	buffer int
	block  time.Duration
	seq    atomic.Uint64

	mu     sync.Mutex
	topics map[string]chan Message
}

func NewMemoryBus(buffer int, block time.Duration) *MemoryBus {
	if buffer <= 0 {
		buffer = 1024
	}
	if block <= 0 {
		block = 2 * time.Second
	}
	return &MemoryBus{buffer: buffer, block: block, topics: make(map[string]chan Message)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := Message{
		ID:      strconv.FormatUint(b.seq.Add(1), 10),
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
	}
	select {
	case b.channel(topic) <- msg:
		return nil
	default:
		return fmt.Errorf("%w on %s: %w", ErrPublish, topic, ErrBusFull)
	}
}

// Read waits up to the poll window for a first message, then drains whatever
// else is buffered without waiting, up to max.
func (b *MemoryBus) Read(ctx context.Context, topic string, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	ch := b.channel(topic)
	timer := time.NewTimer(b.block)
	defer timer.Stop()

	var out []Message
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case msg := <-ch:
		out = append(out, msg)
	}
	for len(out) < max {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (b *MemoryBus) Ack(context.Context, Message) error { return nil }

// Depth returns how many messages are buffered for topic.
func (b *MemoryBus) Depth(topic string) int {
	return len(b.channel(topic))
}

func (b *MemoryBus) channel(topic string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[topic]
	if !ok {
		ch = make(chan Message, b.buffer)
		b.topics[topic] = ch
	}
	return ch
}
