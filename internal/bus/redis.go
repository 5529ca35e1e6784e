package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	payloadField  = "payload"
	defaultMaxLen = 100000
)

// RedisBus maps each topic onto a Redis stream read through a single
// consumer group. Every process in the group uses its own consumer name so
// entries it read but never acknowledged are handed back to it on restart.
// Entries left pending longer than the claim idle time, for instance by a
// consumer that is gone for good, are claimed by whichever consumer reads
// next.
type RedisBus struct {
	client    *redis.Client
	prefix    string
	group     string
	consumer  string
	block     time.Duration
	claimIdle time.Duration
	maxLen    int64

	mu     sync.Mutex
	groups map[string]bool
	// replay holds the pending-entry cursor per topic. A topic is absent
	// once its backlog has been replayed.
	replay map[string]string
	// claim holds the XAUTOCLAIM cursor per topic.
	claim map[string]string
}

// NewRedisBus builds a stream bus. block is the longest a Read waits for new
// entries. claimIdle is how long an entry may stay unacknowledged before
// another consumer takes it over; zero disables claiming.
func NewRedisBus(client *redis.Client, prefix, group, consumer string, block, claimIdle time.Duration) *RedisBus {
	if block <= 0 {
		block = 2 * time.Second
	}
	return &RedisBus{
		client:    client,
		prefix:    prefix,
		group:     group,
		consumer:  consumer,
		block:     block,
		claimIdle: claimIdle,
		maxLen:    defaultMaxLen,
		groups:    make(map[string]bool),
		replay:    make(map[string]string),
		claim:     make(map[string]string),
	}
}

// StreamKey returns the stream that carries topic.
func (b *RedisBus) StreamKey(topic string) string {
	return b.prefix + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.StreamKey(topic),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w on %s: %w", ErrPublish, topic, err)
	}
	return nil
}

// Read first replays entries this consumer already holds as pending, then
// claims entries other consumers left idle, then switches to new entries.
// A group that vanished from Redis is recreated once.
func (b *RedisBus) Read(ctx context.Context, topic string, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	msgs, err := b.read(ctx, topic, max)
	if isNoGroup(err) {
		b.forget(topic)
		msgs, err = b.read(ctx, topic, max)
	}
	return msgs, err
}

func (b *RedisBus) read(ctx context.Context, topic string, max int) ([]Message, error) {
	if err := b.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}

	if cursor, ok := b.replayCursor(topic); ok {
		msgs, err := b.readGroup(ctx, topic, cursor, max, -1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			b.setReplayCursor(topic, msgs[len(msgs)-1].ID)
			return msgs, nil
		}
		b.setReplayCursor(topic, "")
	}

	if b.claimIdle > 0 {
		msgs, err := b.claimIdleEntries(ctx, topic, max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
	}
	return b.readGroup(ctx, topic, ">", max, b.block)
}

// claimIdleEntries takes over entries pending for longer than claimIdle,
// whoever holds them. The scan resumes where the previous call stopped.
func (b *RedisBus) claimIdleEntries(ctx context.Context, topic string, max int) ([]Message, error) {
	b.mu.Lock()
	start := b.claim[topic]
	b.mu.Unlock()
	if start == "" {
		start = "0-0"
	}

	claimed, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.StreamKey(topic),
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  b.claimIdle,
		Start:    start,
		Count:    int64(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", topic, err)
	}

	b.mu.Lock()
	b.claim[topic] = next
	b.mu.Unlock()

	out := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		out = append(out, Message{ID: m.ID, Topic: topic, Payload: payloadBytes(m.Values[payloadField])})
	}
	return out, nil
}

func (b *RedisBus) Ack(ctx context.Context, msg Message) error {
	if err := b.client.XAck(ctx, b.StreamKey(msg.Topic), b.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("ack %s/%s: %w", msg.Topic, msg.ID, err)
	}
	return nil
}

// Pending returns how many entries of topic were delivered to the group but
// not acknowledged yet.
func (b *RedisBus) Pending(ctx context.Context, topic string) (int64, error) {
	res, err := b.client.XPending(ctx, b.StreamKey(topic), b.group).Result()
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (b *RedisBus) readGroup(ctx context.Context, topic, id string, max int, block time.Duration) ([]Message, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{b.StreamKey(topic), id},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", topic, err)
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, Message{ID: m.ID, Topic: topic, Payload: payloadBytes(m.Values[payloadField])})
		}
	}
	return out, nil
}

func (b *RedisBus) ensureGroup(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[topic] {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, b.StreamKey(topic), b.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", b.group, topic, err)
	}
	b.groups[topic] = true
	b.replay[topic] = "0"
	return nil
}

// forget drops what this process knows about the group of topic so the
// next read creates it again.
func (b *RedisBus) forget(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.groups, topic)
	delete(b.replay, topic)
	delete(b.claim, topic)
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func (b *RedisBus) replayCursor(topic string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cursor, ok := b.replay[topic]
	return cursor, ok
}

// setReplayCursor moves the replay past id. An empty id ends the replay.
func (b *RedisBus) setReplayCursor(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id == "" {
		delete(b.replay, topic)
		return
	}
	b.replay[topic] = id
}

func payloadBytes(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	}
	return nil
}
