package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"channel-pipeline/internal/bus"
)

// ackingBus records acknowledgements on top of the in-memory bus.
type ackingBus struct {
	*bus.MemoryBus
	mu    sync.Mutex
	acked []string
}

func (b *ackingBus) Ack(ctx context.Context, msg bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, msg.Topic+"/"+string(msg.Payload))
	return nil
}

func (b *ackingBus) ackCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked)
}

func newAckingBus() *ackingBus {
	return &ackingBus{MemoryBus: bus.NewMemoryBus(16, 10*time.Millisecond)}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestRegisterHandlerRejectsDuplicates(t *testing.T) {
	p := NewProcessor(newAckingBus(), zap.NewNop(), 1)
	noop := func(context.Context, bus.Message) error { return nil }

	if err := p.RegisterHandler("submission-accepted", noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := p.RegisterHandler("submission-accepted", noop); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
	if err := p.RegisterHandler("", noop); err == nil {
		t.Fatalf("expected error for empty topic")
	}
}

func TestProcessorDispatchesPerTopicAndAcks(t *testing.T) {
	b := newAckingBus()
	p := NewProcessor(b, zap.NewNop(), 2)

	var seenA, seenB atomic.Int32
	_ = p.RegisterHandler("a", func(_ context.Context, msg bus.Message) error {
		if msg.Topic != "a" {
			t.Errorf("handler a got topic %s", msg.Topic)
		}
		seenA.Add(1)
		return nil
	})
	_ = p.RegisterHandler("b", func(context.Context, bus.Message) error {
		seenB.Add(1)
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 3; i++ {
		_ = b.Publish(ctx, "a", []byte("x"))
	}
	_ = b.Publish(ctx, "b", []byte("y"))

	waitFor(t, func() bool { return b.ackCount() == 4 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if seenA.Load() != 3 || seenB.Load() != 1 {
		t.Fatalf("unexpected dispatch counts a=%d b=%d", seenA.Load(), seenB.Load())
	}
}

func TestProcessorRecoversPanics(t *testing.T) {
	b := newAckingBus()
	p := NewProcessor(b, zap.NewNop(), 1)

	var calls atomic.Int32
	_ = p.RegisterHandler("a", func(_ context.Context, msg bus.Message) error {
		calls.Add(1)
		if string(msg.Payload) == "bad" {
			panic("handler bug")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	_ = b.Publish(ctx, "a", []byte("bad"))
	_ = b.Publish(ctx, "a", []byte("good"))

	waitFor(t, func() bool { return b.ackCount() == 2 })
	if calls.Load() != 2 {
		t.Fatalf("expected both messages handled, got %d", calls.Load())
	}
}

func TestProcessorBoundsConcurrency(t *testing.T) {
	b := newAckingBus()
	p := NewProcessor(b, zap.NewNop(), 2)

	var running, peak atomic.Int32
	release := make(chan struct{})
	_ = p.RegisterHandler("a", func(context.Context, bus.Message) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		_ = b.Publish(ctx, "a", []byte("x"))
	}
	waitFor(t, func() bool { return running.Load() == 2 })
	time.Sleep(30 * time.Millisecond)
	if peak.Load() != 2 {
		t.Fatalf("expected at most 2 concurrent handlers, saw %d", peak.Load())
	}

	close(release)
	waitFor(t, func() bool { return b.ackCount() == 5 })
	cancel()
	<-done
}

func TestRunWaitsForInFlightHandlers(t *testing.T) {
	b := newAckingBus()
	p := NewProcessor(b, zap.NewNop(), 1)

	started := make(chan struct{})
	var finished atomic.Bool
	_ = p.RegisterHandler("a", func(ctx context.Context, _ bus.Message) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			t.Errorf("handler context cancelled during drain")
		}
		finished.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	_ = b.Publish(ctx, "a", []byte("x"))
	<-started
	cancel()
	<-done
	if !finished.Load() {
		t.Fatalf("Run returned before the in-flight handler finished")
	}
}

func TestRunWithoutHandlers(t *testing.T) {
	if err := NewProcessor(newAckingBus(), zap.NewNop(), 1).Run(context.Background()); err == nil {
		t.Fatalf("expected error when no handlers are registered")
	}
}

func TestProcessorRetriesUnpublishedOutcome(t *testing.T) {
	b := newAckingBus()
	p := NewProcessor(b, zap.NewNop(), 1)
	p.retryBase, p.retryMax = time.Millisecond, 2*time.Millisecond

	var calls atomic.Int32
	_ = p.RegisterHandler("a", func(context.Context, bus.Message) error {
		if calls.Add(1) < 3 {
			return fmt.Errorf("emit b: %w", bus.ErrPublish)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	_ = b.Publish(ctx, "a", []byte("x"))
	waitFor(t, func() bool { return b.ackCount() == 1 })
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestProcessorLeavesUnpublishedMessageUnacked(t *testing.T) {
	b := newAckingBus()
	p := NewProcessor(b, zap.NewNop(), 1)
	p.retryBase, p.retryMax = time.Millisecond, 2*time.Millisecond

	var calls atomic.Int32
	_ = p.RegisterHandler("a", func(context.Context, bus.Message) error {
		calls.Add(1)
		return fmt.Errorf("emit b: %w", bus.ErrPublish)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	_ = b.Publish(ctx, "a", []byte("x"))
	waitFor(t, func() bool { return calls.Load() == int32(1+p.publishRetries) })
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	if b.ackCount() != 0 {
		t.Fatalf("expected the message to stay unacknowledged, got %d acks", b.ackCount())
	}
}

func TestProcessorRedeliversUnpublishedOnRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mr.SetTime(t0)
	b := bus.NewRedisBus(client, "events:", "pipeline", "w1", 10*time.Millisecond, time.Minute)
	p := NewProcessor(b, zap.NewNop(), 1)
	p.publishRetries = 0

	var calls atomic.Int32
	_ = p.RegisterHandler("a", func(context.Context, bus.Message) error {
		if calls.Add(1) == 1 {
			return fmt.Errorf("emit b: %w", bus.ErrPublish)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	_ = b.Publish(ctx, "a", []byte("x"))
	waitFor(t, func() bool { return calls.Load() == 1 })
	if pending, _ := b.Pending(ctx, "a"); pending != 1 {
		t.Fatalf("expected the failed message to stay pending, got %d", pending)
	}

	mr.SetTime(t0.Add(2 * time.Minute))
	waitFor(t, func() bool { return calls.Load() == 2 })
	waitFor(t, func() bool {
		pending, _ := b.Pending(ctx, "a")
		return pending == 0
	})
	cancel()
	<-done
}
