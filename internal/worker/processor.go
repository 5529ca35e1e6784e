package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"channel-pipeline/internal/backoff"
	"channel-pipeline/internal/bus"
	"channel-pipeline/internal/models"
	"channel-pipeline/internal/telemetry"
)

// ErrDuplicateHandler is returned when a topic already has a handler.
var ErrDuplicateHandler = errors.New("topic already has a handler")

var errHandlerPanic = errors.New("handler panicked")

// Handler processes one message of a topic.
type Handler func(ctx context.Context, msg bus.Message) error

// Processor drives one read loop per registered topic and dispatches each
// message to a bounded pool of handlers. publishRetries bounds the in-place
// retries of a handler that could not publish its outcome.
type Processor struct {
	sub            bus.Subscriber
	logger         *zap.Logger
	handlers       map[string]Handler
	concurrency    int
	retryBase      time.Duration
	retryMax       time.Duration
	publishRetries int
	wg             sync.WaitGroup
}

func NewProcessor(sub bus.Subscriber, logger *zap.Logger, concurrency int) *Processor {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		sub:         sub,
		logger:      logger,
		handlers:    make(map[string]Handler),
		concurrency: concurrency,
		retryBase:   200 * time.Millisecond,
		retryMax:    5 * time.Second,

		publishRetries: 3,
	}
}

// RegisterHandler binds the single handler of a topic.
func (p *Processor) RegisterHandler(topic string, handler Handler) error {
	if topic == "" || handler == nil {
		return fmt.Errorf("register handler: topic and handler are required")
	}
	if _, ok := p.handlers[topic]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, topic)
	}
	p.handlers[topic] = handler
	return nil
}

// Topics lists the registered topics in name order.
func (p *Processor) Topics() []string {
	topics := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Run consumes every registered topic until ctx is cancelled, then waits for
// handlers already running.
func (p *Processor) Run(ctx context.Context) error {
	if len(p.handlers) == 0 {
		return errors.New("processor has no handlers")
	}
	var loops sync.WaitGroup
	for _, topic := range p.Topics() {
		loops.Add(1)
		go func(topic string, h Handler) {
			defer loops.Done()
			p.consume(ctx, topic, h)
		}(topic, p.handlers[topic])
	}
	loops.Wait()
	p.wg.Wait()
	return ctx.Err()
}

func (p *Processor) consume(ctx context.Context, topic string, h Handler) {
	log := p.logger.With(zap.String("topic", topic))
	log.Info("consuming topic", zap.Int("concurrency", p.concurrency))

	sem := make(chan struct{}, p.concurrency)
	failures := 0
	for ctx.Err() == nil {
		msgs, err := p.sub.Read(ctx, topic, p.concurrency)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			telemetry.BusReadErrors.WithLabelValues(topic).Inc()
			wait := backoff.WithJitter(p.retryBase, p.retryMax, failures)
			log.Warn("bus read failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		for _, msg := range msgs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Unacknowledged messages stay pending on durable buses.
				return
			}
			p.wg.Add(1)
			go func(msg bus.Message) {
				defer func() { <-sem }()
				defer p.wg.Done()
				p.dispatch(context.WithoutCancel(ctx), log, h, msg)
			}(msg)
		}
	}
}

// dispatch runs h and acknowledges msg afterwards, unless h could not
// publish its outcome. Such a handler is retried in place a few times; if
// publishing still fails the message is left unacknowledged so the bus
// delivers it again. A failing or panicking handler never stops the loop.
func (p *Processor) dispatch(ctx context.Context, log *zap.Logger, h Handler, msg bus.Message) {
	start := time.Now()
	telemetry.InFlightGauge.WithLabelValues(msg.Topic).Inc()
	defer func() {
		telemetry.InFlightGauge.WithLabelValues(msg.Topic).Dec()
		telemetry.HandlerDuration.WithLabelValues(msg.Topic).Observe(time.Since(start).Seconds())
	}()

	err := p.invoke(ctx, log, h, msg)
	for attempt := 1; errors.Is(err, bus.ErrPublish) && attempt <= p.publishRetries; attempt++ {
		wait := backoff.WithJitter(p.retryBase, p.retryMax, attempt)
		log.Warn("handler could not publish, retrying",
			zap.String("message_id", msg.ID),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		time.Sleep(wait)
		err = p.invoke(ctx, log, h, msg)
	}

	switch {
	case err == nil:
		telemetry.HandlerResults.WithLabelValues(msg.Topic, "ok").Inc()
	case errors.Is(err, bus.ErrPublish):
		telemetry.HandlerResults.WithLabelValues(msg.Topic, "unacked").Inc()
		log.Error("outcome not published, leaving message for redelivery",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return
	case errors.Is(err, errHandlerPanic):
		telemetry.HandlerResults.WithLabelValues(msg.Topic, "panic").Inc()
	default:
		telemetry.HandlerResults.WithLabelValues(msg.Topic, "error").Inc()
		log.Error("handler failed",
			zap.String("message_id", msg.ID),
			zap.String("kind", string(models.Classify(err))),
			zap.Error(err),
		)
	}

	if err := p.sub.Ack(ctx, msg); err != nil {
		log.Warn("ack failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// invoke runs h, turning a panic into errHandlerPanic.
func (p *Processor) invoke(ctx context.Context, log *zap.Logger, h Handler, msg bus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", zap.String("message_id", msg.ID), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return h(ctx, msg)
}
