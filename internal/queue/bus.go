// Package queue provides the background job bus: capture, store, and
// cleanup units are published as JSON messages and consumed by the
// worker. Delayed enqueue backs the coordinator's retry scheduling; the
// queue, not the unit of work, owns timing.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"dbackup/internal/backup"
)

// Bus wraps a Watermill in-process pub/sub with JSON job payloads.
type Bus struct {
	pubsub *gochannel.GoChannel

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func NewBus(logger backup.Logger) *Bus {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, &loggerAdapter{l: logger})

	return &Bus{
		pubsub: pubsub,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Enqueue publishes a job for immediate execution.
func (b *Bus) Enqueue(_ context.Context, topic string, job any) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// EnqueueIn publishes a job after the delay elapses. The job is not
// eligible to run before then.
func (b *Bus) EnqueueIn(ctx context.Context, delay time.Duration, topic string, job any) error {
	if delay <= 0 {
		return b.Enqueue(ctx, topic, job)
	}

	// Marshal up front so an encoding problem surfaces to the caller,
	// not inside the timer.
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, timer)
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		_ = b.pubsub.Publish(topic, msg)
	})
	b.timers[timer] = struct{}{}
	return nil
}

// Subscribe returns the message stream for a topic.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close stops pending delayed publishes and shuts the pub/sub down.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// Compile-time check that Bus implements backup.Queue.
var _ backup.Queue = (*Bus)(nil)

// loggerAdapter bridges backup.Logger to watermill.LoggerAdapter.
type loggerAdapter struct {
	l      backup.Logger
	fields watermill.LogFields
}

func (a *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.l.Error(msg, a.args(fields, "error", err)...)
}

func (a *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.l.Debug(msg, a.args(fields)...) // watermill info is noise at our level
}

func (a *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.l.Debug(msg, a.args(fields)...)
}

func (a *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.l.Debug(msg, a.args(fields)...)
}

func (a *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAdapter{l: a.l, fields: a.fields.Add(fields)}
}

func (a *loggerAdapter) args(fields watermill.LogFields, extra ...any) []any {
	args := append([]any{}, extra...)
	for k, v := range a.fields.Add(fields) {
		args = append(args, k, v)
	}
	return args
}
