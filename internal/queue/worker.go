package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"dbackup/internal/backup"
)

// Handlers holds the functions the worker routes jobs to. Each handler
// receives a context bounded by its configured timeout.
type Handlers struct {
	Capture func(ctx context.Context, job backup.CaptureJob) error
	Store   func(ctx context.Context, job backup.StoreJob) error
	Cleanup func(ctx context.Context, job backup.CleanupJob) error
}

// Timeouts bounds each unit of work. Zero means no deadline.
type Timeouts struct {
	Capture time.Duration
	Store   time.Duration
	Cleanup time.Duration
}

// Worker consumes the three job topics and dispatches each message to
// its handler. Jobs on different topics, and successive jobs on the
// same topic, run concurrently; ordering guarantees live in the
// coordinator, which only publishes a retry after the prior attempt's
// outcome is durably recorded.
type Worker struct {
	bus      *Bus
	handlers Handlers
	timeouts Timeouts
	logger   backup.Logger

	wg sync.WaitGroup
}

func NewWorker(bus *Bus, handlers Handlers, timeouts Timeouts, logger backup.Logger) *Worker {
	if logger == nil {
		logger = backup.NewNopLogger()
	}
	return &Worker{
		bus:      bus,
		handlers: handlers,
		timeouts: timeouts,
		logger:   logger,
	}
}

// Run subscribes to all topics and processes jobs until the context is
// cancelled. It returns after in-flight handlers finish.
func (w *Worker) Run(ctx context.Context) error {
	captureCh, err := w.bus.Subscribe(ctx, backup.TopicCapture)
	if err != nil {
		return err
	}
	storeCh, err := w.bus.Subscribe(ctx, backup.TopicStore)
	if err != nil {
		return err
	}
	cleanupCh, err := w.bus.Subscribe(ctx, backup.TopicCleanup)
	if err != nil {
		return err
	}

	var loops sync.WaitGroup
	loops.Add(3)
	go func() {
		defer loops.Done()
		w.consume(ctx, captureCh, w.handleCapture)
	}()
	go func() {
		defer loops.Done()
		w.consume(ctx, storeCh, w.handleStore)
	}()
	go func() {
		defer loops.Done()
		w.consume(ctx, cleanupCh, w.handleCleanup)
	}()

	loops.Wait()
	w.wg.Wait()
	return nil
}

// consume acks each message as soon as it is decoded and runs the
// handler in its own goroutine. Outcomes are persisted by the handlers
// themselves, so message-level redelivery is not relied on.
func (w *Worker) consume(ctx context.Context, ch <-chan *message.Message, handle func(context.Context, []byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			payload := msg.Payload
			msg.Ack()
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				handle(ctx, payload)
			}()
		}
	}
}

func (w *Worker) handleCapture(ctx context.Context, payload []byte) {
	var job backup.CaptureJob
	if err := json.Unmarshal(payload, &job); err != nil {
		w.logger.Error("discarding malformed capture job", "error", err)
		return
	}
	ctx, cancel := withTimeout(ctx, w.timeouts.Capture)
	defer cancel()
	if err := w.handlers.Capture(ctx, job); err != nil {
		w.logger.Error("capture job failed", "backup_id", job.BackupID, "error", err)
	}
}

func (w *Worker) handleStore(ctx context.Context, payload []byte) {
	var job backup.StoreJob
	if err := json.Unmarshal(payload, &job); err != nil {
		w.logger.Error("discarding malformed store job", "error", err)
		return
	}
	ctx, cancel := withTimeout(ctx, w.timeouts.Store)
	defer cancel()
	if err := w.handlers.Store(ctx, job); err != nil {
		w.logger.Error("store job failed", "backup_id", job.BackupID, "destination", job.DestinationID, "error", err)
	}
}

func (w *Worker) handleCleanup(ctx context.Context, payload []byte) {
	var job backup.CleanupJob
	if err := json.Unmarshal(payload, &job); err != nil {
		w.logger.Error("discarding malformed cleanup job", "error", err)
		return
	}
	ctx, cancel := withTimeout(ctx, w.timeouts.Cleanup)
	defer cancel()
	if err := w.handlers.Cleanup(ctx, job); err != nil {
		w.logger.Error("cleanup job failed", "source_id", job.SourceID, "error", err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
