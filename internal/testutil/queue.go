package testutil

import (
	"context"
	"sync"
	"time"

	"dbackup/internal/backup"
)

// QueuedJob is one Enqueue or EnqueueIn call captured by CapturingQueue.
type QueuedJob struct {
	Topic string
	Job   any
	Delay time.Duration
}

// CapturingQueue records enqueued jobs instead of executing them. Tests
// drain the queue themselves, which keeps retry chains deterministic.
type CapturingQueue struct {
	mu   sync.Mutex
	jobs []QueuedJob
}

func NewCapturingQueue() *CapturingQueue {
	return &CapturingQueue{}
}

func (q *CapturingQueue) Enqueue(_ context.Context, topic string, job any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, QueuedJob{Topic: topic, Job: job})
	return nil
}

func (q *CapturingQueue) EnqueueIn(_ context.Context, delay time.Duration, topic string, job any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, QueuedJob{Topic: topic, Job: job, Delay: delay})
	return nil
}

// Pop removes and returns the oldest captured job. ok is false when the
// queue is empty.
func (q *CapturingQueue) Pop() (QueuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return QueuedJob{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true
}

// Jobs returns a snapshot of the captured jobs in enqueue order.
func (q *CapturingQueue) Jobs() []QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedJob{}, q.jobs...)
}

// Len returns the number of captured jobs still waiting.
func (q *CapturingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

var _ backup.Queue = (*CapturingQueue)(nil)
