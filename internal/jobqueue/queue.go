// Package jobqueue is the bounded local queue between the admission gate
// and the workers that pull jobs from the proxy.
//
// A job id is accepted at most once while it is queued or recently
// dispatched, so a redelivered broker message cannot run the same job
// twice.
package jobqueue

import (
	"errors"
	"sync"
	"time"

	"github.com/terrpan/brokerproxy/internal/model"
)

// ErrFull is returned by Enqueue when the queue is at capacity.
var ErrFull = errors.New("job queue is full")

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 64

// Queue is a FIFO of admitted jobs. It is safe for concurrent use.
type Queue struct {
	capacity int

	mu         sync.Mutex
	jobs       []model.QueuedJob
	dispatched map[string]time.Time // job id -> dispatch time
}

// New returns a Queue holding at most capacity jobs.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity:   capacity,
		dispatched: make(map[string]time.Time),
	}
}

// Enqueue appends job. It returns false without error when the job id is
// already queued or was dispatched, and ErrFull when there is no room.
func (q *Queue) Enqueue(job model.QueuedJob) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.dispatched[job.JobID]; ok {
		return false, nil
	}
	for _, j := range q.jobs {
		if j.JobID == job.JobID {
			return false, nil
		}
	}
	if len(q.jobs) >= q.capacity {
		return false, ErrFull
	}
	q.jobs = append(q.jobs, job)
	return true, nil
}

// Dequeue removes and returns the oldest job, recording it as dispatched
// at now.
func (q *Queue) Dequeue(now time.Time) (model.QueuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return model.QueuedJob{}, false
	}
	job := q.jobs[0]
	q.jobs[0] = model.QueuedJob{}
	q.jobs = q.jobs[1:]
	q.dispatched[job.JobID] = now
	return job, true
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Jobs returns a copy of the queued jobs, oldest first.
func (q *Queue) Jobs() []model.QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.QueuedJob(nil), q.jobs...)
}

// Expire removes and returns jobs enqueued before cutoff.
func (q *Queue) Expire(cutoff time.Time) []model.QueuedJob {
	return q.removeIf(func(j model.QueuedJob) bool { return j.EnqueuedAt.Before(cutoff) })
}

// RemoveTarget removes and returns every job queued for targetID.
func (q *Queue) RemoveTarget(targetID string) []model.QueuedJob {
	return q.removeIf(func(j model.QueuedJob) bool { return j.TargetID == targetID })
}

// ForgetDispatched drops dispatch records older than cutoff, allowing
// their ids to be enqueued again.
func (q *Queue) ForgetDispatched(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, at := range q.dispatched {
		if at.Before(cutoff) {
			delete(q.dispatched, id)
			n++
		}
	}
	return n
}

// Clear empties the queue and the dispatch records.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = nil
	clear(q.dispatched)
}

func (q *Queue) removeIf(match func(model.QueuedJob) bool) []model.QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []model.QueuedJob
	kept := q.jobs[:0]
	for _, j := range q.jobs {
		if match(j) {
			removed = append(removed, j)
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(q.jobs); i++ {
		q.jobs[i] = model.QueuedJob{}
	}
	q.jobs = kept
	return removed
}
