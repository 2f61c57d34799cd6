package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("netplay: feed/drain queue is closed")
var ErrOverflow = errors.New("netplay: feed/drain queue is overflowed")

// FDQueue is a bounded blocking queue of byte records. Writers Drain
// batches in, the peer's write loop Feeds batches out. A queue that stays
// full past the time limit is poisoned with ErrOverflow so a slow consumer
// tears down its own connection instead of stalling everyone else.
type FDQueue[T ~[][]byte] struct {
	timelimit time.Duration
	maxSize   int

	lock       sync.Mutex
	cond       sync.Cond
	data       T
	size       int
	closed     bool
	overflowed bool
}

func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration) *FDQueue[T] {
	q := &FDQueue[T]{
		timelimit: timelimit,
		maxSize:   limit,
	}
	q.cond.L = &q.lock
	return q
}

func (q *FDQueue[T]) Close() error {
	q.lock.Lock()
	q.closed = true
	q.data = nil
	q.size = 0
	q.cond.Broadcast()
	q.lock.Unlock()
	return nil
}

func (q *FDQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

// wake makes every cond waiter recheck its deadline periodically;
// sync.Cond has no timed wait.
func (q *FDQueue[T]) wake() {
	q.cond.Broadcast()
}

// Drain appends records to the queue, blocking while it is full.
func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	deadline := time.Now().Add(q.timelimit)
	timer := time.AfterFunc(q.timelimit, q.wake)
	defer timer.Stop()

	q.lock.Lock()
	defer q.lock.Unlock()

	for _, rec := range recs {
		for !q.closed && !q.overflowed && q.size+len(rec) > q.maxSize && q.size > 0 {
			if ctx.Err() != nil {
				return nil
			}
			if time.Now().After(deadline) {
				q.overflowed = true
				q.cond.Broadcast()
				return ErrOverflow
			}
			q.cond.Wait()
		}
		if q.closed {
			return ErrClosed
		}
		if q.overflowed {
			return ErrOverflow
		}
		q.data = append(q.data, rec)
		q.size += len(rec)
	}
	q.cond.Broadcast()
	return nil
}

// Feed removes and returns all queued records, blocking up to the time
// limit while the queue is empty. An empty result with nil error means the
// wait timed out or the context was cancelled.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	deadline := time.Now().Add(q.timelimit)
	timer := time.AfterFunc(q.timelimit, q.wake)
	defer timer.Stop()

	q.lock.Lock()
	defer q.lock.Unlock()

	for !q.closed && !q.overflowed && q.size == 0 {
		if ctx.Err() != nil || time.Now().After(deadline) {
			return nil, nil
		}
		q.cond.Wait()
	}
	if q.closed {
		return nil, ErrClosed
	}
	if q.overflowed {
		return nil, ErrOverflow
	}
	recs = q.data
	q.data = nil
	q.size = 0
	q.cond.Broadcast()
	return recs, nil
}
