package varcall

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/syncqueue"
)

// DefaultQueueSize is the default number of accepted-but-unstarted
// submissions an IngestQueue buffers before Submit blocks.
const DefaultQueueSize = 64

// IngestFunc performs one ingestion pass over the input at path.
type IngestFunc func(ctx context.Context, path string) error

// Pending is the completion handle of one IngestQueue submission.
type Pending struct {
	// ID identifies the submission in log messages.
	ID   uuid.UUID
	Path string

	done chan struct{}
	err  error
}

func newPending(path string) *Pending {
	return &Pending{ID: uuid.New(), Path: path, done: make(chan struct{})}
}

func (p *Pending) finish(err error) {
	p.err = err
	close(p.done)
}

// Done returns a channel which is closed once the ingestion has finished,
// successfully or not.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the ingestion's error.  It must only be called after Done is
// closed.
func (p *Pending) Err() error {
	return p.err
}

// Wait blocks until the ingestion finishes or ctx is done, and returns the
// ingestion's error or ctx's.  A canceled Wait does not cancel the ingestion.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IngestQueue runs submitted ingestion passes on a single background worker,
// strictly one at a time and in submission order.  Submit may be called from
// any number of goroutines.
type IngestQueue struct {
	ingest IngestFunc

	mu     sync.Mutex // serializes index assignment with insertion
	next   int
	closed bool

	queue *syncqueue.OrderedQueue
	wg    sync.WaitGroup
}

// NewIngestQueue starts a worker which calls ingest for each submission.
// ctx is passed to every ingest call.  At most queueSize submissions wait in
// the queue; further Submit calls block until the worker catches up.
func NewIngestQueue(ctx context.Context, ingest IngestFunc, queueSize int) *IngestQueue {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	q := &IngestQueue{
		ingest: ingest,
		queue:  syncqueue.NewOrderedQueue(queueSize),
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.drain(ctx)
	}()
	return q
}

func (q *IngestQueue) drain(ctx context.Context) {
	for {
		entry, ok, err := q.queue.Next()
		if err != nil {
			log.Error.Printf("varcall.IngestQueue: %v", err)
			return
		}
		if !ok {
			return
		}
		p := entry.(*Pending)
		log.Debug.Printf("varcall.IngestQueue: %v: start %s", p.ID, p.Path)
		err = q.ingest(ctx, p.Path)
		if err != nil {
			log.Error.Printf("varcall.IngestQueue: %v: %s: %v", p.ID, p.Path, err)
		}
		p.finish(err)
	}
}

// Submit enqueues an ingestion of path and returns its completion handle.
// Submitting to a closed queue returns an already-failed handle.
func (q *IngestQueue) Submit(path string) *Pending {
	p := newPending(path)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		p.finish(errors.E(errors.Precondition, "varcall.IngestQueue: submit after close", path))
		return p
	}
	if err := q.queue.Insert(q.next, p); err != nil {
		p.finish(errors.E(err, "varcall.IngestQueue: submit", path))
		return p
	}
	q.next++
	return p
}

// Close stops accepting submissions, waits for every accepted submission to
// finish, and stops the worker.
func (q *IngestQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	err := q.queue.Close(nil)
	q.wg.Wait()
	return err
}
