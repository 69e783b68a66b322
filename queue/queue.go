// Package queue provides the daemon's single-consumer work queue. Every task
// that touches the route table, the controller or the HCE session runs on
// the queue's one worker goroutine, in submission order.
package queue

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dotside-studios/davi-nfcd/nfc"
)

// DefaultCapacity is the number of tasks that may wait before submitters block.
const DefaultCapacity = 256

// Task is a unit of work executed on the worker goroutine.
type Task func()

// Queue is a FIFO of tasks drained by a single worker goroutine.
//
// Ordinary submissions are rejected with a Busy error while a blocking
// submission is queued or running. Internal events use Post, which is never
// rejected for backpressure.
type Queue struct {
	tasks    chan Task
	stopChan chan struct{}
	doneChan chan struct{}
	workerWg sync.WaitGroup
	started  atomic.Bool

	blocking atomic.Int32
	rejected atomic.Uint64
	executed atomic.Uint64
}

// New creates a queue. A capacity of zero or less uses DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		tasks:    make(chan Task, capacity),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the worker goroutine. Calling it more than once is a no-op.
func (q *Queue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	q.workerWg.Add(1)
	go q.worker()
}

// Stop runs the tasks already queued, then stops the worker and waits for it.
func (q *Queue) Stop() {
	select {
	case <-q.stopChan:
		return
	default:
		close(q.stopChan)
	}
	if !q.started.Load() {
		close(q.doneChan)
		return
	}
	q.workerWg.Wait()
}

// Done is closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.doneChan
}

func (q *Queue) worker() {
	log.Println("[queue] Worker started")
	defer func() {
		close(q.doneChan)
		q.workerWg.Done()
		log.Println("[queue] Worker stopped")
	}()

	for {
		select {
		case task := <-q.tasks:
			q.run(task)
		case <-q.stopChan:
			for {
				select {
				case task := <-q.tasks:
					q.run(task)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[queue] Task panicked: %v", r)
		}
	}()
	task()
	q.executed.Add(1)
}

// Submit enqueues an ordinary task. It fails with Busy while a blocking task
// is pending and with OperationFailed after Stop.
func (q *Queue) Submit(task Task) error {
	if task == nil {
		return nfc.NewNullParameterError("queue.Submit", "task")
	}
	if q.blocking.Load() > 0 {
		q.rejected.Add(1)
		return nfc.NewBusyError("queue.Submit")
	}
	return q.enqueue("queue.Submit", task)
}

// SubmitBlocking enqueues a high-priority task. Until it has run, ordinary
// submissions are rejected with Busy.
func (q *Queue) SubmitBlocking(task Task) error {
	if task == nil {
		return nfc.NewNullParameterError("queue.SubmitBlocking", "task")
	}
	q.blocking.Add(1)
	err := q.enqueue("queue.SubmitBlocking", func() {
		defer q.blocking.Add(-1)
		task()
	})
	if err != nil {
		q.blocking.Add(-1)
	}
	return err
}

// Post enqueues an internal task such as a radio event or a follow-up. It
// ignores backpressure. Tasks must not Post to a full queue from the worker
// goroutine itself.
func (q *Queue) Post(task Task) error {
	if task == nil {
		return nfc.NewNullParameterError("queue.Post", "task")
	}
	return q.enqueue("queue.Post", task)
}

func (q *Queue) enqueue(op string, task Task) error {
	select {
	case <-q.stopChan:
		return nfc.Errorf(nfc.ErrCodeOperationFailed, op, "queue stopped")
	default:
	}
	select {
	case q.tasks <- task:
		return nil
	case <-q.stopChan:
		return nfc.Errorf(nfc.ErrCodeOperationFailed, op, "queue stopped")
	}
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Rejected returns how many submissions were refused with Busy.
func (q *Queue) Rejected() uint64 {
	return q.rejected.Load()
}

// Executed returns how many tasks have run.
func (q *Queue) Executed() uint64 {
	return q.executed.Load()
}

// Call runs fn on the worker as an ordinary task and waits for its result
// without blocking the worker. The wait ends early if ctx is cancelled or
// the queue stops; fn may still run afterwards.
func Call[T any](ctx context.Context, q *Queue, fn func() (T, error)) (T, error) {
	return call(ctx, q, q.Submit, fn)
}

// CallBlocking is Call for a high-priority task.
func CallBlocking[T any](ctx context.Context, q *Queue, fn func() (T, error)) (T, error) {
	return call(ctx, q, q.SubmitBlocking, fn)
}

type result[T any] struct {
	val T
	err error
}

func call[T any](ctx context.Context, q *Queue, submit func(Task) error, fn func() (T, error)) (T, error) {
	var zero T
	resCh := make(chan result[T], 1)

	if err := submit(func() {
		finished := false
		defer func() {
			if !finished {
				resCh <- result[T]{err: nfc.Errorf(nfc.ErrCodeOperationFailed, "queue.Call", "task panicked")}
			}
		}()
		val, err := fn()
		finished = true
		resCh <- result[T]{val: val, err: err}
	}); err != nil {
		return zero, err
	}

	select {
	case res := <-resCh:
		return res.val, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.doneChan:
		// The worker may have run the task during its final drain.
		select {
		case res := <-resCh:
			return res.val, res.err
		default:
			return zero, nfc.Errorf(nfc.ErrCodeOperationFailed, "queue.Call", "queue stopped")
		}
	}
}
