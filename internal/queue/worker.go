package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/pipeline"
)

// checkpointRetryDelay is how long an execution waits after its checkpoint
// could not be written.
const checkpointRetryDelay = time.Minute

// WorkerPool steps executions on a fixed number of workers. A step that asks
// for a delay hands the execution to a timer instead of holding a worker.
type WorkerPool struct {
	queue       chan *pipeline.Execution
	workerCount int
	runner      *pipeline.Runner
	cp          pipeline.Checkpointer
	clock       pipeline.Clock
	log         logrus.FieldLogger

	// schedule runs f after d. Tests replace it to drive delays by hand.
	schedule func(d time.Duration, f func()) func()

	mu          sync.Mutex
	statuses    map[string]Status
	cancelTimer map[string]func()
	subscribers map[string][]chan Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workerCount int, runner *pipeline.Runner, cp pipeline.Checkpointer, log logrus.FieldLogger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &WorkerPool{
		queue:       make(chan *pipeline.Execution, 100),
		workerCount: workerCount,
		runner:      runner,
		cp:          cp,
		clock:       runner.Pipeline().Clock,
		log:         log,
		schedule: func(d time.Duration, f func()) func() {
			t := time.AfterFunc(d, f)
			return func() { t.Stop() }
		},
		statuses:    map[string]Status{},
		cancelTimer: map[string]func(){},
		subscribers: map[string][]chan Status{},
	}
}

// Start launches the workers. They run until ctx is cancelled or Stop is called.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx, wp.cancel = context.WithCancel(ctx)
	wp.log.WithField("workers", wp.workerCount).Info("Starting worker pool")
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop cancels in-flight steps, drops pending timers and waits for the
// workers to exit. Unfinished executions stay checkpointed for Resume.
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.mu.Lock()
	for id, stop := range wp.cancelTimer {
		stop()
		delete(wp.cancelTimer, id)
	}
	wp.mu.Unlock()
	wp.wg.Wait()
	wp.log.Info("Worker pool stopped")
}

// Enqueue hands an execution to the workers.
func (wp *WorkerPool) Enqueue(ex *pipeline.Execution) error {
	wp.publish(StatusOf(ex))
	select {
	case wp.queue <- ex:
		wp.log.WithFields(logrus.Fields{
			"execution": ex.ID,
			"key":       ex.ObjectKey,
			"state":     ex.State,
		}).Debug("Execution enqueued")
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	}
}

// Resume re-enqueues every checkpointed execution that has not finished.
func (wp *WorkerPool) Resume(ctx context.Context) (int, error) {
	if wp.cp == nil {
		return 0, nil
	}
	pending, err := wp.cp.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending executions: %w", err)
	}
	for _, ex := range pending {
		if err := wp.Enqueue(ex); err != nil {
			return 0, err
		}
	}
	if len(pending) > 0 {
		wp.log.WithField("executions", len(pending)).Info("Resumed unfinished executions")
	}
	return len(pending), nil
}

// Status returns the last known status of an execution.
func (wp *WorkerPool) Status(id string) (Status, bool) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	s, ok := wp.statuses[id]
	return s, ok
}

// Subscribe returns a channel receiving every status change of an execution,
// starting with the current one. The channel is closed after the terminal
// status or when cancel is called.
func (wp *WorkerPool) Subscribe(id string) (<-chan Status, func()) {
	ch := make(chan Status, 16)
	wp.mu.Lock()
	current, known := wp.statuses[id]
	if known && current.Terminal() {
		wp.mu.Unlock()
		ch <- current
		close(ch)
		return ch, func() {}
	}
	wp.subscribers[id] = append(wp.subscribers[id], ch)
	if known {
		ch <- current
	}
	wp.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { wp.unsubscribe(id, ch) })
	}
}

func (wp *WorkerPool) unsubscribe(id string, ch chan Status) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	subs := wp.subscribers[id]
	for i, c := range subs {
		if c == ch {
			wp.subscribers[id] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(wp.subscribers[id]) == 0 {
		delete(wp.subscribers, id)
	}
}

func (wp *WorkerPool) publish(s Status) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.statuses[s.ExecutionID] = s
	for _, ch := range wp.subscribers[s.ExecutionID] {
		select {
		case ch <- s:
		default:
			// slow subscribers miss intermediate states, never the last one
			if s.Terminal() {
				select {
				case <-ch:
				default:
				}
				ch <- s
			}
		}
	}
	if s.Terminal() {
		for _, ch := range wp.subscribers[s.ExecutionID] {
			close(ch)
		}
		delete(wp.subscribers, s.ExecutionID)
	}
}

// worker processes executions from the queue
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.WithField("worker", id)
	log.Debug("Worker started")

	for {
		select {
		case <-wp.ctx.Done():
			return
		case ex := <-wp.queue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.WithField("execution", ex.ID).Errorf("PANIC processing execution: %v\n%s", r, debug.Stack())
						if err := wp.runner.Fail(wp.ctx, ex, fmt.Errorf("worker panic: %v", r)); err != nil {
							log.WithError(err).Error("Failed to record panic")
						}
						wp.publish(StatusOf(ex))
					}
				}()
				wp.process(log, ex)
			}()
		}
	}
}

// process steps ex until it finishes or has to wait.
func (wp *WorkerPool) process(log logrus.FieldLogger, ex *pipeline.Execution) {
	log = log.WithField("execution", ex.ID)
	for !ex.State.Terminal() {
		if wait := ex.NextRunAt.Sub(wp.clock.Now()); wait > 0 {
			wp.later(ex, wait)
			return
		}

		err := wp.runner.Step(wp.ctx, ex)
		wp.publish(StatusOf(ex))
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) && wp.ctx.Err() != nil {
			return
		}
		log.WithError(err).Error("Step failed, retrying later")
		wp.later(ex, checkpointRetryDelay)
		return
	}
	log.WithFields(logrus.Fields{
		"state":  ex.State,
		"status": ex.Status,
	}).Info("Execution finished")
}

// later re-enqueues ex after d.
func (wp *WorkerPool) later(ex *pipeline.Execution, d time.Duration) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.ctx.Err() != nil {
		return
	}
	wp.cancelTimer[ex.ID] = wp.schedule(d, func() {
		wp.mu.Lock()
		delete(wp.cancelTimer, ex.ID)
		wp.mu.Unlock()
		if err := wp.Enqueue(ex); err != nil {
			wp.log.WithField("execution", ex.ID).WithError(err).Debug("Dropped delayed execution")
		}
	})
}
