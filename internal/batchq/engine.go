package batchq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gridstone/docnotify/internal/pkg/logger"
	"github.com/gridstone/docnotify/internal/schedule"
)

// Handler consumes one drained batch. Payloads arrive in append order.
// A non-nil error keeps the staged batch for re-delivery on the marker's
// next fire.
type Handler func(ctx context.Context, category, batchKey string, payloads [][]byte) error

// Options tunes the engine worker pool.
type Options struct {
	NumWorkers   int
	PollInterval time.Duration
	MaxBatch     int
}

// Engine is the batched-jobs engine. Producers call Add from any process;
// workers fire due markers, drain their batches and invoke the handler.
//
// Delivery is at-least-once: batches are staged durably before the handler
// runs and acknowledged only on success, so a crashed or failing handler
// sees the same batch again one throttle later. Between two successful
// handler runs for the same marker at least the category throttle elapses.
type Engine struct {
	store     *BatchStore
	queue     *DelayQueue
	schedules schedule.Registry

	workerID     string
	numWorkers   int
	pollInterval time.Duration
	maxBatch     int

	handler Handler

	// Stats
	jobsProcessed     int64
	jobsFailed        int64
	payloadsDelivered int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewEngine creates an engine over an existing batch store and delay queue.
// The schedule registry is captured once; replace it before construction.
func NewEngine(store *BatchStore, queue *DelayQueue, schedules schedule.Registry, opts Options) *Engine {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 500
	}
	return &Engine{
		store:        store,
		queue:        queue,
		schedules:    schedules,
		workerID:     fmt.Sprintf("batchq-%s", uuid.New().String()[:8]),
		numWorkers:   opts.NumWorkers,
		pollInterval: opts.PollInterval,
		maxBatch:     opts.MaxBatch,
	}
}

// SetHandler installs the batch handler. Must be called exactly once,
// before Start.
func (e *Engine) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handler != nil {
		panic("batchq: handler already set")
	}
	e.handler = h
}

// Add appends a payload under (category, batchKey) and arms the marker if
// none exists. Arming is a compare-and-add on the marker identity, so
// concurrent adds from any number of producers yield exactly one marker and
// lose no payloads. A payload for an unknown category is logged and dropped.
func (e *Engine) Add(ctx context.Context, category, batchKey string, meta map[string]string, payload []byte) error {
	sched, ok := e.schedules.Lookup(category)
	if !ok {
		logger.Warn("batchq: dropping payload for unknown category", "category", category, "batchKey", batchKey)
		return nil
	}

	id := MarkerID{Category: category, BatchKey: batchKey}
	if err := e.store.Append(ctx, id, payload); err != nil {
		return err
	}
	// If this races another producer, or lands between a handler finishing
	// and its reschedule, the marker may arm with first-delay instead of
	// throttle. Tolerated: the payload itself is never lost.
	env := Envelope{Category: category, BatchKey: batchKey, Meta: meta}
	if _, err := e.queue.Schedule(ctx, id, env, sched.FirstDelay); err != nil {
		return err
	}
	return nil
}

// Start launches the worker pool.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}
	if e.handler == nil {
		return fmt.Errorf("engine handler not set")
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.running = true

	for i := 0; i < e.numWorkers; i++ {
		e.wg.Add(1)
		go e.runWorker(i)
	}

	log.Printf("[BATCHQ] Engine %s started with %d workers", e.workerID, e.numWorkers)
	return nil
}

// Stop shuts the worker pool down and waits for in-flight batches.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	log.Printf("[BATCHQ] Engine %s stopped", e.workerID)
}

func (e *Engine) runWorker(n int) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for {
				id, env, claimed, err := e.queue.TryClaim(e.ctx)
				if err != nil {
					if e.ctx.Err() == nil {
						logger.Error("batchq: claim failed", "worker", n, "error", err)
					}
					break
				}
				if !claimed {
					break
				}
				e.processMarker(id, env)
			}
		}
	}
}

// processMarker drains and handles one fired marker.
//
// Per-marker state machine:
//
//	absent -> [add] -> pending(first-delay)
//	pending -> [fire, drain non-empty] -> pending(throttle)
//	pending -> [fire, drain empty]     -> absent
func (e *Engine) processMarker(id MarkerID, env Envelope) {
	ctx := e.ctx

	sched, ok := e.schedules.Lookup(id.Category)
	if !ok {
		// Bail on unrecognized category: log, discard, ack.
		logger.Warn("batchq: fired marker has unknown category", "job", id.JobID())
		if _, err := e.store.Drain(ctx, id); err != nil {
			logger.Error("batchq: discard drain failed", "job", id.JobID(), "error", err)
		}
		if err := e.queue.Complete(ctx, id, nil); err != nil {
			logger.Error("batchq: complete failed", "job", id.JobID(), "error", err)
		}
		return
	}

	payloads, err := e.store.StageDrain(ctx, id, e.maxBatch)
	if err != nil {
		// Leave the marker claimed; the visibility timeout re-delivers it.
		logger.Error("batchq: drain failed", "job", id.JobID(), "error", err)
		return
	}

	if len(payloads) == 0 {
		// Empty period: the marker ends. The next add restarts the cycle
		// with first-delay.
		if err := e.queue.Complete(ctx, id, nil); err != nil {
			logger.Error("batchq: complete failed", "job", id.JobID(), "error", err)
		}
		return
	}

	// Record the reschedule intent in the durable envelope before handling,
	// so a worker crash mid-handler re-delivers with throttle semantics.
	throttleMs := sched.Throttle.Milliseconds()
	env.RescheduleDelayMs = &throttleMs
	if err := e.queue.UpdateEnvelope(ctx, id, env); err != nil {
		logger.Error("batchq: envelope update failed", "job", id.JobID(), "error", err)
	}

	hctx, cancel := context.WithTimeout(ctx, handlerDeadline(sched.Throttle))
	err = e.invokeHandler(hctx, id, payloads)
	cancel()

	if err != nil {
		atomic.AddInt64(&e.jobsFailed, 1)
		logger.Error("batchq: handler failed, batch retained for retry",
			"job", id.JobID(), "payloads", len(payloads), "error", err)
	} else {
		if err := e.store.AckStaged(ctx, id); err != nil {
			// The batch will be re-delivered; duplicates are tolerated.
			logger.Error("batchq: ack failed", "job", id.JobID(), "error", err)
		}
		atomic.AddInt64(&e.jobsProcessed, 1)
		atomic.AddInt64(&e.payloadsDelivered, int64(len(payloads)))
	}

	// Success or failure, the marker lives on: fire again one throttle out.
	reschedule := sched.Throttle
	if err := e.queue.Complete(ctx, id, &reschedule); err != nil {
		logger.Error("batchq: complete failed", "job", id.JobID(), "error", err)
	}
}

func (e *Engine) invokeHandler(ctx context.Context, id MarkerID, payloads [][]byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return e.handler(ctx, id.Category, id.BatchKey, payloads)
}

// handlerDeadline is throttle minus a safety margin, so a slow handler
// fails before the marker would fire again.
func handlerDeadline(throttle time.Duration) time.Duration {
	margin := throttle / 10
	if margin > 5*time.Second {
		margin = 5 * time.Second
	}
	if throttle <= margin {
		return throttle
	}
	return throttle - margin
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	WorkerID          string `json:"worker_id"`
	Running           bool   `json:"running"`
	NumWorkers        int    `json:"num_workers"`
	JobsProcessed     int64  `json:"jobs_processed"`
	JobsFailed        int64  `json:"jobs_failed"`
	PayloadsDelivered int64  `json:"payloads_delivered"`
}

// Stats returns current engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	return Stats{
		WorkerID:          e.workerID,
		Running:           running,
		NumWorkers:        e.numWorkers,
		JobsProcessed:     atomic.LoadInt64(&e.jobsProcessed),
		JobsFailed:        atomic.LoadInt64(&e.jobsFailed),
		PayloadsDelivered: atomic.LoadInt64(&e.payloadsDelivered),
	}
}
