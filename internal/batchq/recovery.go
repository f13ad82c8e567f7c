package batchq

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gridstone/docnotify/internal/pkg/distlock"
	"github.com/gridstone/docnotify/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Recovery periodically sweeps the keyspace for payload or staging lists
// whose marker has disappeared (a schedule call that failed after its
// append, or operator surgery on the pending set) and re-arms a marker for
// them. Without the sweep such payloads would sit unread until the next
// organic add for the same batch key.
type Recovery struct {
	rdb      *redis.Client
	store    *BatchStore
	queue    *DelayQueue
	prefix   string
	interval time.Duration
	lock     *distlock.Lock

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewRecovery creates a recovery sweeper.
func NewRecovery(rdb *redis.Client, store *BatchStore, queue *DelayQueue, prefix string, interval time.Duration) *Recovery {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Recovery{
		rdb:      rdb,
		store:    store,
		queue:    queue,
		prefix:   prefix,
		interval: interval,
		lock:     distlock.New(rdb, prefix+"recovery-sweep", interval),
	}
}

// Start launches the periodic sweep.
func (r *Recovery) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				// Single-flight across workers: one sweeper per interval.
				ok, err := r.lock.Acquire(r.ctx)
				if err != nil {
					logger.Error("batchq: recovery lock failed", "error", err)
					continue
				}
				if !ok {
					continue
				}
				if n, err := r.Sweep(r.ctx); err != nil {
					logger.Error("batchq: recovery sweep failed", "error", err)
				} else if n > 0 {
					log.Printf("[BATCHQ] Recovery re-armed %d orphaned batches", n)
				}
				if err := r.lock.Release(r.ctx); err != nil {
					logger.Warn("batchq: recovery lock release failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the sweep loop.
func (r *Recovery) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}

// Sweep runs one pass and returns how many orphaned batches were re-armed.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	recovered := 0

	for _, kind := range []string{"staging:", "payload:"} {
		iter := r.rdb.Scan(ctx, 0, r.prefix+kind+"job:*", 100).Iterator()
		for iter.Next(ctx) {
			jobID := strings.TrimPrefix(strings.TrimPrefix(iter.Val(), r.prefix), kind)
			id, err := ParseJobID(jobID)
			if err != nil {
				logger.Warn("batchq: recovery skipping malformed key", "key", iter.Val())
				continue
			}

			live, err := r.queue.Exists(ctx, id)
			if err != nil {
				return recovered, err
			}
			if live {
				continue
			}

			if strings.HasPrefix(kind, "staging:") {
				if _, err := r.store.Unstage(ctx, id); err != nil {
					return recovered, err
				}
			}
			// Re-arm with a short delay rather than the category first-delay:
			// these payloads already waited at least one full cycle.
			env := Envelope{Category: id.Category, BatchKey: id.BatchKey}
			added, err := r.queue.Schedule(ctx, id, env, 5*time.Second)
			if err != nil {
				return recovered, err
			}
			if added {
				recovered++
			}
		}
		if err := iter.Err(); err != nil {
			return recovered, err
		}
	}

	return recovered, nil
}
