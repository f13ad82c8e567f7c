package batchq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey = "jobs:pending"
	dataKey    = "jobs:data"

	// DefaultVisibilityTimeout is how long a claimed marker stays invisible
	// to other workers before it becomes claimable again.
	DefaultVisibilityTimeout = 2 * time.Minute
)

// DelayQueue holds job markers in a Redis sorted set scored by fire time.
// Scheduling is a compare-and-add on the marker identity: a marker that
// already exists (pending or claimed) is never reset. Fired markers are
// visible to one worker at a time; if that worker dies the marker becomes
// claimable again after the visibility timeout.
type DelayQueue struct {
	rdb        *redis.Client
	prefix     string
	visibility time.Duration
}

// NewDelayQueue creates a delay queue over the shared keyspace.
func NewDelayQueue(rdb *redis.Client, prefix string, visibility time.Duration) *DelayQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &DelayQueue{rdb: rdb, prefix: prefix, visibility: visibility}
}

// scheduleScript adds the marker only if no marker with the same identity
// exists, storing its envelope alongside. An existing marker is untouched:
// no fire-time reset, no envelope overwrite.
var scheduleScript = redis.NewScript(`
local added = redis.call('zadd', KEYS[1], 'NX', ARGV[1], ARGV[2])
if added == 1 then
	redis.call('hset', KEYS[2], ARGV[2], ARGV[3])
end
return added
`)

// Schedule arms a marker to fire after delay. Returns true if the marker was
// added, false if one with the same identity was already present (no-op).
func (q *DelayQueue) Schedule(ctx context.Context, id MarkerID, env Envelope, delay time.Duration) (bool, error) {
	data, err := env.encode()
	if err != nil {
		return false, err
	}
	fireAt := time.Now().Add(delay).UnixMilli()
	keys := []string{q.prefix + pendingKey, q.prefix + dataKey}
	added, err := scheduleScript.Run(ctx, q.rdb, keys, fireAt, id.JobID(), data).Int()
	if err != nil {
		return false, fmt.Errorf("schedule %s: %w", id.JobID(), err)
	}
	return added == 1, nil
}

// claimScript pops the single most-overdue marker by pushing its score one
// visibility window into the future, making it invisible to other workers
// while this one holds it.
var claimScript = redis.NewScript(`
local due = redis.call('zrangebyscore', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
	return false
end
redis.call('zadd', KEYS[1], 'XX', ARGV[2], due[1])
return {due[1], redis.call('hget', KEYS[2], due[1])}
`)

// TryClaim claims one due marker, if any. Returns ok=false when nothing is
// due. The claimed marker must be finished with Complete; a worker that
// dies instead simply lets the visibility timeout re-expose it.
func (q *DelayQueue) TryClaim(ctx context.Context) (MarkerID, Envelope, bool, error) {
	now := time.Now()
	keys := []string{q.prefix + pendingKey, q.prefix + dataKey}
	res, err := claimScript.Run(ctx, q.rdb, keys, now.UnixMilli(), now.Add(q.visibility).UnixMilli()).Result()
	if err == redis.Nil {
		return MarkerID{}, Envelope{}, false, nil
	}
	if err != nil {
		return MarkerID{}, Envelope{}, false, fmt.Errorf("claim: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) < 1 {
		return MarkerID{}, Envelope{}, false, fmt.Errorf("unexpected claim reply %v", res)
	}
	jobID, _ := reply[0].(string)
	id, err := ParseJobID(jobID)
	if err != nil {
		return MarkerID{}, Envelope{}, false, err
	}

	var data string
	if len(reply) > 1 {
		data, _ = reply[1].(string)
	}
	var env Envelope
	if data != "" {
		env, err = decodeEnvelope(data)
		if err != nil {
			return MarkerID{}, Envelope{}, false, err
		}
	} else {
		// Envelope lost (manual keyspace surgery); reconstruct the identity part.
		env = Envelope{Category: id.Category, BatchKey: id.BatchKey}
	}
	return id, env, true, nil
}

// updateEnvelopeScript overwrites the stored envelope only while the marker
// is still live.
var updateEnvelopeScript = redis.NewScript(`
if redis.call('zscore', KEYS[1], ARGV[1]) == false then
	return 0
end
redis.call('hset', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// UpdateEnvelope mutates the durable envelope of a live marker.
func (q *DelayQueue) UpdateEnvelope(ctx context.Context, id MarkerID, env Envelope) error {
	data, err := env.encode()
	if err != nil {
		return err
	}
	keys := []string{q.prefix + pendingKey, q.prefix + dataKey}
	if err := updateEnvelopeScript.Run(ctx, q.rdb, keys, id.JobID(), data).Err(); err != nil {
		return fmt.Errorf("update envelope %s: %w", id.JobID(), err)
	}
	return nil
}

// completeScript either destroys the marker (empty reschedule) or re-arms
// the same identity at a future fire time. XX keeps the operation a pure
// update: a marker someone already destroyed stays destroyed.
var completeScript = redis.NewScript(`
if ARGV[1] == '' then
	redis.call('zrem', KEYS[1], ARGV[2])
	redis.call('hdel', KEYS[2], ARGV[2])
	return 0
end
redis.call('zadd', KEYS[1], 'XX', ARGV[1], ARGV[2])
return 1
`)

// Complete acknowledges a claimed marker. With reschedule == nil the marker
// is destroyed and the next add restarts the cycle with first-delay;
// otherwise the same identity is re-armed to fire after reschedule.
func (q *DelayQueue) Complete(ctx context.Context, id MarkerID, reschedule *time.Duration) error {
	fireAt := ""
	if reschedule != nil {
		fireAt = fmt.Sprintf("%d", time.Now().Add(*reschedule).UnixMilli())
	}
	keys := []string{q.prefix + pendingKey, q.prefix + dataKey}
	if err := completeScript.Run(ctx, q.rdb, keys, fireAt, id.JobID()).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", id.JobID(), err)
	}
	return nil
}

// Exists reports whether a marker with this identity is live (pending or
// claimed). Informational; Schedule's compare-and-add is the correctness gate.
func (q *DelayQueue) Exists(ctx context.Context, id MarkerID) (bool, error) {
	err := q.rdb.ZScore(ctx, q.prefix+pendingKey, id.JobID()).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id.JobID(), err)
	}
	return true, nil
}
