package batchq

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// BatchStore accumulates opaque payloads per marker in Redis lists.
// Append order is preserved within a marker; no ordering holds across
// markers. Drains are atomic: concurrent appends during a drain land on the
// live list and remain for the next marker.
type BatchStore struct {
	rdb    *redis.Client
	prefix string
}

// NewBatchStore creates a batch store over the shared keyspace. All keys
// are namespaced under prefix (may be empty).
func NewBatchStore(rdb *redis.Client, prefix string) *BatchStore {
	return &BatchStore{rdb: rdb, prefix: prefix}
}

// Append adds one payload to the end of the marker's batch.
func (s *BatchStore) Append(ctx context.Context, id MarkerID, payload []byte) error {
	if err := s.rdb.RPush(ctx, id.payloadKey(s.prefix), payload).Err(); err != nil {
		return fmt.Errorf("append %s: %w", id.JobID(), err)
	}
	return nil
}

// Exists reports whether the marker currently has pending payloads. The
// answer is racy and informational only; the delay queue's compare-and-add
// is the authoritative gate.
func (s *BatchStore) Exists(ctx context.Context, id MarkerID) (bool, error) {
	n, err := s.rdb.Exists(ctx, id.payloadKey(s.prefix)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id.JobID(), err)
	}
	return n > 0, nil
}

// drainScript atomically removes and returns every payload present at the
// moment of observation.
var drainScript = redis.NewScript(`
local vals = redis.call('lrange', KEYS[1], 0, -1)
if #vals > 0 then
	redis.call('del', KEYS[1])
end
return vals
`)

// Drain atomically removes and returns all payloads for the marker, in
// append order. Returns an empty slice if none are pending.
func (s *BatchStore) Drain(ctx context.Context, id MarkerID) ([][]byte, error) {
	res, err := drainScript.Run(ctx, s.rdb, []string{id.payloadKey(s.prefix)}).Result()
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", id.JobID(), err)
	}
	return toPayloads(res)
}

// stageDrainScript moves up to max payloads from the live list onto the
// staging list and returns the staged batch. Payloads left over from a
// previous failed handler run are returned first, in their original order.
var stageDrainScript = redis.NewScript(`
local staged = redis.call('llen', KEYS[2])
local room = tonumber(ARGV[1]) - staged
if room > 0 then
	local vals = redis.call('lrange', KEYS[1], 0, room - 1)
	if #vals > 0 then
		redis.call('rpush', KEYS[2], unpack(vals))
		redis.call('ltrim', KEYS[1], #vals, -1)
	end
end
return redis.call('lrange', KEYS[2], 0, -1)
`)

// StageDrain is the crash-safe drain used by the engine: payloads are moved
// onto a per-marker staging list that survives until AckStaged. A handler
// that fails (or a worker that dies) leaves the staged batch in place to be
// re-delivered on the marker's next fire. At most max payloads are staged;
// anything beyond that stays on the live list for a later fire.
func (s *BatchStore) StageDrain(ctx context.Context, id MarkerID, max int) ([][]byte, error) {
	if max <= 0 {
		max = 500
	}
	keys := []string{id.payloadKey(s.prefix), id.stagingKey(s.prefix)}
	res, err := stageDrainScript.Run(ctx, s.rdb, keys, max).Result()
	if err != nil {
		return nil, fmt.Errorf("stage drain %s: %w", id.JobID(), err)
	}
	return toPayloads(res)
}

// AckStaged discards the staged batch after a successful handler run.
func (s *BatchStore) AckStaged(ctx context.Context, id MarkerID) error {
	if err := s.rdb.Del(ctx, id.stagingKey(s.prefix)).Err(); err != nil {
		return fmt.Errorf("ack staged %s: %w", id.JobID(), err)
	}
	return nil
}

// unstageScript prepends the staged batch back onto the live list,
// preserving overall append order.
var unstageScript = redis.NewScript(`
local staged = redis.call('lrange', KEYS[1], 0, -1)
if #staged == 0 then
	redis.call('del', KEYS[1])
	return 0
end
local live = redis.call('lrange', KEYS[2], 0, -1)
redis.call('del', KEYS[2])
redis.call('rpush', KEYS[2], unpack(staged))
if #live > 0 then
	redis.call('rpush', KEYS[2], unpack(live))
end
redis.call('del', KEYS[1])
return #staged
`)

// Unstage returns a staged batch to the live list. Used by the recovery
// sweep for staging left behind by a marker that no longer exists.
func (s *BatchStore) Unstage(ctx context.Context, id MarkerID) (int, error) {
	keys := []string{id.stagingKey(s.prefix), id.payloadKey(s.prefix)}
	n, err := unstageScript.Run(ctx, s.rdb, keys).Int()
	if err != nil {
		return 0, fmt.Errorf("unstage %s: %w", id.JobID(), err)
	}
	return n, nil
}

func toPayloads(res interface{}) ([][]byte, error) {
	vals, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected drain reply type %T", res)
	}
	payloads := make([][]byte, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected drain element type %T", v)
		}
		payloads = append(payloads, []byte(str))
	}
	return payloads, nil
}
