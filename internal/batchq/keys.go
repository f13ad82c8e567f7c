// Package batchq implements the batched-jobs pipeline: producers append
// opaque payloads under a (category, batch-key) marker, and a worker pool
// fires each marker on its schedule, drains the accumulated batch and hands
// it to a single registered handler.
//
// All state lives in a shared Redis keyspace so that any number of
// producers and workers can cooperate:
//
//	payload:job:<category>:<batch-key>   list of pending payloads
//	staging:job:<category>:<batch-key>   batch currently in flight to a handler
//	jobs:pending                         zset of marker ids scored by fire time (unix ms)
//	jobs:data                            hash of marker id -> envelope JSON
package batchq

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MarkerID identifies a pending batch. At most one scheduled marker exists
// per identity at any time; the delay queue's compare-and-add enforces it.
type MarkerID struct {
	Category string
	BatchKey string
}

// JobID renders the marker identity as its delay-queue member string.
func (m MarkerID) JobID() string {
	return fmt.Sprintf("job:%s:%s", m.Category, m.BatchKey)
}

// ParseJobID recovers a marker identity from a delay-queue member string.
// The category never contains ':'; the batch key may.
func ParseJobID(jobID string) (MarkerID, error) {
	rest, ok := strings.CutPrefix(jobID, "job:")
	if !ok {
		return MarkerID{}, fmt.Errorf("malformed job id %q", jobID)
	}
	category, batchKey, ok := strings.Cut(rest, ":")
	if !ok || category == "" || batchKey == "" {
		return MarkerID{}, fmt.Errorf("malformed job id %q", jobID)
	}
	return MarkerID{Category: category, BatchKey: batchKey}, nil
}

func (m MarkerID) payloadKey(prefix string) string {
	return prefix + "payload:" + m.JobID()
}

func (m MarkerID) stagingKey(prefix string) string {
	return prefix + "staging:" + m.JobID()
}

// Envelope is the durable job data carried by a marker across its
// fire/complete cycle. RescheduleDelayMs is nil for a fresh marker and is
// set to the category throttle just before the handler runs.
type Envelope struct {
	Category          string            `json:"category"`
	BatchKey          string            `json:"batchKey"`
	Meta              map[string]string `json:"meta,omitempty"`
	RescheduleDelayMs *int64            `json:"rescheduleDelayMs,omitempty"`
}

func (e Envelope) encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(data), nil
}

func decodeEnvelope(data string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}
