// ============================================================================
// pipeexec Worker Pool - 固定大小的協作 rank 集合
// ============================================================================
//
// Package: internal/pool
// File: pool.go
// Purpose: The collective operations a fixed pool of ranks needs to advance
//          through the same stages in lock-step.
//
// Model:
//   N ranks (0..N-1) run the same program. They only ever wait on each other
//   inside a collective call:
//     - Barrier        all wait for all
//     - Broadcast      rank root -> every rank
//     - Gather         every rank -> every rank (ordered by rank)
//     - AllReduceSum   sum of one int64 per rank, identical on every rank
//     - Partition      split into G equal sub-pools
//
//   Every collective is a single Exchange on a rendezvous keyed by
//   (group, sequence). Ranks call collectives in the same order, so their
//   per-group sequence counters agree without any extra coordination.
//
// Transports:
//   - serial   N=1, nothing to wait for
//   - local    N goroutines sharing one Hub (tests, --pool local)
//   - grpc     rank 0 serves the Hub, other ranks dial it (--pool grpc)
//
// ============================================================================

package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrAggregationMismatch means ranks observed different reduction totals.
	// The pool has desynchronized and the run must abort.
	ErrAggregationMismatch = errors.New("aggregation mismatch")
	// ErrDesync means ranks entered the same collective with incompatible arguments.
	ErrDesync = errors.New("pool desynchronized")
	// ErrInvalidGroups is returned by Partition for a group count outside 1..Size.
	ErrInvalidGroups = errors.New("invalid sub-pool count")
)

// WorkerPool is the capability the executor needs from the set of ranks.
type WorkerPool interface {
	Rank() int
	Size() int
	Barrier(ctx context.Context) error
	Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error)
	Gather(ctx context.Context, payload []byte) ([][]byte, error)
	AllReduceSum(ctx context.Context, value int64) (int64, error)
	// Partition splits the pool into groups sub-pools of Size()/groups ranks.
	// Ranks beyond groups*(Size()/groups) get ok == false and sit the stage out.
	Partition(ctx context.Context, groups int) (sub WorkerPool, group int, ok bool, err error)
}

// BroadcastValue broadcasts v from root using JSON on the wire.
func BroadcastValue[T any](ctx context.Context, p WorkerPool, root int, v T) (T, error) {
	var out T
	var payload []byte
	if p.Rank() == root {
		b, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("encode broadcast: %w", err)
		}
		payload = b
	}
	b, err := p.Broadcast(ctx, root, payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode broadcast: %w", err)
	}
	return out, nil
}

// GatherValues gathers one value per rank, ordered by rank.
func GatherValues[T any](ctx context.Context, p WorkerPool, v T) ([]T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode gather: %w", err)
	}
	parts, err := p.Gather(ctx, b)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(parts))
	for i, part := range parts {
		if err := json.Unmarshal(part, &out[i]); err != nil {
			return nil, fmt.Errorf("decode gather from rank %d: %w", i, err)
		}
	}
	return out, nil
}
