package pool

import (
	"context"
	"fmt"
	"sync"
)

// Exchanger is the single rendezvous primitive every collective is built on:
// each of size ranks contributes payload for (group, seq) and gets back all
// contributions ordered by rank once the last one has arrived.
type Exchanger interface {
	Exchange(ctx context.Context, group string, seq uint64, size, rank int, payload []byte) ([][]byte, error)
}

type slotKey struct {
	group string
	seq   uint64
}

type rendezvous struct {
	size    int
	slots   [][]byte
	filled  []bool
	arrived int
	readers int
	done    chan struct{}
}

// Hub is an in-memory Exchanger. The local transport shares one Hub between
// goroutine ranks; the gRPC transport serves rank 0's Hub to remote ranks.
type Hub struct {
	mu      sync.Mutex
	pending map[slotKey]*rendezvous
}

// NewHub creates an empty rendezvous hub.
func NewHub() *Hub {
	return &Hub{pending: make(map[slotKey]*rendezvous)}
}

// Exchange implements Exchanger.
func (h *Hub) Exchange(ctx context.Context, group string, seq uint64, size, rank int, payload []byte) ([][]byte, error) {
	if size <= 0 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d outside group %q of size %d", ErrDesync, rank, group, size)
	}

	key := slotKey{group: group, seq: seq}

	h.mu.Lock()
	rv, ok := h.pending[key]
	if !ok {
		rv = &rendezvous{
			size:   size,
			slots:  make([][]byte, size),
			filled: make([]bool, size),
			done:   make(chan struct{}),
		}
		h.pending[key] = rv
	}
	if rv.size != size {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: group %q seq %d size %d, rank %d claims %d",
			ErrDesync, group, seq, rv.size, rank, size)
	}
	if rv.filled[rank] {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: rank %d entered group %q seq %d twice", ErrDesync, rank, group, seq)
	}
	rv.slots[rank] = append([]byte(nil), payload...)
	rv.filled[rank] = true
	rv.arrived++
	if rv.arrived == rv.size {
		close(rv.done)
	}
	h.mu.Unlock()

	select {
	case <-rv.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	out := make([][]byte, rv.size)
	copy(out, rv.slots)
	rv.readers++
	if rv.readers == rv.size {
		delete(h.pending, key)
	}
	h.mu.Unlock()
	return out, nil
}

// Pending reports how many rendezvous are still open (used in tests and
// shutdown diagnostics).
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
