package pool

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
)

// WorldGroup is the id of the full pool.
const WorldGroup = "world"

// Comm is a WorkerPool over an Exchanger. Sub-pools created by Partition are
// Comms on the same Exchanger with a derived group id.
type Comm struct {
	ex    Exchanger
	group string
	rank  int
	size  int

	mu  sync.Mutex
	seq uint64
}

// NewComm returns the world communicator of one rank.
func NewComm(ex Exchanger, rank, size int) *Comm {
	return &Comm{ex: ex, group: WorldGroup, rank: rank, size: size}
}

// NewSerial returns a pool of one rank. Every collective completes
// immediately.
func NewSerial() *Comm {
	return NewComm(NewHub(), 0, 1)
}

func (c *Comm) Rank() int { return c.rank }

func (c *Comm) Size() int { return c.size }

// Group returns the communicator id ("world" or a derived sub-pool id).
func (c *Comm) Group() string { return c.group }

func (c *Comm) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *Comm) exchange(ctx context.Context, payload []byte) ([][]byte, error) {
	seq := c.nextSeq()
	parts, err := c.ex.Exchange(ctx, c.group, seq, c.size, c.rank, payload)
	if err != nil {
		return nil, fmt.Errorf("collective %s#%d: %w", c.group, seq, err)
	}
	if len(parts) != c.size {
		return nil, fmt.Errorf("%w: collective %s#%d returned %d parts for %d ranks",
			ErrDesync, c.group, seq, len(parts), c.size)
	}
	return parts, nil
}

// Barrier blocks until every rank of the pool has entered it.
func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, nil)
	return err
}

// Broadcast returns root's payload on every rank.
func (c *Comm) Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	if root < 0 || root >= c.size {
		return nil, fmt.Errorf("broadcast root %d outside pool of size %d", root, c.size)
	}
	if c.rank != root {
		payload = nil
	}
	parts, err := c.exchange(ctx, payload)
	if err != nil {
		return nil, err
	}
	return parts[root], nil
}

// Gather returns every rank's payload, ordered by rank, on every rank.
func (c *Comm) Gather(ctx context.Context, payload []byte) ([][]byte, error) {
	return c.exchange(ctx, payload)
}

// AllReduceSum sums value across the pool. A second round cross-checks the
// total every rank computed; any disagreement is ErrAggregationMismatch.
func (c *Comm) AllReduceSum(ctx context.Context, value int64) (int64, error) {
	parts, err := c.exchange(ctx, encodeInt64(value))
	if err != nil {
		return 0, err
	}
	var total int64
	for r, part := range parts {
		v, err := decodeInt64(part)
		if err != nil {
			return 0, fmt.Errorf("%w: rank %d contribution: %v", ErrAggregationMismatch, r, err)
		}
		total += v
	}

	seen, err := c.exchange(ctx, encodeInt64(total))
	if err != nil {
		return 0, err
	}
	for r, part := range seen {
		v, err := decodeInt64(part)
		if err != nil || v != total {
			return 0, fmt.Errorf("%w: rank %d saw total %d, rank %d saw %d",
				ErrAggregationMismatch, r, v, c.rank, total)
		}
	}
	return total, nil
}

// Partition splits the pool into groups contiguous blocks of Size()/groups
// ranks: rank r joins sub-pool r/(Size()/groups). It is a collective; every
// rank must ask for the same number of groups.
func (c *Comm) Partition(ctx context.Context, groups int) (WorkerPool, int, bool, error) {
	if groups < 1 || groups > c.size {
		return nil, -1, false, fmt.Errorf("%w: %d groups for pool of size %d", ErrInvalidGroups, groups, c.size)
	}
	seq := c.nextSeq()
	parts, err := c.ex.Exchange(ctx, c.group, seq, c.size, c.rank, encodeInt64(int64(groups)))
	if err != nil {
		return nil, -1, false, fmt.Errorf("partition %s#%d: %w", c.group, seq, err)
	}
	for r, part := range parts {
		v, err := decodeInt64(part)
		if err != nil || v != int64(groups) {
			return nil, -1, false, fmt.Errorf("%w: rank %d asked for %d groups, rank %d for %d",
				ErrDesync, r, v, c.rank, groups)
		}
	}

	subSize := c.size / groups
	if c.rank >= groups*subSize {
		return nil, -1, false, nil
	}
	g := c.rank / subSize
	sub := &Comm{
		ex:    c.ex,
		group: fmt.Sprintf("%s/%d:%d.%d", c.group, seq, groups, g),
		rank:  c.rank % subSize,
		size:  subSize,
	}
	return sub, g, true, nil
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
