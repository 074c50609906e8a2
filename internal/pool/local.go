package pool

import (
	"context"
	"fmt"
	"sync"
)

// NewLocal returns the n world communicators of a goroutine pool sharing one
// Hub. Rank i must only be driven by one goroutine.
func NewLocal(n int) []*Comm {
	if n < 1 {
		n = 1
	}
	hub := NewHub()
	comms := make([]*Comm, n)
	for i := range comms {
		comms[i] = NewComm(hub, i, n)
	}
	return comms
}

// RunLocal runs fn once per rank of an n-rank goroutine pool and waits for
// all of them. The returned slice holds each rank's error.
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, p WorkerPool) error) []error {
	comms := NewLocal(n)
	errs := make([]error, len(comms))

	// A failed rank would leave the others parked in their next collective.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i, c := range comms {
		wg.Add(1)
		go func(i int, c *Comm) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("rank %d panicked: %v", i, r)
					cancel()
				}
			}()
			if err := fn(ctx, c); err != nil {
				errs[i] = err
				cancel()
			}
		}(i, c)
	}
	wg.Wait()
	return errs
}

// FirstError returns the first non-nil error of a RunLocal result.
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
