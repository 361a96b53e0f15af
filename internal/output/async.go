package output

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/lattice.flow/internal/simerr"
	"github.com/banshee-data/lattice.flow/internal/solver"
)

// ErrSinkClosed is returned by AsyncSink.WriteSnapshot after Close.
var ErrSinkClosed = errors.New("snapshot sink closed")

// AsyncSink hands snapshots to another sink on a background goroutine so
// the solver loop only pays for the field copy. A failure in the wrapped
// sink is reported by the next WriteSnapshot and by Close.
type AsyncSink struct {
	next  solver.SnapshotSink
	queue chan *solver.Snapshot
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

// NewAsyncSink starts the background writer. depth is the number of
// snapshots that may wait in memory; WriteSnapshot blocks beyond it.
func NewAsyncSink(next solver.SnapshotSink, depth int) *AsyncSink {
	if depth < 1 {
		depth = 1
	}
	a := &AsyncSink{
		next:  next,
		queue: make(chan *solver.Snapshot, depth),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for s := range a.queue {
		if a.Err() != nil {
			continue
		}
		if err := a.next.WriteSnapshot(context.Background(), s); err != nil {
			if !errors.Is(err, simerr.ErrIO) {
				err = fmt.Errorf("%w: %w", simerr.ErrIO, err)
			}
			a.errMu.Lock()
			a.err = fmt.Errorf("snapshot at iteration %d: %w", s.Iteration, err)
			a.errMu.Unlock()
			logs.Opsf("background write failed: %v", err)
		}
	}
}

// Err returns the first background failure.
func (a *AsyncSink) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

// WriteSnapshot queues s. The snapshot must not be modified afterwards.
func (a *AsyncSink) WriteSnapshot(ctx context.Context, s *solver.Snapshot) error {
	if err := a.Err(); err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrSinkClosed
	}
	select {
	case a.queue <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for queued snapshots to be written and returns the first
// failure. It is safe to call more than once.
func (a *AsyncSink) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return a.Err()
}
