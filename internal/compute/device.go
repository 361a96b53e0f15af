// Package compute runs a per-cell kernel over a grid on a fixed pool of
// worker goroutines. Each Dispatch is one stage: it returns only after
// every tile has been processed, which is the barrier between stages.
package compute

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/lattice.flow/internal/grid"
	"github.com/banshee-data/lattice.flow/internal/simerr"
)

// Kernel processes one cell. It must only read the source buffer and
// write the cell's own entry in the target.
type Kernel func(x, y, z, i int)

// Options configures a Device.
type Options struct {
	// Workers is the number of worker goroutines; 0 means GOMAXPROCS.
	Workers int
	// Tile is the work unit shape; zero means grid.DefaultTileShape.
	Tile grid.TileShape
	// MaxMemoryBytes bounds Reserve; 0 means unlimited.
	MaxMemoryBytes int64
}

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("compute device closed")

type job struct {
	tile   grid.Tile
	dims   grid.Dims
	kernel Kernel
	wg     *sync.WaitGroup
	failed *atomic.Pointer[error]
}

// Device is a CPU worker pool with a tile dispatcher.
type Device struct {
	workers int
	tile    grid.TileShape
	budget  int64

	jobs     chan job
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	reserved int64

	dispatches atomic.Uint64
	cells      atomic.Uint64
}

// Open starts the worker pool.
func Open(opts Options) (*Device, error) {
	workers := opts.Workers
	if workers < 0 {
		return nil, fmt.Errorf("workers must be >= 0, got %d: %w", workers, simerr.ErrDeviceInit)
	}
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if opts.MaxMemoryBytes < 0 {
		return nil, fmt.Errorf("memory budget must be >= 0, got %d: %w", opts.MaxMemoryBytes, simerr.ErrDeviceInit)
	}
	tile := opts.Tile
	if tile.X <= 0 || tile.Y <= 0 || tile.Z <= 0 {
		tile = grid.DefaultTileShape
	}

	d := &Device{
		workers: workers,
		tile:    tile,
		budget:  opts.MaxMemoryBytes,
		jobs:    make(chan job, workers*4),
	}
	for w := 0; w < workers; w++ {
		d.wg.Add(1)
		go d.run()
	}
	return d, nil
}

func (d *Device) run() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.exec(j)
	}
}

func (d *Device) exec(j job) {
	defer j.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("kernel panic in tile (%d,%d,%d): %v", j.tile.X, j.tile.Y, j.tile.Z, r)
			j.failed.CompareAndSwap(nil, &err)
		}
	}()
	j.tile.Each(j.dims, j.kernel)
}

// Workers returns the pool size.
func (d *Device) Workers() int { return d.workers }

// TileShape returns the work unit shape.
func (d *Device) TileShape() grid.TileShape { return d.tile }

// Reserve accounts bytes against the memory budget, failing with
// ErrDeviceInit when the budget would be exceeded.
func (d *Device) Reserve(bytes int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.budget > 0 && d.reserved+bytes > d.budget {
		return fmt.Errorf("need %d bytes, %d of %d already reserved: %w", bytes, d.reserved, d.budget, simerr.ErrDeviceInit)
	}
	d.reserved += bytes
	return nil
}

// Reserved returns the bytes currently accounted.
func (d *Device) Reserved() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reserved
}

// Dispatch runs kernel over every cell of dims and blocks until all tiles
// are done. A panicking kernel is reported as an error after the barrier.
func (d *Device) Dispatch(dims grid.Dims, kernel Kernel) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	// Hold the lock while queueing so Close cannot close the channel
	// under us.
	tiles := grid.Tiles(dims, d.tile)
	var wg sync.WaitGroup
	var failed atomic.Pointer[error]
	wg.Add(len(tiles))
	go func() {
		for _, t := range tiles {
			d.jobs <- job{tile: t, dims: dims, kernel: kernel, wg: &wg, failed: &failed}
		}
	}()
	wg.Wait()
	d.mu.Unlock()

	d.dispatches.Add(1)
	d.cells.Add(uint64(dims.Len()))
	if errp := failed.Load(); errp != nil {
		return *errp
	}
	return nil
}

// Stats returns the number of dispatches and cells processed so far.
func (d *Device) Stats() (dispatches, cells uint64) {
	return d.dispatches.Load(), d.cells.Load()
}

// Close stops the workers and releases the memory reservation. It is safe
// to call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.reserved = 0
	close(d.jobs)
	d.wg.Wait()
	return nil
}
