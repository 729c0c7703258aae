// Package async overlaps batch assembly with training by loading the next
// batches of a data source in a background goroutine.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/tsawler/go-unet/training"
)

// result carries one batch, or the error that ended the epoch
type result struct {
	batch *training.Batch
	err   error
}

// PrefetchLoader wraps a training.DataSource and keeps up to Depth batches
// ready ahead of the consumer. Batch order is the wrapped source's order.
type PrefetchLoader struct {
	source training.DataSource
	depth  int

	// Pipeline of the current epoch
	batches chan result
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// State
	produced   uint64
	generation uint64
	running    bool
	mutex      sync.RWMutex
}

// PrefetchConfig holds configuration for the prefetch loader
type PrefetchConfig struct {
	Depth int // Number of batches to prefetch (default: 2)
}

// NewPrefetchLoader wraps source. Nothing is loaded until the first Reset
// or Next.
func NewPrefetchLoader(source training.DataSource, config PrefetchConfig) (*PrefetchLoader, error) {
	if source == nil {
		return nil, fmt.Errorf("data source cannot be nil")
	}
	if config.Depth < 0 {
		return nil, fmt.Errorf("prefetch depth cannot be negative, got %d", config.Depth)
	}
	if config.Depth == 0 {
		config.Depth = 2
	}
	return &PrefetchLoader{source: source, depth: config.Depth}, nil
}

// Len returns the number of batches per epoch of the wrapped source
func (pl *PrefetchLoader) Len() int {
	return pl.source.Len()
}

// Reset abandons any batches still queued, rewinds the source and starts
// loading the next epoch.
func (pl *PrefetchLoader) Reset() {
	pl.Stop()
	pl.source.Reset()
	pl.start()
}

// Next returns the next batch, blocking until the producer has it ready. It
// returns (nil, nil) at the end of the epoch.
func (pl *PrefetchLoader) Next() (*training.Batch, error) {
	pl.mutex.RLock()
	batches := pl.batches
	pl.mutex.RUnlock()
	if batches == nil {
		pl.start()
		pl.mutex.RLock()
		batches = pl.batches
		pl.mutex.RUnlock()
	}

	r, ok := <-batches
	if !ok {
		return nil, nil
	}
	if r.err != nil {
		return nil, fmt.Errorf("prefetch failed: %w", r.err)
	}
	return r.batch, nil
}

// Stop cancels the producer and waits for it to exit
func (pl *PrefetchLoader) Stop() {
	pl.mutex.Lock()
	cancel := pl.cancel
	pl.cancel = nil
	pl.batches = nil
	pl.running = false
	pl.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	pl.wg.Wait()
}

func (pl *PrefetchLoader) start() {
	ctx, cancel := context.WithCancel(context.Background())
	batches := make(chan result, pl.depth)

	pl.mutex.Lock()
	pl.batches = batches
	pl.cancel = cancel
	pl.running = true
	pl.generation++
	pl.mutex.Unlock()

	pl.wg.Add(1)
	go pl.produce(ctx, batches)
}

// produce runs in the background until the epoch ends, an error occurs or
// the pipeline is cancelled.
func (pl *PrefetchLoader) produce(ctx context.Context, out chan<- result) {
	defer pl.wg.Done()
	defer close(out)

	for {
		batch, err := pl.source.Next()
		if batch == nil && err == nil {
			return
		}
		select {
		case out <- result{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		pl.mutex.Lock()
		pl.produced++
		pl.mutex.Unlock()
	}
}

// Stats returns statistics about the loader
func (pl *PrefetchLoader) Stats() PrefetchStats {
	pl.mutex.RLock()
	defer pl.mutex.RUnlock()

	return PrefetchStats{
		IsRunning:       pl.running,
		BatchesProduced: pl.produced,
		QueuedBatches:   len(pl.batches),
		QueueCapacity:   pl.depth,
		Generation:      pl.generation,
	}
}

// PrefetchStats provides statistics about the loader
type PrefetchStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Generation      uint64 // epochs started
}

func (s PrefetchStats) String() string {
	return fmt.Sprintf("Prefetch: %d/%d queued, %d produced, generation %d", s.QueuedBatches, s.QueueCapacity, s.BatchesProduced, s.Generation)
}
