// Package memory pools the scratch buffers the CPU kernels allocate on every
// call, such as the im2col matrices of a convolution.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BufferPool hands out float64 buffers grouped by power-of-two capacity
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool // Pools indexed by buffer capacity
	stats map[int]*PoolStats
}

// PoolStats tracks statistics for one capacity class
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a buffer of length size. Its contents are unspecified; callers
// overwrite it before reading.
func (bp *BufferPool) Get(size int) []float64 {
	if size <= 0 {
		return nil
	}
	poolSize := roundUpToPowerOf2(size)

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		pool = &sync.Pool{}
		bp.pools[poolSize] = pool
		bp.stats[poolSize] = &PoolStats{}
	}
	stats := bp.stats[poolSize]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}

	buf, ok := pool.Get().(*[]float64)
	if !ok {
		stats.Misses++
		bp.mu.Unlock()
		b := make([]float64, poolSize)
		return b[:size]
	}
	bp.mu.Unlock()

	return (*buf)[:size]
}

// Put returns a buffer obtained from Get. Buffers of other capacities are
// dropped.
func (bp *BufferPool) Put(buf []float64) {
	c := cap(buf)
	if c == 0 || c&(c-1) != 0 {
		return
	}

	bp.mu.Lock()
	pool, exists := bp.pools[c]
	if !exists {
		bp.mu.Unlock()
		return
	}
	stats := bp.stats[c]
	stats.Puts++
	stats.InUse--
	bp.mu.Unlock()

	full := buf[:c]
	pool.Put(&full)
}

// Stats returns a copy of the statistics of every capacity class
func (bp *BufferPool) Stats() map[int]PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	statsCopy := make(map[int]PoolStats, len(bp.stats))
	for size, stats := range bp.stats {
		statsCopy[size] = *stats
	}
	return statsCopy
}

// String returns a string representation of pool statistics
func (bp *BufferPool) String() string {
	stats := bp.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	var sb strings.Builder
	sb.WriteString("BufferPool Statistics:\n")
	for _, size := range sizes {
		stat := stats[size]
		hitRate := float64(0)
		if stat.Gets > 0 {
			hitRate = float64(stat.Gets-stat.Misses) / float64(stat.Gets) * 100
		}
		fmt.Fprintf(&sb, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, stat.Gets, stat.Puts, stat.InUse, stat.MaxInUse, hitRate)
	}
	return sb.String()
}

// roundUpToPowerOf2 rounds a number up to the nearest power of 2
func roundUpToPowerOf2(n int) int {
	if n <= 0 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}
	power := 1
	for power < n {
		power <<= 1
	}
	return power
}

var (
	globalPool     *BufferPool
	globalPoolOnce sync.Once
)

// GetGlobalBufferPool returns the pool shared by the tensor kernels
func GetGlobalBufferPool() *BufferPool {
	globalPoolOnce.Do(func() {
		globalPool = NewBufferPool()
	})
	return globalPool
}
