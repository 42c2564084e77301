// Package performance provides buffer pooling for the hot loops of the
// estimators.
package performance

import (
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
)

// MatrixPool provides object pooling for matrices to reduce GC pressure
type MatrixPool struct {
	pool     sync.Pool
	inUse    int64
	created  int64
	recycled int64
	mu       sync.RWMutex
	stats    PoolStats
}

// PoolStats tracks pool performance metrics
type PoolStats struct {
	TotalAllocated   int64
	TotalRecycled    int64
	CurrentInUse     int64
	PeakUsage        int64
	AverageReuseRate float64
}

// NewMatrixPool creates a new matrix pool
func NewMatrixPool() *MatrixPool {
	mp := &MatrixPool{}

	mp.pool = sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(&mp.created, 1)
			return &PooledMatrix{
				pool: mp,
			}
		},
	}

	return mp
}

// Get retrieves a zeroed rows×cols matrix from the pool
func (mp *MatrixPool) Get(rows, cols int) *PooledMatrix {
	atomic.AddInt64(&mp.inUse, 1)

	m := mp.pool.Get().(*PooledMatrix)

	n := rows * cols
	if cap(m.data) < n {
		m.data = make([]float64, n)
	} else {
		m.data = m.data[:n]
		for i := range m.data {
			m.data[i] = 0
		}
	}

	m.rows = rows
	m.cols = cols
	m.released = false

	mp.updatePeakUsage(atomic.LoadInt64(&mp.inUse))

	return m
}

// Put returns a matrix to the pool
func (mp *MatrixPool) Put(m *PooledMatrix) {
	if m.released {
		return // Already released
	}

	m.released = true
	atomic.AddInt64(&mp.inUse, -1)
	atomic.AddInt64(&mp.recycled, 1)

	mp.pool.Put(m)
}

// GetStats returns current pool statistics
func (mp *MatrixPool) GetStats() PoolStats {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	total := atomic.LoadInt64(&mp.created)
	recycled := atomic.LoadInt64(&mp.recycled)
	inUse := atomic.LoadInt64(&mp.inUse)

	reuseRate := float64(0)
	if total > 0 {
		reuseRate = float64(recycled) / float64(total)
	}

	return PoolStats{
		TotalAllocated:   total,
		TotalRecycled:    recycled,
		CurrentInUse:     inUse,
		PeakUsage:        mp.stats.PeakUsage,
		AverageReuseRate: reuseRate,
	}
}

func (mp *MatrixPool) updatePeakUsage(current int64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if current > mp.stats.PeakUsage {
		mp.stats.PeakUsage = current
	}
}

// PooledMatrix is a row-major buffer that can be returned to a pool
type PooledMatrix struct {
	data     []float64
	rows     int
	cols     int
	pool     *MatrixPool
	released bool
}

// At returns the value at (i, j)
func (m *PooledMatrix) At(i, j int) float64 {
	return m.data[i*m.cols+j]
}

// Set sets the value at (i, j)
func (m *PooledMatrix) Set(i, j int, v float64) {
	m.data[i*m.cols+j] = v
}

// Dims returns the dimensions
func (m *PooledMatrix) Dims() (int, int) {
	return m.rows, m.cols
}

// Raw returns the backing slice of length rows*cols
func (m *PooledMatrix) Raw() []float64 {
	return m.data
}

// Dense returns a *mat.Dense view sharing the pooled storage.
// The view must not be used after Release.
func (m *PooledMatrix) Dense() *mat.Dense {
	return mat.NewDense(m.rows, m.cols, m.data)
}

// Sym returns a *mat.SymDense view of a square buffer (upper triangle used).
// The view must not be used after Release.
func (m *PooledMatrix) Sym() *mat.SymDense {
	if m.rows != m.cols {
		panic(mat.ErrShape)
	}
	return mat.NewSymDense(m.rows, m.data)
}

// Release returns the matrix to the pool
func (m *PooledMatrix) Release() {
	if m.pool != nil {
		m.pool.Put(m)
	}
}
