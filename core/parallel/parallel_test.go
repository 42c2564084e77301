package parallel

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParallelizeNCoversEveryItemOnce(t *testing.T) {
	for _, workers := range []int{1, 2, 3, 8, 100} {
		hits := make([]int32, 37)
		ParallelizeN(len(hits), workers, func(start, end int) {
			for i := start; i < end; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			assert.Equal(t, int32(1), h, "workers=%d item=%d", workers, i)
		}
	}
}

func TestParallelizeZeroItems(t *testing.T) {
	called := false
	Parallelize(0, func(start, end int) { called = true })
	assert.False(t, called)
}

func TestParallelizeWithThreshold(t *testing.T) {
	var calls int32
	ParallelizeWithThreshold(5, 10, func(start, end int) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, 0, start)
		assert.Equal(t, 5, end)
	})
	assert.Equal(t, int32(1), calls)
}

func TestResolveWorkers(t *testing.T) {
	assert.Equal(t, 4, ResolveWorkers(4))
	assert.Equal(t, runtime.NumCPU(), ResolveWorkers(-1))
	assert.Equal(t, 1, ResolveWorkers(-10000))
}
