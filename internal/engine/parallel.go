package engine

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// ParallelConfig controls how kernels split work across goroutines.
//
// Kernels still run to completion before returning, so callers observe
// synchronous behavior.
type ParallelConfig struct {
	Enabled      bool // Whether kernels may fan out
	NumWorkers   int  // Upper bound on goroutines per kernel
	MinChunkSize int  // Minimum items per goroutine
}

// DefaultParallelConfig sizes the worker pool from the detected core count.
func DefaultParallelConfig() ParallelConfig {
	n := cpuid.CPU.LogicalCores
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return ParallelConfig{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 1,
	}
}

// Sequential returns a configuration that never spawns goroutines.
func Sequential() ParallelConfig {
	return ParallelConfig{NumWorkers: 1, MinChunkSize: 1}
}

// For runs f(i) for i in [0, n). Every call has returned when For returns.
func (p ParallelConfig) For(n int, f func(i int)) {
	workers := p.NumWorkers
	if !p.Enabled || workers <= 1 || n <= p.MinChunkSize {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunk := max((n+workers-1)/workers, p.MinChunkSize, 1)
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}
