package engine

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// DefaultWorkers returns the number of logical cores reported by the CPU,
// falling back to the Go runtime's view.
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// forEach runs body for 0..length-1 with at most limit goroutines in flight.
func forEach(length, limit int, body func(i int)) {
	if limit <= 1 || length <= 1 {
		for i := 0; i < length; i++ {
			body(i)
		}
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)

	for i := 0; i < length; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			body(i)
		}(i)
	}

	wg.Wait()
}
