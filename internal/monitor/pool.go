package monitor

import (
	"sync"
	"time"
)

const (
	// poolWorkers bounds how many watch steps can run at once, process-wide.
	poolWorkers = 5

	// pollInterval is the fixed delay between steps for one watch. There is
	// no network round trip to amortize (the files are local to the node),
	// so no adaptive backoff.
	pollInterval = 100 * time.Millisecond
)

// pool runs watch steps on a fixed set of background goroutines. A scheduled
// function runs exactly once; watchers reschedule themselves at the end of a
// step, so steps for one control directory never overlap while independent
// watches proceed concurrently up to the worker count, queuing beyond it.
type pool struct {
	tasks chan func()
}

func newPool(workers int) *pool {
	p := &pool{tasks: make(chan func(), 64)}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	for f := range p.tasks {
		f()
	}
}

func (p *pool) schedule(f func()) {
	p.tasks <- f
}

func (p *pool) scheduleAfter(d time.Duration, f func()) {
	time.AfterFunc(d, func() { p.schedule(f) })
}

var (
	poolMu     sync.Mutex
	sharedPool *pool
)

// watchPool returns the process-wide pool, creating it on first use.
func watchPool() *pool {
	poolMu.Lock()
	defer poolMu.Unlock()
	if sharedPool == nil {
		sharedPool = newPool(poolWorkers)
	}
	return sharedPool
}

// swapPool replaces the process-wide pool and returns the previous one.
// Tests install a fresh pool per run so watches never leak across tests.
func swapPool(p *pool) *pool {
	poolMu.Lock()
	defer poolMu.Unlock()
	old := sharedPool
	sharedPool = p
	return old
}
