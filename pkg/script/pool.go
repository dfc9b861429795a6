// Package script hosts pooled script runtimes used by script-task
// behaviors. Building a VM is expensive, so runners are reused through a
// bounded pool.
package script

import (
	"context"
	"sync"
	"time"
)

type Runner interface {
	Runner()
}

type RunnerFactory interface {
	NewRunner() Runner
}

type RunnerPool struct {
	pool               chan Runner
	runnerFactory      RunnerFactory
	activeRunnersCount int
	activeRunnersMu    sync.Mutex
	maxPoolSize        int
	minPoolSize        int
}

func NewRunnerPool(ctx context.Context, runnerFactory RunnerFactory, maxPoolSize int, minPoolSize int) *RunnerPool {
	if maxPoolSize < minPoolSize {
		panic("script pool max size is smaller than min size")
	}

	p := RunnerPool{
		pool:          make(chan Runner, maxPoolSize),
		runnerFactory: runnerFactory,
		maxPoolSize:   maxPoolSize,
		minPoolSize:   minPoolSize,
	}

	for i := 0; i < minPoolSize; i++ {
		p.activeRunnersMu.Lock()
		p.pool <- p.runnerFactory.NewRunner()
		p.activeRunnersCount++
		p.activeRunnersMu.Unlock()
	}

	// shrink idle runners back to the minimum periodically
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for len(p.pool) > minPoolSize {
					p.activeRunnersMu.Lock()
					<-p.pool
					p.activeRunnersCount--
					p.activeRunnersMu.Unlock()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return &p
}

func (r *RunnerPool) Get() Runner {
	var runner Runner
	select {
	case runner = <-r.pool:
	default:
		r.activeRunnersMu.Lock()
		if r.activeRunnersCount < r.maxPoolSize {
			runner = r.runnerFactory.NewRunner()
			r.activeRunnersCount++
		}
		r.activeRunnersMu.Unlock()
		if runner == nil {
			runner = <-r.pool
		}
	}
	return runner
}

func (r *RunnerPool) Put(runner Runner) {
	select {
	case r.pool <- runner:
	default:
		// pool is full, drop the runner
		r.activeRunnersMu.Lock()
		r.activeRunnersCount--
		r.activeRunnersMu.Unlock()
	}
}
