package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// commandHandler executes one command. Handlers are side-effecting;
// commands are plain data.
type commandHandler func(ctx context.Context, cmd Command) (any, error)

// commandBus routes commands to their registered handler. Dispatch and
// Execute run on the caller's goroutine; DispatchAsync hands the command
// to a bounded worker pool and forgets it. Async dispatches carry no
// ordering guarantee, between callers or within one caller.
type commandBus struct {
	handlers map[CommandType]commandHandler
	queue    chan asyncUnit
	workers  int
	logger   hclog.Logger

	// asyncExec runs a dequeued command; the engine replaces it to take
	// the per-instance lock around handler execution.
	asyncExec func(ctx context.Context, cmd Command) (any, error)

	inflight sync.WaitGroup
	startO   sync.Once
	stopO    sync.Once
	done     chan struct{}
}

type asyncUnit struct {
	ctx context.Context
	cmd Command
}

func newCommandBus(workers int, queueSize int, logger hclog.Logger) *commandBus {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &commandBus{
		handlers: map[CommandType]commandHandler{},
		queue:    make(chan asyncUnit, queueSize),
		workers:  workers,
		logger:   logger,
		done:     make(chan struct{}),
	}
	b.asyncExec = b.execute
	return b
}

// register wires a handler for one command type. A second registration
// for the same type is a programming error.
func (b *commandBus) register(t CommandType, h commandHandler) {
	if _, ok := b.handlers[t]; ok {
		panic(fmt.Sprintf("[invariant check] duplicate handler registration for command type %s", t))
	}
	b.handlers[t] = h
}

func (b *commandBus) handler(cmd Command) (commandHandler, error) {
	h, ok := b.handlers[cmd.Type()]
	if !ok {
		return nil, newEngineErrorf("no handler registered for command type %s", cmd.Type())
	}
	return h, nil
}

// dispatch executes the command synchronously, propagating its failure.
func (b *commandBus) dispatch(ctx context.Context, cmd Command) error {
	_, err := b.execute(ctx, cmd)
	return err
}

// execute is dispatch for commands that produce a value.
func (b *commandBus) execute(ctx context.Context, cmd Command) (any, error) {
	h, err := b.handler(cmd)
	if err != nil {
		return nil, err
	}
	return h(ctx, cmd)
}

// dispatchAsync schedules the command on the worker pool. The caller
// does not observe success or failure; a failed async command is logged
// and not retried by the bus (retrying is a domain decision).
func (b *commandBus) dispatchAsync(ctx context.Context, cmd Command) {
	b.inflight.Add(1)
	unit := asyncUnit{ctx: context.WithoutCancel(ctx), cmd: cmd}
	select {
	case b.queue <- unit:
	default:
		// queue full: run on a dedicated goroutine rather than block the
		// caller, which may itself be a bus worker
		go b.run(unit)
	}
}

func (b *commandBus) start() {
	b.startO.Do(func() {
		for i := 0; i < b.workers; i++ {
			go b.worker()
		}
	})
}

func (b *commandBus) stop() {
	b.stopO.Do(func() {
		close(b.done)
	})
}

// drain blocks until every async command dispatched so far, including
// ones enqueued transitively by handlers, has finished. Used by tests
// and by graceful shutdown.
func (b *commandBus) drain() {
	b.inflight.Wait()
}

func (b *commandBus) worker() {
	for {
		select {
		case <-b.done:
			return
		case unit := <-b.queue:
			b.run(unit)
		}
	}
}

func (b *commandBus) run(unit asyncUnit) {
	defer b.inflight.Done()
	if _, err := b.asyncExec(unit.ctx, unit.cmd); err != nil {
		b.logger.Error("async command failed", "type", unit.cmd.Type(), "err", err)
	}
}
