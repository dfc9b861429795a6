package engine

import (
	"context"
	"time"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

// timeoutSweeper periodically claims activities whose absolute deadline
// passed. Timer events fire their trigger; external tasks whose worker
// never reported back fail into the retry ladder.
type timeoutSweeper struct {
	engine   *Engine
	interval time.Duration
	limit    int32

	stop chan struct{}
	done chan struct{}
}

func newTimeoutSweeper(engine *Engine, interval time.Duration, limit int32) *timeoutSweeper {
	return &timeoutSweeper{
		engine:   engine,
		interval: interval,
		limit:    limit,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *timeoutSweeper) start() {
	go s.loop()
}

func (s *timeoutSweeper) stopAndWait() {
	close(s.stop)
	<-s.done
}

func (s *timeoutSweeper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.sweep(context.Background()); err != nil {
				s.engine.logger.Error("timeout sweep failed", "err", err)
			}
		}
	}
}

// sweep claims one page of expired activities and routes each to its
// consequence. Dispatches are async: the sweep never holds an instance
// lock itself.
func (s *timeoutSweeper) sweep(ctx context.Context) error {
	expired, err := s.engine.persistence.FindTimedOutActivities(ctx, nowFunc(), s.limit)
	if err != nil {
		return err
	}
	for _, a := range expired {
		def, err := s.engine.definition(ctx, a.DefinitionKey)
		if err != nil {
			s.engine.logger.Error("skipping expired activity, definition unavailable",
				"activityKey", a.Key, "err", err)
			continue
		}
		node := a.Definition(def)
		if node == nil {
			continue
		}
		if node.EventKind == runtime.EventKindTimer {
			s.engine.bus.dispatchAsync(ctx, triggerActivityCommand{
				processKey:   a.ProcessKey,
				definitionId: a.DefinitionId,
			})
			continue
		}
		s.engine.bus.dispatchAsync(ctx, failActivityCommand{
			processKey:  a.ProcessKey,
			activityKey: a.Key,
			reason:      "activity deadline expired before a worker reported back",
		})
	}
	if len(expired) > 0 {
		s.engine.logger.Debug("timeout sweep dispatched", "count", len(expired))
	}
	return nil
}
