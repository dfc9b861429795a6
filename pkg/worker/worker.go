// Package worker polls the engine for scheduled external tasks and
// hands them to registered topic handlers.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/flowmill/flowmill/pkg/engine"
)

// Handler processes one activated task. The returned variables are
// merged into the process scope on completion. A non-nil error fails
// the task and consumes one retry attempt.
type Handler func(ctx context.Context, task engine.ActivatedTask) (map[string]any, error)

type Worker struct {
	id       string
	engine   *engine.Engine
	logger   hclog.Logger
	interval time.Duration
	limit    int32

	mu       sync.Mutex
	handlers map[string]Handler

	stop chan struct{}
	wg   sync.WaitGroup
}

type Option func(*Worker)

// WithPollInterval overrides the default 5s poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		w.interval = interval
	}
}

// WithBatchSize bounds how many tasks one poll activates per topic.
func WithBatchSize(limit int32) Option {
	return func(w *Worker) {
		w.limit = limit
	}
}

func WithLogger(logger hclog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func NewWorker(e *engine.Engine, options ...Option) *Worker {
	w := &Worker{
		id:       uuid.NewString(),
		engine:   e,
		logger:   hclog.Default().Named("worker"),
		interval: 5 * time.Second,
		limit:    10,
		handlers: map[string]Handler{},
		stop:     make(chan struct{}),
	}
	for _, option := range options {
		option(w)
	}
	w.logger = w.logger.With("workerId", w.id)
	return w
}

// Subscribe registers the handler for a topic. Must be called before
// Start.
func (w *Worker) Subscribe(topic string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[topic] = handler
}

// Start launches one poll loop per subscribed topic.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for topic, handler := range w.handlers {
		w.wg.Add(1)
		go w.poll(topic, handler)
	}
	w.logger.Info("worker started", "topics", len(w.handlers))
}

// Stop signals the poll loops and waits for in-flight handlers.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) poll(topic string, handler Handler) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.drain(topic, handler)
		}
	}
}

func (w *Worker) drain(topic string, handler Handler) {
	ctx := context.Background()
	tasks, err := w.engine.ActivateExternalTasks(ctx, topic, w.limit)
	if err != nil {
		w.logger.Error("failed to activate tasks", "topic", topic, "error", err)
		return
	}
	for _, task := range tasks {
		w.run(ctx, task, handler)
	}
}

func (w *Worker) run(ctx context.Context, task engine.ActivatedTask, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			w.report(ctx, task, nil, fmt.Errorf("handler panic: %v", r))
		}
	}()
	result, err := handler(ctx, task)
	w.report(ctx, task, result, err)
}

func (w *Worker) report(ctx context.Context, task engine.ActivatedTask, result map[string]any, handlerErr error) {
	if handlerErr != nil {
		w.logger.Warn("task failed", "topic", task.Topic, "activityKey", task.ActivityKey, "error", handlerErr)
		if err := w.engine.FailActivity(ctx, task.ProcessKey, task.ActivityKey, handlerErr.Error(), ""); err != nil {
			w.logger.Error("failed to report task failure", "activityKey", task.ActivityKey, "error", err)
		}
		return
	}
	if err := w.engine.CompleteActivity(ctx, task.ProcessKey, task.ActivityKey, result); err != nil {
		w.logger.Error("failed to complete task", "activityKey", task.ActivityKey, "error", err)
	}
}
