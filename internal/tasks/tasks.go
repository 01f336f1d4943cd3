// Package tasks runs background work outside the request that asked for it.
//
// A task carries only resolved, JSON-encodable data. Its outcome is observable solely
// through the records its handler writes.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/metrics"
)

const (
	KindCreateInstance = "create_instance"
	KindDeleteInstance = "delete_instance"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("task queue closed")

type Task struct {
	ID         uuid.UUID       `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// New encodes payload into a task of the given kind.
func New(kind string, payload any) (Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return Task{
		ID:         uuid.New(),
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", t.Kind, err)
	}
	return nil
}

type Handler func(ctx context.Context, task Task) error

// Queue hands tasks over to workers.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Close() error
}

// Worker dispatches tasks to the handler registered for their kind.
type Worker struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *logrus.Entry
	metrics  *metrics.Metrics
}

func NewWorker(logger *logrus.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		handlers: make(map[string]Handler),
		log:      logger.WithField("component", "worker"),
		metrics:  m,
	}
}

func (w *Worker) Handle(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Process runs one task. Handler panics are recovered and reported as errors.
func (w *Worker) Process(ctx context.Context, task Task) (err error) {
	w.mu.RLock()
	h, ok := w.handlers[task.Kind]
	w.mu.RUnlock()

	log := w.log.WithFields(logrus.Fields{
		"task_id": task.ID.String(),
		"kind":    task.Kind,
	})
	if !ok {
		log.Error("No handler registered for task kind")
		w.metrics.TaskFailed(task.Kind)
		return fmt.Errorf("no handler for task kind %q", task.Kind)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
			log.WithField("stack", string(debug.Stack())).Error("Task panicked")
		}
		w.metrics.ObserveTask(task.Kind, time.Since(start))
		if err != nil {
			w.metrics.TaskFailed(task.Kind)
			log.WithError(err).Error("Task failed")
			return
		}
		log.WithField("duration", time.Since(start).String()).Info("Task completed")
	}()

	log.Debug("Task started")
	return h(ctx, task)
}
