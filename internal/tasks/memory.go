package tasks

import (
	"context"
	"sync"
)

// MemoryQueue runs tasks on a fixed pool of goroutines inside the current process.
type MemoryQueue struct {
	worker  *Worker
	tasks   chan Task
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewMemoryQueue(worker *Worker, workers, buffer int) *MemoryQueue {
	if workers < 1 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &MemoryQueue{
		worker:  worker,
		tasks:   make(chan Task, buffer),
		workers: workers,
	}
}

// Start launches the pool. Handlers run under ctx.
func (q *MemoryQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for task := range q.tasks {
				_ = q.worker.Process(ctx, task)
			}
		}()
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
