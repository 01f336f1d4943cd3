package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// QueueGroup is shared by every worker process so each task is delivered once.
const QueueGroup = "fleetforge-workers"

// NATSQueue publishes tasks on <prefix>.<kind> and, when consuming, spreads them over a
// local pool of goroutines.
type NATSQueue struct {
	nc     *nats.Conn
	prefix string
	log    *logrus.Entry

	mu   sync.Mutex
	sub  *nats.Subscription
	ch   chan *nats.Msg
	done chan struct{}
	wg   sync.WaitGroup
}

func NewNATSQueue(url, prefix string, logger *logrus.Logger) (*NATSQueue, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "nats-queue")

	opts := []nats.Option{
		nats.Name("fleetforge-tasks"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSQueue{nc: nc, prefix: prefix, log: log}, nil
}

// Conn exposes the connection so other publishers can share it.
func (q *NATSQueue) Conn() *nats.Conn { return q.nc }

func (q *NATSQueue) subject(kind string) string {
	return q.prefix + "." + kind
}

func (q *NATSQueue) Enqueue(ctx context.Context, task Task) error {
	if q.nc == nil || q.nc.IsClosed() {
		return ErrQueueClosed
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.nc.Publish(q.subject(task.Kind), data); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return q.nc.FlushWithContext(ctx)
}

// Consume subscribes to every task subject in the queue group and processes messages
// on workers goroutines until Close.
func (q *NATSQueue) Consume(ctx context.Context, worker *Worker, workers int) error {
	if workers < 1 {
		workers = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sub != nil {
		return fmt.Errorf("already consuming")
	}

	q.ch = make(chan *nats.Msg, workers*4)
	q.done = make(chan struct{})
	sub, err := q.nc.ChanQueueSubscribe(q.subject("*"), QueueGroup, q.ch)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	q.sub = sub

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func(ch <-chan *nats.Msg, done <-chan struct{}) {
			defer q.wg.Done()
			for {
				select {
				case msg := <-ch:
					q.process(ctx, worker, msg)
				case <-done:
					// finish what was already delivered
					for {
						select {
						case msg := <-ch:
							q.process(ctx, worker, msg)
						default:
							return
						}
					}
				}
			}
		}(q.ch, q.done)
	}
	q.log.WithField("subject", q.subject("*")).Info("Consuming tasks")
	return nil
}

func (q *NATSQueue) process(ctx context.Context, worker *Worker, msg *nats.Msg) {
	var task Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		q.log.WithError(err).WithField("subject", msg.Subject).Error("Dropping undecodable task")
		return
	}
	_ = worker.Process(ctx, task)
}

// Close drains the subscription, waits for in-flight tasks and closes the connection.
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	sub, done := q.sub, q.done
	q.sub, q.ch, q.done = nil, nil, nil
	q.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			q.log.WithError(err).Warn("Unsubscribe failed")
		}
		close(done)
		q.wg.Wait()
	}
	if q.nc != nil && !q.nc.IsClosed() {
		if err := q.nc.Drain(); err != nil {
			q.nc.Close()
		}
	}
	return nil
}
