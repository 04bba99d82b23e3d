package queue

import (
	"context"
	"fmt"
	"time"
)

// Handler processes one delivered job. A non-nil error triggers a retry
// with exponential backoff until the job's attempt budget is spent.
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions sizes a queue's consumer pool.
type WorkerOptions struct {
	// Concurrency is the number of goroutines draining the queue.
	// Zero means 1.
	Concurrency int
	// Timeout bounds a single handler invocation. Zero means no bound
	// beyond the manager's lifetime.
	Timeout time.Duration
}

type worker struct {
	queue   string
	handler Handler
	opts    WorkerOptions
}

// Register attaches a handler to a queue. Must be called before Start.
func (m *Manager) Register(queueName string, handler Handler, opts WorkerOptions) error {
	if !knownQueue(queueName) {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, &worker{queue: queueName, handler: handler, opts: opts})
	return nil
}

// RegisterRepeatable schedules a job to be enqueued on a cron pattern.
// Must be called before Start.
func (m *Manager) RegisterRepeatable(queueName, cronSpec string, payload any) error {
	if !knownQueue(queueName) {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	_, err := m.cron.AddFunc(cronSpec, func() {
		if _, err := m.Enqueue(queueName, payload); err != nil {
			m.log.Error("enqueue repeatable job", "queue", queueName, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("queue: cron %q: %w", cronSpec, err)
	}
	return nil
}

// Start launches every registered consumer pool and the cron scheduler.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		for i := 0; i < w.opts.Concurrency; i++ {
			m.wg.Add(1)
			go m.drain(ctx, w)
		}
	}
	m.cron.Start()
}

// Shutdown stops the cron scheduler, waits for in-flight handlers to
// finish, and closes the store. Pending jobs stay durable for the next
// start.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	cronCtx := m.cron.Stop()
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.db.Close()
}

func (m *Manager) drain(ctx context.Context, w *worker) {
	defer m.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
		for {
			job, err := m.popDue(w.queue)
			if err != nil {
				m.log.Error("pop job", "queue", w.queue, "error", err)
				break
			}
			if job == nil {
				break
			}
			m.deliver(ctx, w, job)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, w *worker, job *Job) {
	job.Attempts++
	handlerCtx := ctx
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}

	err := w.handler(handlerCtx, job)
	if err == nil {
		if rerr := m.recordOutcome(job, false); rerr != nil {
			m.log.Error("record completed job", "queue", w.queue, "error", rerr)
		}
		return
	}

	job.LastError = err.Error()
	if job.Attempts >= job.MaxAttempts {
		m.log.Error("job failed permanently",
			"queue", w.queue, "job", job.ID, "attempts", job.Attempts, "error", err)
		if rerr := m.recordOutcome(job, true); rerr != nil {
			m.log.Error("record failed job", "queue", w.queue, "error", rerr)
		}
		return
	}

	job.ReadyAt = m.nowFn().Add(backoffFor(job.Attempts))
	m.log.Warn("job retry scheduled",
		"queue", w.queue, "job", job.ID, "attempt", job.Attempts, "error", err)
	if rerr := m.putPending(job); rerr != nil {
		m.log.Error("requeue job", "queue", w.queue, "job", job.ID, "error", rerr)
	}
}
