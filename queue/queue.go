// Package queue provides named durable job queues with at-least-once
// delivery on a local bbolt store. Jobs survive restarts; worker pools
// drain queues with per-queue concurrency, exponential retry and bounded
// completed/failed history. Repeatable jobs run on cron schedules.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	bolt "go.etcd.io/bbolt"
)

// Queue names drained by the bundling service.
const (
	NewDataItem    = "new-data-item"
	PlanBundle     = "plan-bundle"
	PrepareBundle  = "prepare-bundle"
	PostBundle     = "post-bundle"
	SeedBundle     = "seed-bundle"
	VerifyBundle   = "verify-bundle"
	OpticalPost    = "optical-post"
	UnbundleBDI    = "unbundle-bdi"
	FinalizeUpload = "finalize-upload"
	PutOffsets     = "put-offsets"
	CleanupFS      = "cleanup-fs"
)

// Names lists every queue the service drains, in no particular order.
func Names() []string {
	return []string{
		NewDataItem, PlanBundle, PrepareBundle, PostBundle, SeedBundle,
		VerifyBundle, OpticalPost, UnbundleBDI, FinalizeUpload, PutOffsets,
		CleanupFS,
	}
}

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 5 * time.Second
	pollInterval       = 250 * time.Millisecond

	completedKeep = 1000
	completedTTL  = 24 * time.Hour
	failedKeep    = 5000
	failedTTL     = 7 * 24 * time.Hour
)

var (
	// ErrClosed is returned by Enqueue after Shutdown.
	ErrClosed = errors.New("queue: manager closed")
	// ErrUnknownQueue marks an enqueue to a queue name outside Names().
	ErrUnknownQueue = errors.New("queue: unknown queue")
)

// Job is a durable unit of work. Payload is opaque JSON interpreted by
// the queue's handler.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	ReadyAt     time.Time       `json:"readyAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// Unmarshal decodes the job payload into v.
func (j *Job) Unmarshal(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(j.Payload, v)
}

// Manager owns the bbolt store, the worker pools and the cron scheduler.
type Manager struct {
	db     *bolt.DB
	log    *slog.Logger
	nowFn  func() time.Time
	cron   *cron.Cron
	seq    atomic.Uint64
	closed atomic.Bool

	mu      sync.Mutex
	workers []*worker
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger used by workers.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFn = now }
}

// Open opens (creating if needed) the durable queue store at path.
func Open(path string, opts ...Option) (*Manager, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	m := &Manager{
		db:     db,
		log:    slog.Default(),
		nowFn:  time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cron = cron.New()
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range Names() {
			for _, prefix := range []string{"pending:", "completed:", "failed:"} {
				if _, err := tx.CreateBucketIfNotExists([]byte(prefix + name)); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: init buckets: %w", err)
	}
	return m, nil
}

// EnqueueOption tweaks a single enqueue.
type EnqueueOption func(*Job)

// WithDelay defers the job's first delivery.
func WithDelay(d time.Duration) EnqueueOption {
	return func(j *Job) { j.ReadyAt = j.ReadyAt.Add(d) }
}

// WithMaxAttempts overrides the default retry budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(j *Job) { j.MaxAttempts = n }
}

// Enqueue persists a job for at-least-once delivery.
func (m *Manager) Enqueue(queueName string, payload any, opts ...EnqueueOption) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	if !knownQueue(queueName) {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	now := m.nowFn()
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Payload:     raw,
		MaxAttempts: defaultMaxAttempts,
		EnqueuedAt:  now,
		ReadyAt:     now,
	}
	for _, opt := range opts {
		opt(job)
	}
	if err := m.putPending(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (m *Manager) putPending(job *Job) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	key := m.orderedKey(job.ReadyAt)
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("pending:" + job.Queue)).Put(key, value)
	})
}

// orderedKey sorts jobs by ready time, with a process-local sequence to
// break ties.
func (m *Manager) orderedKey(readyAt time.Time) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(readyAt.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], m.seq.Add(1))
	return key
}

// popDue removes and returns the earliest job whose ready time has
// passed, or nil when the queue has no due work.
func (m *Manager) popDue(queueName string) (*Job, error) {
	var job *Job
	now := uint64(m.nowFn().UnixNano())
	err := m.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte("pending:" + queueName)).Cursor()
		k, v := c.First()
		if k == nil || binary.BigEndian.Uint64(k[:8]) > now {
			return nil
		}
		var j Job
		if err := json.Unmarshal(v, &j); err != nil {
			// Unreadable record: drop it rather than wedge the queue.
			return c.Delete()
		}
		if err := c.Delete(); err != nil {
			return err
		}
		job = &j
		return nil
	})
	return job, err
}

func (m *Manager) recordOutcome(job *Job, failed bool) error {
	bucket := "completed:" + job.Queue
	keep, ttl := completedKeep, completedTTL
	if failed {
		bucket = "failed:" + job.Queue
		keep, ttl = failedKeep, failedTTL
	}
	value, err := json.Marshal(job)
	if err != nil {
		return err
	}
	now := m.nowFn()
	key := m.orderedKey(now)
	horizon := uint64(now.Add(-ttl).UnixNano())
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if err := b.Put(key, value); err != nil {
			return err
		}
		// Trim by age first, then by count.
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k[:8]) < horizon; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		for excess := b.Stats().KeyN + 1 - keep; excess > 0; excess-- {
			k, _ := c.First()
			if k == nil {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// PendingCount reports the number of waiting jobs in a queue.
func (m *Manager) PendingCount(queueName string) (int, error) {
	var n int
	err := m.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte("pending:" + queueName)).Stats().KeyN
		return nil
	})
	return n, err
}

// FailedJobs returns the retained failure history for a queue, oldest
// first.
func (m *Manager) FailedJobs(queueName string) ([]Job, error) {
	var jobs []Job
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("failed:" + queueName)).ForEach(func(_, v []byte) error {
			var j Job
			if err := json.Unmarshal(v, &j); err == nil {
				jobs = append(jobs, j)
			}
			return nil
		})
	})
	return jobs, err
}

func knownQueue(name string) bool {
	for _, n := range Names() {
		if n == name {
			return true
		}
	}
	return false
}

// backoffFor returns the delay before the next delivery of a failed job.
func backoffFor(attempt int) time.Duration {
	d := defaultBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
