// Package broadcast runs per-recipient delivery work on a bounded worker
// pool with a shared rate limit. Callers enqueue a batch of tasks (one per
// recipient); the pool executes them with retries and tracks per-batch
// progress. Slow or failed recipients never block the enqueueing side.
package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "anonroom/pkg/logx"
)

type Config struct {
	Workers    int
	RatePerSec int
	RetryMax   int
}

// Task is one unit of delivery work addressed to a single recipient. Run
// does the whole thing (render, send, record); the pool only schedules,
// rate-limits and retries it.
type Task struct {
	RecipientID int64
	Run         func(ctx context.Context) error
}

type batch struct {
	id    string
	name  string
	tasks []Task
	done  chan struct{}
}

type BatchStatus struct {
	ID       string
	Name     string
	Total    int
	Done     int
	Failed   int
	Failures []int64 // recipient ids that exhausted retries
	// CreatedAt is set when the batch is enqueued, so stale entries can be
	// pruned even for batches that never ran.
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

type Pool struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger

	limiter *rate.Limiter
	queue   chan batch
	stopCh  chan struct{}
	// stopDone is non-nil while a Stop() is in progress; closed when the
	// workers have fully exited.
	stopDone chan struct{}

	statusMu  sync.RWMutex
	status    map[string]*BatchStatus
	statusMax int
	statusTTL time.Duration

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}
