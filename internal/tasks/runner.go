package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/SyncHire/sync-hire-sub000/internal/observability/metrics"
	"github.com/SyncHire/sync-hire-sub000/internal/observability/tracing"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type Kind string

const (
	KindMatchingRun        Kind = "matching.run"
	KindQuestionGeneration Kind = "questions.generate"
	KindUsageMerge         Kind = "usage.merge"
)

var (
	ErrRunnerClosed       = errors.New("task_runner_closed")
	ErrCapacityExhausted  = errors.New("task_capacity_exhausted")
	ErrTaskPanicked       = errors.New("task_panicked")
	defaultGraceAfterStop = 5 * time.Second
)

// Func is the body of a background task. ctx is cancelled when the runner
// shuts down past its drain deadline or the task handle is cancelled.
type Func func(ctx context.Context) error

type Info struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Subject   string    `json:"subject"`
	StartedAt time.Time `json:"started_at"`
}

// Handle observes one spawned task.
type Handle struct {
	info   Info
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func (h *Handle) Info() Info { return h.info }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task result. It is nil until Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) Cancel() { h.cancel() }

type Config struct {
	// Limits caps concurrently running tasks per kind. Kinds without an
	// entry use DefaultLimit.
	Limits       map[Kind]int64
	DefaultLimit int64
}

// Runner supervises detached background work. Every task is registered
// until it finishes, bounded by a per-kind semaphore, and isolated so that
// neither its error nor a panic reaches the code that spawned it.
type Runner struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	baseCtx    context.Context
	baseCancel context.CancelFunc

	cfg  Config
	mu   sync.Mutex
	sems map[Kind]*semaphore.Weighted

	closed bool
	tasks  map[string]*Handle
	wg     sync.WaitGroup
}

func NewRunner(cfg Config, log *zap.Logger, m *metrics.Metrics) *Runner {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		log:        log.Named("tasks.runner"),
		metrics:    m,
		baseCtx:    ctx,
		baseCancel: cancel,
		cfg:        cfg,
		sems:       make(map[Kind]*semaphore.Weighted),
		tasks:      make(map[string]*Handle),
	}
}

func (r *Runner) semaphore(kind Kind) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.sems[kind]
	if !ok {
		limit := r.cfg.DefaultLimit
		if v, ok := r.cfg.Limits[kind]; ok && v > 0 {
			limit = v
		}
		sem = semaphore.NewWeighted(limit)
		r.sems[kind] = sem
	}
	return sem
}

// Go starts fn without blocking. It fails with ErrCapacityExhausted when
// the kind is at its limit and ErrRunnerClosed after shutdown began.
func (r *Runner) Go(kind Kind, subject string, fn Func) (*Handle, error) {
	sem := r.semaphore(kind)
	if !sem.TryAcquire(1) {
		r.metrics.TaskRejected(string(kind))
		return nil, fmt.Errorf("%s: %w", kind, ErrCapacityExhausted)
	}
	return r.start(sem, kind, subject, fn)
}

// GoWait starts fn, waiting for a free slot until ctx ends.
func (r *Runner) GoWait(ctx context.Context, kind Kind, subject string, fn Func) (*Handle, error) {
	if r.isClosed() {
		return nil, ErrRunnerClosed
	}
	sem := r.semaphore(kind)
	if err := sem.Acquire(ctx, 1); err != nil {
		r.metrics.TaskRejected(string(kind))
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return r.start(sem, kind, subject, fn)
}

func (r *Runner) start(sem *semaphore.Weighted, kind Kind, subject string, fn Func) (*Handle, error) {
	taskCtx, cancel := context.WithCancel(r.baseCtx)
	h := &Handle{
		info: Info{
			ID:        ulid.Make().String(),
			Kind:      kind,
			Subject:   subject,
			StartedAt: time.Now().UTC(),
		},
		done:   make(chan struct{}),
		cancel: cancel,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		sem.Release(1)
		r.metrics.TaskRejected(string(kind))
		return nil, ErrRunnerClosed
	}
	r.tasks[h.info.ID] = h
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.TaskStarted(string(kind))
	go r.run(taskCtx, sem, h, fn)
	return h, nil
}

func (r *Runner) run(ctx context.Context, sem *semaphore.Weighted, h *Handle, fn Func) {
	ctx, span := tracing.Start(ctx, "synchire/tasks", "task "+string(h.info.Kind),
		attribute.String("task.id", h.info.ID),
		attribute.String("task.subject", h.info.Subject),
	)
	log := r.log.With(
		zap.String("task_id", h.info.ID),
		zap.String("kind", string(h.info.Kind)),
		zap.String("subject", h.info.Subject),
	)

	defer func() {
		if rec := recover(); rec != nil {
			h.err = fmt.Errorf("%w: %v", ErrTaskPanicked, rec)
			log.Error("task panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
		}

		result := metrics.TaskResultOK
		switch {
		case h.err == nil:
		case errors.Is(h.err, context.Canceled):
			result = metrics.TaskResultCanceled
			log.Warn("task canceled", zap.Error(h.err))
		default:
			result = metrics.TaskResultError
			log.Warn("task failed", zap.Error(h.err))
		}
		if h.err != nil {
			span.RecordError(h.err)
			span.SetStatus(codes.Error, result)
		}
		span.End()

		r.metrics.TaskFinished(string(h.info.Kind), result, time.Since(h.info.StartedAt))
		h.cancel()
		sem.Release(1)

		r.mu.Lock()
		delete(r.tasks, h.info.ID)
		r.mu.Unlock()

		close(h.done)
		r.wg.Done()
	}()

	h.err = fn(ctx)
}

// List returns the tasks still running, oldest first.
func (r *Runner) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.tasks))
	for _, h := range r.tasks {
		out = append(out, h.info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Runner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Shutdown stops accepting tasks and waits for running ones until ctx ends.
// Remaining tasks are then cancelled and given a short grace period.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		r.baseCancel()
		return nil
	case <-ctx.Done():
	}

	remaining := len(r.List())
	r.log.Warn("drain deadline reached, cancelling tasks", zap.Int("remaining", remaining))
	r.baseCancel()

	select {
	case <-drained:
		return nil
	case <-time.After(defaultGraceAfterStop):
		return fmt.Errorf("tasks still running after cancel: %d", len(r.List()))
	}
}
