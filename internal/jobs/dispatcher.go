package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mohammed-shakir/tilecache/internal/core/observability"
	"github.com/mohammed-shakir/tilecache/internal/logger"
)

type Handler func(ctx context.Context, j *Job) error

type Config struct {
	// Concurrency overrides DefaultConcurrency per type.
	Concurrency    map[Type]int
	AttemptTimeout time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Store          Store
	Logger         *slog.Logger
}

const (
	DefaultAttemptTimeout = 30 * time.Second
	DefaultMaxAttempts    = 5
	DefaultBaseBackoff    = 200 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

func (c *Config) defaults() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = max(DefaultMaxBackoff, c.BaseBackoff)
	}
	if c.Store == nil {
		c.Store = NewMemoryStore()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type EnqueueOptions struct {
	Priority    Priority
	MaxAttempts int
}

type Stats struct {
	Enqueued  int64
	Deduped   int64
	Completed int64
	Failed    int64
	Retried   int64
	Attempts  int64
}

// Dispatcher owns one priority queue and worker pool per registered type.
// Work with the same dedup key is collapsed onto one job while in flight.
type Dispatcher struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	handlers map[Type]Handler
	queues   map[Type]*queue
	inflight map[string]*Handle
	byID     map[string]*Handle
	started  bool
	closed   bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	enqueued, deduped, completed, failed, retried, attempts atomic.Int64
}

func New(cfg Config) *Dispatcher {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "jobs"),
		handlers: make(map[Type]Handler),
		queues:   make(map[Type]*queue),
		inflight: make(map[string]*Handle),
		byID:     make(map[string]*Handle),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Register installs the handler for t. It must be called before Open.
func (d *Dispatcher) Register(t Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
	if _, ok := d.queues[t]; !ok {
		d.queues[t] = newQueue()
	}
}

// Open requeues jobs left in the store by a previous run and starts the
// worker pools.
func (d *Dispatcher) Open(ctx context.Context) error {
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return errors.New("dispatcher already opened")
	}
	d.started = true
	d.mu.Unlock()

	pending, err := d.cfg.Store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}
	for _, j := range pending {
		d.mu.Lock()
		q, ok := d.queues[j.Type]
		if !ok {
			d.mu.Unlock()
			d.log.Warn("dropping stored job with unknown type", "job_id", j.ID, "type", j.Type)
			_ = d.cfg.Store.Delete(ctx, j.ID)
			continue
		}
		if _, dup := d.inflight[j.DedupKey]; dup {
			d.mu.Unlock()
			_ = d.cfg.Store.Delete(ctx, j.ID)
			continue
		}
		j.State = StateQueued
		h := newHandle(j)
		d.inflight[j.DedupKey] = h
		d.byID[j.ID] = h
		d.mu.Unlock()
		q.push(&entry{job: j, handle: h})
	}
	if len(pending) > 0 {
		d.log.Info("requeued stored jobs", "count", len(pending))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for t, q := range d.queues {
		n := d.concurrency(t)
		for range n {
			d.wg.Add(1)
			go d.worker(t, q)
		}
		observability.SetQueueDepth(string(t), q.len())
	}
	return nil
}

func (d *Dispatcher) concurrency(t Type) int {
	if n, ok := d.cfg.Concurrency[t]; ok && n > 0 {
		return n
	}
	if n, ok := DefaultConcurrency[t]; ok {
		return n
	}
	return 1
}

// Enqueue submits work of type t. If a job with the same dedup key is in
// flight its handle is returned instead and no new job is created. An empty
// key disables de-duplication.
func (d *Dispatcher) Enqueue(ctx context.Context, t Type, dedupKey string, payload any, opts EnqueueOptions) (*Handle, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	q, ok := d.queues[t]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, t)
	}
	if dedupKey != "" {
		if h, ok := d.inflight[dedupKey]; ok {
			d.mu.Unlock()
			d.deduped.Add(1)
			observability.IncJob(string(t), observability.JobDeduped)
			return h, nil
		}
	}
	id := uuid.NewString()
	if dedupKey == "" {
		dedupKey = id
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}
	j := &Job{
		ID:          id,
		Type:        t,
		DedupKey:    dedupKey,
		Payload:     raw,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		State:       StateQueued,
		CreatedAt:   time.Now().UTC(),
	}
	h := newHandle(j)
	d.inflight[dedupKey] = h
	d.byID[id] = h
	d.mu.Unlock()

	d.enqueued.Add(1)
	observability.IncJob(string(t), observability.JobEnqueued)
	if err := d.cfg.Store.Save(ctx, j); err != nil {
		d.log.Warn("persist job failed", "job_id", id, "type", t, "err", err)
	}
	if !q.push(&entry{job: j, handle: h}) {
		d.abandon(j, h)
		return h, nil
	}
	observability.SetQueueDepth(string(t), q.len())
	return h, nil
}

func encodePayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode job payload: %w", err)
		}
		return b, nil
	}
}

// Lookup returns the in-flight handle for a job id.
func (d *Dispatcher) Lookup(id string) (*Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.byID[id]
	return h, ok
}

// OnComplete attaches fn to an in-flight job. It reports false if the job is
// unknown or already finished.
func (d *Dispatcher) OnComplete(id string, fn func(*Job)) bool {
	h, ok := d.Lookup(id)
	if ok {
		h.OnComplete(fn)
	}
	return ok
}

func (d *Dispatcher) OnFailed(id string, fn func(*Job, error)) bool {
	h, ok := d.Lookup(id)
	if ok {
		h.OnFailed(fn)
	}
	return ok
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:  d.enqueued.Load(),
		Deduped:   d.deduped.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Retried:   d.retried.Load(),
		Attempts:  d.attempts.Load(),
	}
}

// QueueDepth is the number of jobs of type t waiting for a worker.
func (d *Dispatcher) QueueDepth(t Type) int {
	d.mu.Lock()
	q, ok := d.queues[t]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

// Close stops the workers and waits for running attempts up to ctx. Queued
// jobs stay in the store and their handles fail with ErrClosed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	queues := make([]*queue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	for _, q := range queues {
		for _, e := range q.close() {
			d.abandon(e.job, e.handle)
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(t Type, q *queue) {
	defer d.wg.Done()
	for {
		e := q.pop()
		if e == nil {
			return
		}
		observability.SetQueueDepth(string(t), q.len())
		d.run(q, e)
	}
}

func (d *Dispatcher) run(q *queue, e *entry) {
	j := e.job
	d.mu.Lock()
	h := d.handlers[j.Type]
	d.mu.Unlock()

	j.Attempts++
	j.State = StateActive
	d.attempts.Add(1)

	start := time.Now()
	err := d.attempt(h, j)
	observability.ObserveJobAttempt(string(j.Type), err, time.Since(start).Seconds())

	if err == nil {
		d.completed.Add(1)
		observability.IncJob(string(j.Type), observability.JobCompleted)
		d.finish(j, e.handle, nil)
		return
	}

	j.LastError = err.Error()
	if IsPermanent(err) || j.Attempts >= j.MaxAttempts {
		d.failed.Add(1)
		observability.IncJob(string(j.Type), observability.JobFailed)
		d.log.Warn("job failed",
			"job_id", j.ID, "type", j.Type, "key", j.DedupKey,
			"attempts", j.Attempts, "permanent", IsPermanent(err), "err", err)
		d.finish(j, e.handle, err)
		return
	}

	j.State = StateRetrying
	d.retried.Add(1)
	observability.IncJob(string(j.Type), observability.JobRetried)
	if serr := d.cfg.Store.Save(d.baseCtx, j); serr != nil {
		d.log.Warn("persist job failed", "job_id", j.ID, "err", serr)
	}
	wait := d.backoff(j.Attempts)
	d.log.Debug("job retry scheduled", "job_id", j.ID, "type", j.Type, "attempt", j.Attempts, "in", wait, "err", err)
	time.AfterFunc(wait, func() {
		j.State = StateQueued
		if !q.push(e) {
			d.abandon(j, e.handle)
		}
	})
}

// attempt runs h with a deadline. An attempt that outlives its deadline
// counts as hung, but its worker slot and dedup key stay held until the
// handler returns, so a retry never overlaps the late handler.
func (d *Dispatcher) attempt(h Handler, j *Job) (err error) {
	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.AttemptTimeout)
	defer cancel()

	ctx = logger.WithJob(ctx, j.ID, j.Attempts)

	res := make(chan error, 1)
	snapshot := j.clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				res <- fmt.Errorf("job handler panic: %v", r)
			}
		}()
		res <- h(ctx, snapshot)
	}()

	select {
	case err = <-res:
		return err
	case <-ctx.Done():
	}
	hung := fmt.Errorf("%w after %s: %w", ErrAttemptHung, d.cfg.AttemptTimeout, ctx.Err())
	d.log.WarnContext(ctx, "job attempt overran its deadline, waiting for handler", "type", j.Type, "key", j.DedupKey)
	start := time.Now()
	late := <-res
	d.log.WarnContext(ctx, "late job handler returned", "type", j.Type, "overrun", time.Since(start), "err", late)
	return hung
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.BaseBackoff
	for i := 1; i < attempt && b < d.cfg.MaxBackoff; i++ {
		b *= 2
	}
	return min(b, d.cfg.MaxBackoff)
}

func (d *Dispatcher) finish(j *Job, h *Handle, err error) {
	if err == nil {
		j.State = StateCompleted
	} else {
		j.State = StateFailed
	}
	d.mu.Lock()
	if cur, ok := d.inflight[j.DedupKey]; ok && cur == h {
		delete(d.inflight, j.DedupKey)
	}
	delete(d.byID, j.ID)
	d.mu.Unlock()

	if derr := d.cfg.Store.Delete(d.baseCtx, j.ID); derr != nil {
		d.log.Warn("remove job record failed", "job_id", j.ID, "err", derr)
	}
	h.finish(j, err)
}

// abandon releases waiters on shutdown but keeps the stored record so the
// job is picked up again by the next Open.
func (d *Dispatcher) abandon(j *Job, h *Handle) {
	d.mu.Lock()
	if cur, ok := d.inflight[j.DedupKey]; ok && cur == h {
		delete(d.inflight, j.DedupKey)
	}
	delete(d.byID, j.ID)
	d.mu.Unlock()
	h.finish(j, ErrClosed)
}
