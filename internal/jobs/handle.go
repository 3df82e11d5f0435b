package jobs

import (
	"context"
	"sync"
)

// Handle tracks one logical job. Every caller that enqueued the same dedup
// key while it was in flight shares the same Handle.
type Handle struct {
	id   string
	key  string
	typ  Type
	done chan struct{}

	mu         sync.Mutex
	err        error
	job        *Job
	onComplete []func(*Job)
	onFailed   []func(*Job, error)
}

func newHandle(j *Job) *Handle {
	return &Handle{id: j.ID, key: j.DedupKey, typ: j.Type, job: j, done: make(chan struct{})}
}

func (h *Handle) ID() string  { return h.id }
func (h *Handle) Key() string { return h.key }
func (h *Handle) Type() Type  { return h.typ }

// Done is closed when the job completes or fails for good.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the terminal error; nil while running and after success.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the job ends or ctx is done. Cancelling ctx does not
// cancel the job.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnComplete registers fn to run on success. If the job already succeeded
// fn runs immediately.
func (h *Handle) OnComplete(fn func(*Job)) {
	h.mu.Lock()
	select {
	case <-h.done:
		ok, j := h.err == nil, h.job.clone()
		h.mu.Unlock()
		if ok {
			fn(j)
		}
		return
	default:
	}
	h.onComplete = append(h.onComplete, fn)
	h.mu.Unlock()
}

// OnFailed registers fn to run on terminal failure. If the job already
// failed fn runs immediately.
func (h *Handle) OnFailed(fn func(*Job, error)) {
	h.mu.Lock()
	select {
	case <-h.done:
		err, j := h.err, h.job.clone()
		h.mu.Unlock()
		if err != nil {
			fn(j, err)
		}
		return
	default:
	}
	h.onFailed = append(h.onFailed, fn)
	h.mu.Unlock()
}

func (h *Handle) finish(j *Job, err error) {
	h.mu.Lock()
	h.err = err
	h.job = j.clone()
	completes, fails := h.onComplete, h.onFailed
	h.onComplete, h.onFailed = nil, nil
	close(h.done)
	h.mu.Unlock()

	if err == nil {
		for _, fn := range completes {
			fn(j.clone())
		}
		return
	}
	for _, fn := range fails {
		fn(j.clone(), err)
	}
}
