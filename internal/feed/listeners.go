package feed

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// registry is an observer set with per-registration cancellation handles.
// Dispatch is synchronous and fault-isolated: a panicking listener never
// prevents delivery to the others.
type registry[T any] struct {
	log *logrus.Entry

	mu   sync.Mutex
	subs map[string]func(T)
}

func newRegistry[T any](log *logrus.Entry) *registry[T] {
	return &registry[T]{
		log:  log,
		subs: make(map[string]func(T)),
	}
}

// add registers fn and returns a removal handle. Removing twice is safe.
func (r *registry[T]) add(fn func(T)) func() {
	id := uuid.NewString()

	r.mu.Lock()
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// dispatch invokes every registered listener with v. Listeners run on the
// caller's goroutine, one at a time, each inside its own recover.
func (r *registry[T]) dispatch(v T) {
	r.mu.Lock()
	fns := make([]func(T), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		r.invoke(fn, v)
	}
}

func (r *registry[T]) invoke(fn func(T), v T) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("listener panicked")
		}
	}()
	fn(v)
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
