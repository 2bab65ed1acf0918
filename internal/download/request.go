// Package download fetches HiPS resources off the frame goroutine.
package download

import "sync"

// Status is the resolution state of a Request.
type Status int

const (
	NotResolved Status = iota
	Found
	Missing
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Missing:
		return "missing"
	default:
		return "not_resolved"
	}
}

// Request is a write-once result shared between a fetch goroutine and the
// frame goroutine, which polls it.
type Request[R any] struct {
	mu     sync.Mutex
	status Status
	value  R
	err    error
}

func NewRequest[R any]() *Request[R] {
	return &Request[R]{}
}

// Complete resolves the request to Found, or to Missing when err is not nil.
// Only the first call has an effect; it reports whether it did.
func (r *Request[R]) Complete(v R, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != NotResolved {
		return false
	}
	if err != nil {
		r.status = Missing
		r.err = err
		return true
	}
	r.status = Found
	r.value = v
	return true
}

func (r *Request[R]) IsResolved() bool { return r.Status() != NotResolved }

func (r *Request[R]) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Get returns the payload. ok is false unless the request was found.
func (r *Request[R]) Get() (v R, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != Found {
		return v, false
	}
	return r.value, true
}

// Err is the reason a request resolved to Missing.
func (r *Request[R]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
