// Package exec runs keyed tasks on the frame goroutine under a time budget.
package exec

import (
	"container/list"
	"time"

	"github.com/skyatlas/hipsview/internal/healpix"
)

// TaskKey identifies a pending task, typically the upload of one tile.
type TaskKey struct {
	Owner string
	Cell  healpix.Cell
}

type task struct {
	key TaskKey
	fn  func()
}

// Executor is a FIFO of keyed tasks. It is not safe for concurrent use.
type Executor struct {
	queue *list.List
	index map[TaskKey]*list.Element
	now   func() time.Time
}

func New() *Executor {
	return &Executor{
		queue: list.New(),
		index: make(map[TaskKey]*list.Element),
		now:   time.Now,
	}
}

// Spawn queues fn under key. Spawning an existing key replaces its function
// and keeps its place in the queue.
func (e *Executor) Spawn(key TaskKey, fn func()) {
	if el, ok := e.index[key]; ok {
		el.Value.(*task).fn = fn
		return
	}
	e.index[key] = e.queue.PushBack(&task{key: key, fn: fn})
}

// Remove cancels a pending task.
func (e *Executor) Remove(key TaskKey) bool {
	el, ok := e.index[key]
	if !ok {
		return false
	}
	e.queue.Remove(el)
	delete(e.index, key)
	return true
}

func (e *Executor) Has(key TaskKey) bool {
	_, ok := e.index[key]
	return ok
}

func (e *Executor) Len() int { return e.queue.Len() }

// Keys lists pending keys in execution order.
func (e *Executor) Keys() []TaskKey {
	keys := make([]TaskKey, 0, e.queue.Len())
	for el := e.queue.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*task).key)
	}
	return keys
}

// Run drains tasks in FIFO order until budget has elapsed and returns how
// many ran. At least one task runs per call so a slow task cannot starve
// the queue; the rest are deferred to the next call.
func (e *Executor) Run(budget time.Duration) int {
	start := e.now()
	n := 0
	for e.queue.Len() > 0 {
		if n > 0 && e.now().Sub(start) >= budget {
			break
		}
		el := e.queue.Front()
		t := el.Value.(*task)
		e.queue.Remove(el)
		delete(e.index, t.key)
		t.fn()
		n++
	}
	return n
}
