package exec

import (
	"testing"
	"time"

	"github.com/skyatlas/hipsview/internal/healpix"
)

func key(i uint64) TaskKey {
	return TaskKey{Owner: "dss", Cell: healpix.Cell{Depth: 5, Index: i}}
}

func TestRunOrderAndRemove(t *testing.T) {
	e := New()
	var ran []uint64
	for i := uint64(0); i < 5; i++ {
		i := i
		e.Spawn(key(i), func() { ran = append(ran, i) })
	}
	if !e.Remove(key(2)) {
		t.Fatalf("Remove should report the pending task")
	}
	if e.Remove(key(2)) {
		t.Fatalf("second Remove should be a no-op")
	}
	if e.Has(key(2)) || e.Len() != 4 {
		t.Fatalf("task 2 still pending")
	}

	if n := e.Run(time.Hour); n != 4 {
		t.Fatalf("expected 4 tasks, ran %d", n)
	}
	want := []uint64{0, 1, 3, 4}
	for i := range want {
		if ran[i] != want[i] {
			t.Fatalf("unexpected order %v", ran)
		}
	}
	if e.Len() != 0 {
		t.Fatalf("queue should be empty")
	}
}

func TestSpawnReplacesInPlace(t *testing.T) {
	e := New()
	got := ""
	e.Spawn(key(1), func() { got += "a" })
	e.Spawn(key(2), func() { got += "b" })
	e.Spawn(key(1), func() { got += "c" })
	if e.Len() != 2 {
		t.Fatalf("duplicate key must not grow the queue")
	}
	e.Run(time.Hour)
	if got != "cb" {
		t.Fatalf("expected cb, got %s", got)
	}
}

func TestRunRespectsBudget(t *testing.T) {
	e := New()
	clock := time.Unix(0, 0)
	e.now = func() time.Time { return clock }
	for i := uint64(0); i < 10; i++ {
		e.Spawn(key(i), func() { clock = clock.Add(4 * time.Millisecond) })
	}

	if n := e.Run(10 * time.Millisecond); n != 3 {
		t.Fatalf("expected 3 tasks within the budget, ran %d", n)
	}
	if e.Len() != 7 {
		t.Fatalf("remaining tasks must be deferred, have %d", e.Len())
	}
	if n := e.Run(0); n != 1 {
		t.Fatalf("a zero budget still runs one task, ran %d", n)
	}
	if keys := e.Keys(); len(keys) != 6 || keys[0] != key(4) {
		t.Fatalf("unexpected pending keys %v", keys)
	}
}
