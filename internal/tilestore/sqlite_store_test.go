package tilestore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "tiles.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openStore(t)
	url := "http://h/dss/Norder3/Dir0/Npix5.jpg"

	if _, _, err := s.Get(url); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put("dss", url, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, missing, err := s.Get(url)
	if err != nil || missing || len(data) != 3 {
		t.Fatalf("unexpected get result %v %v %v", data, missing, err)
	}

	if err := s.PutMissing("dss", url); err != nil {
		t.Fatalf("PutMissing: %v", err)
	}
	data, missing, err = s.Get(url)
	if err != nil || !missing || len(data) != 0 {
		t.Fatalf("expected a missing entry, got %v %v %v", data, missing, err)
	}
}

func TestListAndDelete(t *testing.T) {
	s := openStore(t)
	for _, url := range []string{"a", "b"} {
		if err := s.Put("dss", url, []byte("xx")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.Put("2mass", "c", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := s.List("dss", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Size != 2 || entries[0].SurveyID != "dss" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	if err := s.DeleteSurvey("dss"); err != nil {
		t.Fatalf("DeleteSurvey: %v", err)
	}
	if n, _ := s.Count(); n != 1 {
		t.Fatalf("expected one entry left, got %d", n)
	}

	time.Sleep(5 * time.Millisecond)
	removed, err := s.DeleteExpired(time.Millisecond)
	if err != nil || removed != 1 {
		t.Fatalf("expected the old entry to expire, got %d %v", removed, err)
	}
}
