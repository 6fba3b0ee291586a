package localstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetRoundtrip(t *testing.T) {
	s := newTestStore(t)
	rec := Record{RemotePath: "/a.txt", ContentHash: "abc123", LocalMtime: time.Now().UTC().Truncate(time.Second)}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := s.Get("/a.txt")
	if !ok {
		t.Fatal("expected record to be found")
	}
	if got.ContentHash != rec.ContentHash {
		t.Errorf("ContentHash = %q, want %q", got.ContentHash, rec.ContentHash)
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.Get("/missing.txt"); ok {
		t.Error("expected ok=false for unknown path")
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := newTestStore(t)
	_ = s.Put(Record{RemotePath: "/a.txt", ContentHash: "x"})
	if err := s.Delete("/a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("/a.txt"); ok {
		t.Error("expected record to be gone after Delete")
	}
}

func TestAllReturnsEveryRecord(t *testing.T) {
	s := newTestStore(t)
	_ = s.Put(Record{RemotePath: "/a.txt", ContentHash: "a"})
	_ = s.Put(Record{RemotePath: "/b.txt", ContentHash: "b"})

	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("All() returned %d records, want 2", len(all))
	}
}

func TestDueRetriesFiltersByEpoch(t *testing.T) {
	s := newTestStore(t)
	past := RetryEntry{RemotePath: "/a.txt", Attempts: 1, NextRetryEpoch: time.Now().Add(-time.Minute)}
	future := RetryEntry{RemotePath: "/b.txt", Attempts: 1, NextRetryEpoch: time.Now().Add(time.Hour)}
	_ = s.PutRetry(past)
	_ = s.PutRetry(future)

	due, err := s.DueRetries(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].RemotePath != "/a.txt" {
		t.Errorf("DueRetries = %+v, want only /a.txt", due)
	}
}

func TestClearRetryRemovesEntry(t *testing.T) {
	s := newTestStore(t)
	_ = s.PutRetry(RetryEntry{RemotePath: "/a.txt", NextRetryEpoch: time.Now().Add(-time.Minute)})
	if err := s.ClearRetry("/a.txt"); err != nil {
		t.Fatal(err)
	}
	due, err := s.DueRetries(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("expected no due retries after ClearRetry, got %+v", due)
	}
}

func TestCursorRoundtrip(t *testing.T) {
	s := newTestStore(t)
	want := time.Now().UTC().Truncate(time.Second)
	if err := s.SetCursor(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCursor()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Errorf("GetCursor() = %v, want %v", got, want)
	}
}

func TestNextBackoffScalesWithAttempts(t *testing.T) {
	base := time.Second
	t1 := NextBackoff(base, 1)
	t3 := NextBackoff(base, 3)
	if !t3.After(t1) {
		t.Error("expected backoff to grow with attempt count")
	}
}
