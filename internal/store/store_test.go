package store

import (
	"fmt"
	"sync"
	"testing"
)

// TestAppendVersions tests that leader appends produce consecutive versions
func TestAppendVersions(t *testing.T) {
	s := New()

	for i := int64(1); i <= 5; i++ {
		rec := s.Append("a", fmt.Sprintf("v%d", i))
		if rec.Version != i {
			t.Fatalf("append %d: expected version %d, got %d", i, i, rec.Version)
		}
	}

	rec, ok := s.Get("a")
	if !ok {
		t.Fatal("expected key to exist")
	}
	if rec.Version != 5 || rec.Value != "v5" {
		t.Errorf("expected (v5, 5), got (%s, %d)", rec.Value, rec.Version)
	}
}

// TestApplyMonotonic tests that a stale replicate never regresses a record,
// including out-of-order delivery
func TestApplyMonotonic(t *testing.T) {
	tests := []struct {
		name        string
		deliveries  []Record
		wantValue   string
		wantVersion int64
	}{
		{
			name: "in order",
			deliveries: []Record{
				{Value: "v1", Version: 1},
				{Value: "v2", Version: 2},
			},
			wantValue:   "v2",
			wantVersion: 2,
		},
		{
			name: "reverse order",
			deliveries: []Record{
				{Value: "v2", Version: 2},
				{Value: "v1", Version: 1},
			},
			wantValue:   "v2",
			wantVersion: 2,
		},
		{
			name: "duplicate version",
			deliveries: []Record{
				{Value: "v1", Version: 1},
				{Value: "other", Version: 1},
			},
			wantValue:   "v1",
			wantVersion: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			for _, rec := range tt.deliveries {
				s.Apply("k", rec)
			}
			rec, ok := s.Get("k")
			if !ok {
				t.Fatal("expected key to exist")
			}
			if rec.Value != tt.wantValue || rec.Version != tt.wantVersion {
				t.Errorf("expected (%s, %d), got (%s, %d)",
					tt.wantValue, tt.wantVersion, rec.Value, rec.Version)
			}
		})
	}
}

// TestApplyReportsOutcome tests the applied flag and local version report
func TestApplyReportsOutcome(t *testing.T) {
	s := New()

	applied, local := s.Apply("k", Record{Value: "v3", Version: 3})
	if !applied || local != 3 {
		t.Errorf("fresh apply: expected (true, 3), got (%v, %d)", applied, local)
	}

	applied, local = s.Apply("k", Record{Value: "v1", Version: 1})
	if applied {
		t.Error("stale apply should be rejected")
	}
	if local != 3 {
		t.Errorf("rejected apply should report local version 3, got %d", local)
	}
}

// TestRestore tests rollback to the pre-write state
func TestRestore(t *testing.T) {
	t.Run("restore previous record", func(t *testing.T) {
		s := New()
		s.Append("k", "old")
		prev, existed := s.Get("k")
		s.Append("k", "new")

		s.Restore("k", prev, existed)

		rec, ok := s.Get("k")
		if !ok || rec.Value != "old" || rec.Version != 1 {
			t.Errorf("expected (old, 1), got (%s, %d) ok=%v", rec.Value, rec.Version, ok)
		}
	})

	t.Run("restore absent key removes it", func(t *testing.T) {
		s := New()
		prev, existed := s.Get("k")
		s.Append("k", "new")

		s.Restore("k", prev, existed)

		if _, ok := s.Get("k"); ok {
			t.Error("expected key to be removed")
		}
	})
}

// TestSnapshotIsCopy tests that mutating a snapshot does not touch the store
func TestSnapshotIsCopy(t *testing.T) {
	s := New()
	s.Append("a", "1")
	s.Append("b", "2")

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 records, got %d", len(snap))
	}
	snap["a"] = Record{Value: "mutated", Version: 99}
	delete(snap, "b")

	rec, _ := s.Get("a")
	if rec.Value != "1" || rec.Version != 1 {
		t.Error("snapshot mutation leaked into store")
	}
	if s.Len() != 2 {
		t.Errorf("expected store to keep 2 records, got %d", s.Len())
	}
}

// TestConcurrentAppendsDistinctKeys tests that the striped lock table lets
// writers on different keys run in parallel without corrupting the map
func TestConcurrentAppendsDistinctKeys(t *testing.T) {
	s := New()
	const keys = 32
	const writesPerKey = 50

	var wg sync.WaitGroup
	for i := 0; i < keys; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			for j := 0; j < writesPerKey; j++ {
				unlock := s.LockKey(key)
				s.Append(key, fmt.Sprintf("v%d", j))
				unlock()
			}
		}(i)
	}
	wg.Wait()

	if s.Len() != keys {
		t.Fatalf("expected %d keys, got %d", keys, s.Len())
	}
	for i := 0; i < keys; i++ {
		rec, ok := s.Get(fmt.Sprintf("key-%d", i))
		if !ok || rec.Version != writesPerKey {
			t.Errorf("key-%d: expected version %d, got %d (ok=%v)", i, writesPerKey, rec.Version, ok)
		}
	}
}

// TestConcurrentAppendsSameKey tests serialized writes to one key produce
// strictly increasing versions with no gaps
func TestConcurrentAppendsSameKey(t *testing.T) {
	s := New()
	const writers = 8
	const writesEach = 25

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < writesEach; j++ {
				unlock := s.LockKey("hot")
				s.Append("hot", "x")
				unlock()
			}
		}()
	}
	wg.Wait()

	rec, _ := s.Get("hot")
	if rec.Version != writers*writesEach {
		t.Errorf("expected version %d, got %d", writers*writesEach, rec.Version)
	}
}
