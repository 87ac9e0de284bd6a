package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
)

func TestMemoryBasicOps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, _, err := m.Get(ctx, "missing"); !qerrors.Is(err, qerrors.ErrNotFound) {
		t.Errorf("Get missing: got %v, want ErrNotFound", err)
	}

	rev, err := m.Put(ctx, "k", []byte("v1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if rev != 1 {
		t.Errorf("first revision = %d, want 1", rev)
	}

	value, gotRev, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "v1" || gotRev != 1 {
		t.Errorf("Get = (%q, %d), want (v1, 1)", value, gotRev)
	}

	rev, err = m.Put(ctx, "k", []byte("v2"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if rev != 2 {
		t.Errorf("second revision = %d, want 2", rev)
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete of absent key: %v, want nil", err)
	}
	if _, _, err := m.Get(ctx, "k"); !qerrors.Is(err, qerrors.ErrNotFound) {
		t.Errorf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestMemoryCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// Create-if-absent.
	rev, err := m.CompareAndSwap(ctx, "k", []byte("v1"), 0)
	if err != nil {
		t.Fatalf("CAS create failed: %v", err)
	}
	if rev != 1 {
		t.Errorf("CAS create revision = %d, want 1", rev)
	}

	// Create-if-absent on an existing key must conflict.
	if _, err := m.CompareAndSwap(ctx, "k", []byte("x"), 0); !qerrors.Is(err, qerrors.ErrConflict) {
		t.Errorf("CAS create on existing key: got %v, want ErrConflict", err)
	}

	// Stale revision must conflict.
	if _, err := m.CompareAndSwap(ctx, "k", []byte("x"), 99); !qerrors.Is(err, qerrors.ErrConflict) {
		t.Errorf("CAS stale revision: got %v, want ErrConflict", err)
	}

	// Matching revision succeeds.
	rev, err = m.CompareAndSwap(ctx, "k", []byte("v2"), rev)
	if err != nil {
		t.Fatalf("CAS update failed: %v", err)
	}
	if rev != 2 {
		t.Errorf("CAS update revision = %d, want 2", rev)
	}

	// CAS on an absent key with nonzero revision conflicts.
	if _, err := m.CompareAndSwap(ctx, "absent", []byte("x"), 1); !qerrors.Is(err, qerrors.ErrConflict) {
		t.Errorf("CAS absent key: got %v, want ErrConflict", err)
	}
}

func TestMemoryCASExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Put(ctx, "contended", []byte("initial")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	var winners int32
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.CompareAndSwap(ctx, "contended", []byte(fmt.Sprintf("worker-%d", i)), 1)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !qerrors.Is(err, qerrors.ErrConflict) {
				t.Errorf("unexpected CAS error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("CAS winners = %d, want exactly 1", winners)
	}
}

func TestMemoryList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, k := range []string{"prekey/dev1/1", "prekey/dev1/2", "prekey/dev2/1", "identity/dev1"} {
		if _, err := m.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	entries, err := m.List(ctx, "prekey/dev1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("List returned %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if string(e.Value) != e.Key {
			t.Errorf("entry %s has value %q", e.Key, e.Value)
		}
	}

	entries, err = m.List(ctx, "nothing/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List of absent prefix returned %d entries", len(entries))
	}
}

func TestMemoryValueIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	original := []byte("original")
	if _, err := m.Put(ctx, "k", original); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	original[0] = 'X'

	value, _, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "original" {
		t.Error("store aliased the caller's slice on Put")
	}
	value[0] = 'Y'

	again, _, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(again) != "original" {
		t.Error("store aliased the returned slice on Get")
	}
}

func TestMemoryCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemory()

	if _, _, err := m.Get(ctx, "k"); err == nil {
		t.Error("Get with canceled context succeeded")
	}
	if _, err := m.Put(ctx, "k", nil); err == nil {
		t.Error("Put with canceled context succeeded")
	}
}
