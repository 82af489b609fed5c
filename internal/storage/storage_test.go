package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMemoryStorage_PutGetDeleteList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	defer s.Close()

	if s.ConsistencyLevel() != Strong {
		t.Fatalf("expected Strong consistency, got %s", s.ConsistencyLevel())
	}

	if err := s.Put(ctx, "peer/abc", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, err := s.Get(ctx, "peer/abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(rec.Value) != "hello" {
		t.Fatalf("expected hello, got %q", rec.Value)
	}

	keys, err := s.List(ctx, "peer/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0] != "peer/abc" {
		t.Fatalf("expected [peer/abc], got %v", keys)
	}

	if err := s.Delete(ctx, "peer/abc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "peer/abc"); err == nil {
		t.Fatal("expected NotFound after delete")
	}
}

func TestMemoryStorage_GetMissingReturnsNotFound(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Close()
	_, err := s.Get(context.Background(), "missing")
	var serr *StorageError
	if err == nil {
		t.Fatal("expected error")
	}
	if !asStorageError(err, &serr) || serr.Kind != NotFound {
		t.Fatalf("expected NotFound StorageError, got %v", err)
	}
}

func TestBoltStorage_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")

	s1, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	if err := s1.Put(ctx, "task/1", []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen OpenBolt: %v", err)
	}
	defer s2.Close()

	rec, err := s2.Get(ctx, "task/1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(rec.Value) != "payload" {
		t.Fatalf("expected payload, got %q", rec.Value)
	}
}

func TestRequireAtLeast_StrongSatisfiesWeakerRequirement(t *testing.T) {
	s := NewMemoryStorage() // Strong
	if err := RequireAtLeast(s, Eventual); err != nil {
		t.Fatalf("Strong backend should satisfy Eventual requirement: %v", err)
	}
}

func asStorageError(err error, target **StorageError) bool {
	if se, ok := err.(*StorageError); ok {
		*target = se
		return true
	}
	return false
}
