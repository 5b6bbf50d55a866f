package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/federation/internal/fedtypes"
)

func TestFileStoreRoundTripsThroughDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "instances.json")

	s1, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := s1.Save(ctx, fedtypes.Instance{ID: "i1", Endpoint: "http://a.local", Region: "us-east-1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	s2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopening FileStore error = %v", err)
	}
	got, err := s2.FindByID(ctx, "i1")
	if err != nil {
		t.Fatalf("FindByID() after reopen error = %v", err)
	}
	if got.Region != "us-east-1" {
		t.Errorf("Region = %q, want us-east-1", got.Region)
	}
}

func TestFileStoreNewWithMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "instances.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() with missing snapshot error = %v", err)
	}
	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected empty store, got %d instances", len(list))
	}
}

func TestFileStoreDeletePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "instances.json")
	s, _ := NewFileStore(path)
	_ = s.Save(ctx, fedtypes.Instance{ID: "i1", Endpoint: "http://a.local"})

	if err := s.Delete(ctx, "i1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	list, _ := reopened.List(ctx)
	if len(list) != 0 {
		t.Errorf("expected deletion to persist, got %d instances", len(list))
	}
}
