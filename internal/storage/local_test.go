package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestLocalStorage_PutGet(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	key := "snapshots/a.json.sz"
	content := []byte("hello world")
	if err := storage.Put(ctx, key, content); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := storage.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	got, err := storage.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	// Overwrite
	if err := storage.Put(ctx, key, []byte("v2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, _ = storage.Get(ctx, key)
	if string(got) != "v2" {
		t.Errorf("expected overwritten content, got %q", got)
	}

	if err := storage.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = storage.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}
}

func TestLocalStorage_GetNotFound(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	_, err = storage.Get(context.Background(), "missing")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}

	// Delete is idempotent
	if err := storage.Delete(context.Background(), "missing"); err != nil {
		t.Errorf("expected nil error deleting a missing object, got %v", err)
	}
}

func TestLocalStorage_List(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"snapshots/b", "snapshots/a", "other/c"} {
		if err := storage.Put(ctx, key, []byte(key)); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	keys, err := storage.List(ctx, "snapshots/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"snapshots/a", "snapshots/b"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("List = %v, want %v", keys, want)
	}

	keys, err = storage.List(ctx, "nothing/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := storage.Put(ctx, "k", []byte("v")); err == nil {
		t.Error("expected error with cancelled context")
	}
}
