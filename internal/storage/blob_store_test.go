package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"workflow-bundles/go-backend/internal/testutil/fsperm"
)

func TestFileBlobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "archives")
	store := NewFileBlobStore(dir)
	if err := store.Put(ctx, "b1.r1.zip", []byte("zip")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, dir)
	got, err := store.Get(ctx, "b1.r1.zip")
	if err != nil || string(got) != "zip" {
		t.Fatalf("unexpected blob %q %v", got, err)
	}
	if err := store.Delete(ctx, "b1.r1.zip"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "b1.r1.zip"); err != nil {
		t.Fatalf("second delete must be a no-op, got %v", err)
	}
	if _, err := store.Get(ctx, "b1.r1.zip"); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestFileBlobStoreRejectsNestedNames(t *testing.T) {
	store := NewFileBlobStore(t.TempDir())
	for _, name := range []string{"", "../escape", "a/b"} {
		if err := store.Put(context.Background(), name, []byte("x")); err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}
