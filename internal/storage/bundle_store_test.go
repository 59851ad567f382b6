package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
	"workflow-bundles/go-backend/internal/domains/bundle/ports"
)

func newBundle(id, key string, status model.Status, created time.Time) model.Bundle {
	b := model.Bundle{
		ID:        id,
		Key:       key,
		Name:      "Bundle " + key,
		Version:   "1.0.0",
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
	b.SetArchive(model.Manifest{ID: key}, []byte("PK-archive-"+id), "blake3:"+id)
	return b
}

func TestBundleStoreInsertAndFind(t *testing.T) {
	store := NewMemoryBundleStore()
	saved, err := store.Save(newBundle("b1", "invoice", model.StatusCreated, time.Now().UTC()))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", saved.Revision)
	}
	got, err := store.FindByID("b1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if string(got.Archive) != "PK-archive-b1" || got.Size != int64(len("PK-archive-b1")) {
		t.Fatalf("unexpected archive: %q size=%d", got.Archive, got.Size)
	}
	got.Archive[0] = 'X'
	again, _ := store.FindByID("b1")
	if again.Archive[0] != 'P' {
		t.Fatal("returned archive must be a private copy")
	}
	if _, err := store.FindByID("missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBundleStoreRejectsDuplicateActiveKey(t *testing.T) {
	store := NewMemoryBundleStore()
	now := time.Now().UTC()
	if _, err := store.Save(newBundle("b1", "invoice", model.StatusCreated, now)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	_, err := store.Save(newBundle("b2", "invoice", model.StatusCreated, now))
	var dup *model.DuplicateKeyError
	if !errors.As(err, &dup) || dup.Key != "invoice" {
		t.Fatalf("expected DuplicateKeyError, got %v", err)
	}
	if _, err := store.FindByID("b2"); !errors.Is(err, model.ErrNotFound) {
		t.Fatal("rejected bundle must not be stored")
	}
}

func TestBundleStoreKeyFreedByArchive(t *testing.T) {
	store := NewMemoryBundleStore()
	now := time.Now().UTC()
	first, err := store.Save(newBundle("b1", "invoice", model.StatusValid, now))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	first.Status = model.StatusArchived
	if _, err := store.Save(first); err != nil {
		t.Fatalf("archive update failed: %v", err)
	}
	if ok, _ := store.ExistsByKey("invoice"); ok {
		t.Fatal("archived bundle must not hold the key")
	}
	if _, err := store.Save(newBundle("b2", "invoice", model.StatusCreated, now.Add(time.Second))); err != nil {
		t.Fatalf("expected key reuse after archive, got %v", err)
	}
	byKey, err := store.FindByKey("invoice")
	if err != nil || byKey.ID != "b2" {
		t.Fatalf("expected active bundle b2, got %s %v", byKey.ID, err)
	}
	history, _ := store.ListByKey("invoice")
	if len(history) != 2 || history[0].ID != "b1" || history[1].ID != "b2" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestBundleStoreConcurrentInsertSameKey(t *testing.T) {
	store := NewMemoryBundleStore()
	now := time.Now().UTC()
	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "b" + string(rune('a'+i))
			if _, err := store.Save(newBundle(id, "shared", model.StatusCreated, now)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestBundleStoreRevisionConflict(t *testing.T) {
	store := NewMemoryBundleStore()
	saved, err := store.Save(newBundle("b1", "invoice", model.StatusCreated, time.Now().UTC()))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	a, b := saved, saved
	a.Status = model.StatusValidating
	if _, err := store.Save(a); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	b.Status = model.StatusValidating
	if _, err := store.Save(b); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on stale revision, got %v", err)
	}
}

func TestBundleStoreArchiveImmutableAfterCreated(t *testing.T) {
	store := NewMemoryBundleStore()
	saved, err := store.Save(newBundle("b1", "invoice", model.StatusCreated, time.Now().UTC()))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	saved.SetArchive(saved.Manifest, []byte("PK-replacement"), "blake3:new")
	saved, err = store.Save(saved)
	if err != nil {
		t.Fatalf("archive replacement while CREATED must succeed: %v", err)
	}
	saved.Status = model.StatusValid
	saved, err = store.Save(saved)
	if err != nil {
		t.Fatalf("status update failed: %v", err)
	}
	saved.SetArchive(saved.Manifest, []byte("PK-late"), "blake3:late")
	if _, err := store.Save(saved); !errors.Is(err, ErrArchiveImmutable) {
		t.Fatalf("expected ErrArchiveImmutable, got %v", err)
	}
	got, _ := store.FindByID("b1")
	if string(got.Archive) != "PK-replacement" {
		t.Fatalf("unexpected archive after rejected replacement: %q", got.Archive)
	}
	got.Key = "other"
	if _, err := store.Save(got); !errors.Is(err, ErrKeyImmutable) {
		t.Fatalf("expected ErrKeyImmutable, got %v", err)
	}
}

func TestBundleStoreListFilterAndOrder(t *testing.T) {
	store := NewMemoryBundleStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, key := range []string{"a", "b", "c"} {
		b := newBundle("id-"+key, key, model.StatusCreated, base.Add(time.Duration(i)*time.Hour))
		if key == "b" {
			b.Category = "finance"
		}
		if _, err := store.Save(b); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	all, _ := store.List(ports.ListFilter{})
	if len(all) != 3 || all[0].ID != "id-c" || all[2].ID != "id-a" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[0].Archive != nil {
		t.Fatal("list must not carry archive bytes")
	}
	finance, _ := store.List(ports.ListFilter{Category: "FINANCE"})
	if len(finance) != 1 || finance[0].ID != "id-b" {
		t.Fatalf("unexpected category filter result: %+v", finance)
	}
	page, _ := store.List(ports.ListFilter{Offset: 1, Limit: 1})
	if len(page) != 1 || page[0].ID != "id-b" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestBundleStoreDelete(t *testing.T) {
	blobs := NewMemoryBlobStore()
	store, err := NewBundleStore(BundleStoreOptions{Blobs: blobs})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if _, err := store.Save(newBundle("b1", "invoice", model.StatusDeployed, time.Now().UTC())); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.DeleteByID("b1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if blobs.Len() != 0 {
		t.Fatalf("expected archive blob removed, %d left", blobs.Len())
	}
	if err := store.DeleteByID("b1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestBundleStorePersistsAcrossReload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bundles")
	store, err := NewBundleStore(BundleStoreOptions{Dir: dir})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if _, err := store.Save(newBundle("b1", "invoice", model.StatusCreated, time.Now().UTC())); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reloaded, err := NewBundleStore(BundleStoreOptions{Dir: dir})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	got, err := reloaded.FindByID("b1")
	if err != nil {
		t.Fatalf("find after reload failed: %v", err)
	}
	if got.Key != "invoice" || got.Revision != 1 || string(got.Archive) != "PK-archive-b1" {
		t.Fatalf("unexpected reloaded bundle: %+v", got)
	}
}

func TestBundleStoreWithSecretSealsIndexAndArchives(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bundles")
	store, err := NewBundleStore(BundleStoreOptions{Dir: dir, Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if _, err := store.Save(newBundle("b1", "invoice", model.StatusCreated, time.Now().UTC())); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	index, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		t.Fatalf("read index failed: %v", err)
	}
	if strings.Contains(string(index), "invoice") {
		t.Fatal("index must not contain plaintext bundle data")
	}
	blob, err := os.ReadFile(filepath.Join(dir, "archives", blobName("b1", 1)))
	if err != nil {
		t.Fatalf("read archive blob failed: %v", err)
	}
	if bytes.Contains(blob, []byte("PK-archive-b1")) {
		t.Fatal("archive blob must be sealed")
	}

	reloaded, err := NewBundleStore(BundleStoreOptions{Dir: dir, Secret: "test-secret"})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	got, err := reloaded.FindByID("b1")
	if err != nil || string(got.Archive) != "PK-archive-b1" {
		t.Fatalf("unexpected reloaded archive %q %v", got.Archive, err)
	}
	if _, err := NewBundleStore(BundleStoreOptions{Dir: dir, Secret: "wrong"}); err == nil {
		t.Fatal("expected wrong secret to fail loading")
	}
}

func TestBundleStoreSaveRollbackOnPersistError(t *testing.T) {
	dir := t.TempDir()
	indexAsDir := filepath.Join(dir, "index-as-dir")
	if err := os.MkdirAll(indexAsDir, 0o700); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	blobs := NewMemoryBlobStore()
	store := &BundleStore{
		indexPath:   indexAsDir, // directory path forces the rename to fail
		blobs:       blobs,
		blobTimeout: time.Second,
		items:       make(map[string]indexRecord),
	}
	if _, err := store.Save(newBundle("b1", "invoice", model.StatusCreated, time.Now().UTC())); err == nil {
		t.Fatal("expected save error")
	}
	if len(store.items) != 0 {
		t.Fatalf("index must stay unchanged after persist failure, got %d", len(store.items))
	}
	if blobs.Len() != 0 {
		t.Fatalf("archive blob should be cleaned up on persist failure, found %d", blobs.Len())
	}
}
