package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
	"workflow-bundles/go-backend/internal/domains/bundle/ports"
	"workflow-bundles/go-backend/internal/securestore"
)

var (
	ErrConflict                 = fmt.Errorf("%w: bundle was modified concurrently", model.ErrStorageConflict)
	ErrArchiveImmutable         = fmt.Errorf("%w: bundle archive can only change while CREATED", model.ErrStorageConflict)
	ErrKeyImmutable             = fmt.Errorf("%w: bundle key cannot change", model.ErrStorageConflict)
	ErrUnsupportedStorageSchema = errors.New("unsupported storage schema version")
)

const (
	bundleIndexSchemaVersion = 1
	defaultBlobTimeout       = 30 * time.Second
	indexSealLabel           = "bundle-index"
)

type BundleStoreOptions struct {
	// Dir holds index.json and, unless Blobs is set, the archives.
	// Empty keeps the index in memory.
	Dir         string
	Secret      string
	Blobs       BlobStore
	BlobTimeout time.Duration
}

// indexRecord is the persisted form of one bundle. Archive bytes live in the
// blob store under Blob.
type indexRecord struct {
	Bundle model.Bundle `json:"bundle"`
	Blob   string       `json:"blob"`
}

// BundleStore is the BundleRepository backed by a JSON index and a BlobStore.
type BundleStore struct {
	mu          sync.RWMutex
	indexPath   string
	blobs       BlobStore
	sealer      *securestore.Sealer
	blobTimeout time.Duration
	items       map[string]indexRecord
}

var _ ports.BundleRepository = (*BundleStore)(nil)

func NewMemoryBundleStore() *BundleStore {
	s, _ := NewBundleStore(BundleStoreOptions{})
	return s
}

func NewBundleStore(opts BundleStoreOptions) (*BundleStore, error) {
	s := &BundleStore{
		blobs:       opts.Blobs,
		blobTimeout: opts.BlobTimeout,
		items:       make(map[string]indexRecord),
	}
	if s.blobTimeout <= 0 {
		s.blobTimeout = defaultBlobTimeout
	}
	if secret := strings.TrimSpace(opts.Secret); secret != "" {
		sealer, err := securestore.NewSealer(secret)
		if err != nil {
			return nil, err
		}
		s.sealer = sealer
	}
	dir := strings.TrimSpace(opts.Dir)
	if s.blobs == nil {
		if dir == "" {
			s.blobs = NewMemoryBlobStore()
		} else {
			s.blobs = NewFileBlobStore(filepath.Join(dir, "archives"))
		}
	}
	if dir != "" {
		s.indexPath = filepath.Join(dir, "index.json")
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Save inserts a new bundle (Revision 0) or updates an existing one. Updates
// must carry the revision they read. The key check and insert share one
// critical section.
func (s *BundleStore) Save(b model.Bundle) (model.Bundle, error) {
	if strings.TrimSpace(b.ID) == "" {
		return model.Bundle{}, errors.New("bundle id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[b.ID]
	if !ok {
		return s.insertLocked(b)
	}
	return s.updateLocked(existing, b)
}

func (s *BundleStore) insertLocked(b model.Bundle) (model.Bundle, error) {
	if b.Revision != 0 {
		return model.Bundle{}, ErrConflict
	}
	if len(b.Archive) == 0 {
		return model.Bundle{}, errors.New("bundle archive is empty")
	}
	if b.Status != model.StatusArchived {
		if _, held := s.activeByKeyLocked(b.Key); held {
			return model.Bundle{}, &model.DuplicateKeyError{Key: b.Key}
		}
	}
	b.Size = int64(len(b.Archive))
	b.Revision = 1
	rec := indexRecord{Bundle: b.Meta(), Blob: blobName(b.ID, b.Revision)}
	if err := s.putBlob(rec.Blob, b.ID, b.Archive); err != nil {
		return model.Bundle{}, err
	}
	next := cloneRecords(s.items)
	next[b.ID] = rec
	if err := s.persistLocked(next); err != nil {
		s.deleteBlob(rec.Blob)
		return model.Bundle{}, err
	}
	s.items = next
	return b.Clone(), nil
}

func (s *BundleStore) updateLocked(existing indexRecord, b model.Bundle) (model.Bundle, error) {
	prev := existing.Bundle
	if b.Revision != prev.Revision {
		return model.Bundle{}, ErrConflict
	}
	if b.Key != prev.Key {
		return model.Bundle{}, ErrKeyImmutable
	}

	rec := indexRecord{Blob: existing.Blob}
	archiveChanged := b.Archive != nil && (b.Checksum != prev.Checksum || int64(len(b.Archive)) != prev.Size)
	if archiveChanged {
		if prev.Status != model.StatusCreated {
			return model.Bundle{}, ErrArchiveImmutable
		}
		if len(b.Archive) == 0 {
			return model.Bundle{}, errors.New("bundle archive is empty")
		}
		b.Size = int64(len(b.Archive))
	} else {
		b.Size = prev.Size
		b.Checksum = prev.Checksum
		b.Manifest = prev.Manifest
	}
	b.CreatedAt = prev.CreatedAt
	b.CreatedBy = prev.CreatedBy
	b.Revision = prev.Revision + 1

	if archiveChanged {
		rec.Blob = blobName(b.ID, b.Revision)
		if err := s.putBlob(rec.Blob, b.ID, b.Archive); err != nil {
			return model.Bundle{}, err
		}
	}
	rec.Bundle = b.Meta()
	next := cloneRecords(s.items)
	next[b.ID] = rec
	if err := s.persistLocked(next); err != nil {
		if archiveChanged {
			s.deleteBlob(rec.Blob)
		}
		return model.Bundle{}, err
	}
	s.items = next
	if archiveChanged {
		s.deleteBlob(existing.Blob)
	}
	return b.Clone(), nil
}

// FindByID returns the bundle with a private copy of its archive.
func (s *BundleStore) FindByID(id string) (model.Bundle, error) {
	s.mu.RLock()
	rec, ok := s.items[strings.TrimSpace(id)]
	s.mu.RUnlock()
	if !ok {
		return model.Bundle{}, model.ErrNotFound
	}
	archive, err := s.getBlob(rec.Blob, rec.Bundle.ID)
	if err != nil {
		return model.Bundle{}, fmt.Errorf("load archive of bundle %s: %w", rec.Bundle.ID, err)
	}
	out := rec.Bundle.Clone()
	out.Archive = archive
	return out, nil
}

// FindByKey returns the non-archived bundle holding key.
func (s *BundleStore) FindByKey(key string) (model.Bundle, error) {
	s.mu.RLock()
	rec, ok := s.activeByKeyLocked(strings.TrimSpace(key))
	s.mu.RUnlock()
	if !ok {
		return model.Bundle{}, model.ErrNotFound
	}
	return s.FindByID(rec.Bundle.ID)
}

func (s *BundleStore) ExistsByKey(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.activeByKeyLocked(strings.TrimSpace(key))
	return ok, nil
}

func (s *BundleStore) DeleteByID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[strings.TrimSpace(id)]
	if !ok {
		return model.ErrNotFound
	}
	next := cloneRecords(s.items)
	delete(next, rec.Bundle.ID)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.items = next
	s.deleteBlob(rec.Blob)
	return nil
}

// List returns bundle metadata, newest first, without archive bytes.
func (s *BundleStore) List(filter ports.ListFilter) ([]model.Bundle, error) {
	s.mu.RLock()
	out := make([]model.Bundle, 0, len(s.items))
	for _, rec := range s.items {
		if filter.Status != "" && rec.Bundle.Status != filter.Status {
			continue
		}
		if filter.Category != "" && !strings.EqualFold(rec.Bundle.Category, filter.Category) {
			continue
		}
		out = append(out, rec.Bundle.Meta())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []model.Bundle{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListByKey returns every bundle ever stored under key, oldest first.
func (s *BundleStore) ListByKey(key string) ([]model.Bundle, error) {
	key = strings.TrimSpace(key)
	s.mu.RLock()
	out := make([]model.Bundle, 0)
	for _, rec := range s.items {
		if rec.Bundle.Key == key {
			out = append(out, rec.Bundle.Meta())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *BundleStore) activeByKeyLocked(key string) (indexRecord, bool) {
	for _, rec := range s.items {
		if rec.Bundle.Key == key && rec.Bundle.Status != model.StatusArchived {
			return rec, true
		}
	}
	return indexRecord{}, false
}

func (s *BundleStore) putBlob(name, id string, archive []byte) error {
	data := archive
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(archiveSealLabel(id), archive)
		if err != nil {
			return err
		}
		data = sealed
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.blobTimeout)
	defer cancel()
	return s.blobs.Put(ctx, name, data)
}

func (s *BundleStore) getBlob(name, id string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.blobTimeout)
	defer cancel()
	data, err := s.blobs.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if securestore.IsSealed(data) {
		if s.sealer == nil {
			return nil, errors.New("archive is sealed but no storage secret is configured")
		}
		return s.sealer.Open(archiveSealLabel(id), data)
	}
	// Plaintext archives written before a secret was configured still load.
	return data, nil
}

func (s *BundleStore) deleteBlob(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.blobTimeout)
	defer cancel()
	_ = s.blobs.Delete(ctx, name)
}

func (s *BundleStore) load() error {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	indexWasPlain := false
	if securestore.IsSealed(data) {
		if s.sealer == nil {
			return errors.New("bundle index is sealed but no storage secret is configured")
		}
		plain, err := s.sealer.Open(indexSealLabel, data)
		if err != nil {
			return err
		}
		data = plain
	} else if s.sealer != nil {
		indexWasPlain = true
	}

	var payload struct {
		SchemaVersion int                    `json:"schema_version"`
		Items         map[string]indexRecord `json:"items"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if payload.SchemaVersion > bundleIndexSchemaVersion {
		return fmt.Errorf("%w: bundles=%d current=%d", ErrUnsupportedStorageSchema, payload.SchemaVersion, bundleIndexSchemaVersion)
	}
	if payload.Items != nil {
		s.items = payload.Items
	}
	if indexWasPlain {
		return s.persistLocked(s.items)
	}
	return nil
}

func (s *BundleStore) persistLocked(items map[string]indexRecord) error {
	if s.indexPath == "" {
		return nil
	}
	payload := struct {
		SchemaVersion int                    `json:"schema_version"`
		Items         map[string]indexRecord `json:"items"`
	}{
		SchemaVersion: bundleIndexSchemaVersion,
		Items:         items,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if s.sealer != nil {
		data, err = s.sealer.Seal(indexSealLabel, data)
		if err != nil {
			return err
		}
	}
	return securestore.WriteFileAtomic(s.indexPath, data, 0o600)
}

func blobName(id string, revision int64) string {
	return fmt.Sprintf("%s.r%d.zip", id, revision)
}

func archiveSealLabel(id string) string {
	return "bundle-archive/" + id
}

func cloneRecords(in map[string]indexRecord) map[string]indexRecord {
	out := make(map[string]indexRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
