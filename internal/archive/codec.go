package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
	"workflow-bundles/go-backend/internal/domains/bundle/policy"
	"workflow-bundles/go-backend/internal/domains/bundle/ports"
)

const (
	DefaultMaxEntries           = 1024
	DefaultMaxUncompressedBytes = 64 << 20
)

// zip cannot represent times before 1980.
var minModTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

type Limits struct {
	MaxEntries           int
	MaxUncompressedBytes int64
}

func DefaultLimits() Limits {
	return Limits{MaxEntries: DefaultMaxEntries, MaxUncompressedBytes: DefaultMaxUncompressedBytes}
}

// Codec is the zip implementation of ports.ArchiveCodec.
type Codec struct {
	limits Limits
}

var _ ports.ArchiveCodec = (*Codec)(nil)

func NewCodec(limits Limits) *Codec {
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = DefaultMaxEntries
	}
	if limits.MaxUncompressedBytes <= 0 {
		limits.MaxUncompressedBytes = DefaultMaxUncompressedBytes
	}
	return &Codec{limits: limits}
}

func (c *Codec) Digest(archive []byte) string {
	return Digest(archive)
}

func (c *Codec) Verify(archive []byte, checksum string) error {
	return VerifyDigest(archive, checksum)
}

// Pack writes manifest.json followed by the artifact files in manifest order
// and then any extra files sorted by path. Entries with nil content are
// skipped. Every entry carries the manifest creation time, so equal inputs
// give equal bytes.
func (c *Codec) Pack(manifest model.Manifest, files map[string][]byte) ([]byte, error) {
	manifest = manifest.Normalize()
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	modTime := manifest.CreatedDate.UTC().Truncate(time.Second)
	if modTime.Before(minModTime) {
		modTime = minModTime
	}

	order := make([]string, 0, len(files))
	written := make(map[string]struct{}, len(files)+1)
	written[model.ManifestFileName] = struct{}{}
	for _, p := range manifest.Paths() {
		if _, ok := written[p]; ok {
			continue
		}
		if data, ok := files[p]; ok && data != nil {
			order = append(order, p)
			written[p] = struct{}{}
		}
	}
	extras := make([]string, 0)
	for p, data := range files {
		if _, ok := written[p]; ok || data == nil {
			continue
		}
		extras = append(extras, p)
	}
	sort.Strings(extras)
	order = append(order, extras...)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if err := writeEntry(zw, model.ManifestFileName, manifestJSON, modTime); err != nil {
		return nil, err
	}
	for _, p := range order {
		if !policy.SafeArchivePath(p) {
			return nil, &model.CorruptArchiveError{Code: model.CorruptEntryUnsafe, Err: fmt.Errorf("entry %q", p)}
		}
		if err := writeEntry(zw, p, files[p], modTime); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, name string, data []byte, modTime time.Time) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modTime,
	})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// Unpack decodes an archive. Paths the manifest references but the archive
// does not contain are reported in Missing rather than failing.
func (c *Codec) Unpack(archive []byte) (ports.Unpacked, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		// A reader returned with an error means the names were rejected as insecure.
		if zr != nil {
			return ports.Unpacked{}, &model.CorruptArchiveError{Code: model.CorruptEntryUnsafe, Err: err}
		}
		return ports.Unpacked{}, &model.CorruptArchiveError{Code: model.CorruptArchiveUnreadable, Err: err}
	}
	if len(zr.File) > c.limits.MaxEntries {
		return ports.Unpacked{}, &model.CorruptArchiveError{
			Code: model.CorruptArchiveTooLarge,
			Err:  fmt.Errorf("%d entries exceed limit %d", len(zr.File), c.limits.MaxEntries),
		}
	}

	files := make(map[string][]byte, len(zr.File))
	remaining := c.limits.MaxUncompressedBytes
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		if !policy.SafeArchivePath(f.Name) {
			return ports.Unpacked{}, &model.CorruptArchiveError{Code: model.CorruptEntryUnsafe, Err: fmt.Errorf("entry %q", f.Name)}
		}
		if _, dup := files[f.Name]; dup {
			return ports.Unpacked{}, &model.CorruptArchiveError{Code: model.CorruptEntryUnsafe, Err: fmt.Errorf("duplicate entry %q", f.Name)}
		}
		data, err := readEntry(f, remaining)
		if err != nil {
			return ports.Unpacked{}, err
		}
		remaining -= int64(len(data))
		files[f.Name] = data
	}

	raw, ok := files[model.ManifestFileName]
	if !ok {
		return ports.Unpacked{}, &model.CorruptArchiveError{Code: model.CorruptManifestMissing}
	}
	var manifest model.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ports.Unpacked{}, &model.CorruptArchiveError{Code: model.CorruptManifestInvalid, Err: err}
	}
	if strings.TrimSpace(manifest.ID) == "" {
		return ports.Unpacked{}, &model.CorruptArchiveError{Code: model.CorruptManifestInvalid, Err: errors.New("manifest id is empty")}
	}
	manifest = manifest.Normalize()

	var missing []string
	for _, p := range manifest.Paths() {
		if _, ok := files[p]; !ok {
			missing = append(missing, p)
		}
	}
	return ports.Unpacked{Manifest: manifest, Files: files, Missing: missing}, nil
}

func readEntry(f *zip.File, budget int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, &model.CorruptArchiveError{Code: model.CorruptArchiveUnreadable, Err: fmt.Errorf("open %s: %w", f.Name, err)}
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, budget+1))
	if err != nil {
		return nil, &model.CorruptArchiveError{Code: model.CorruptArchiveUnreadable, Err: fmt.Errorf("read %s: %w", f.Name, err)}
	}
	if int64(len(data)) > budget {
		return nil, &model.CorruptArchiveError{
			Code: model.CorruptArchiveTooLarge,
			Err:  fmt.Errorf("uncompressed content exceeds the archive size limit at %s", f.Name),
		}
	}
	return data, nil
}
