package archive

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
)

const digestPrefix = "blake3:"

// Digest returns the content checksum stored alongside an archive.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// VerifyDigest checks data against a checksum produced by Digest. An empty
// checksum is accepted so bundles written before checksums existed still load.
func VerifyDigest(data []byte, checksum string) error {
	checksum = strings.TrimSpace(checksum)
	if checksum == "" {
		return nil
	}
	if !strings.HasPrefix(checksum, digestPrefix) {
		return &model.CorruptArchiveError{
			Code: model.CorruptChecksumMismatch,
			Err:  fmt.Errorf("unsupported checksum format %q", checksum),
		}
	}
	if got := Digest(data); got != checksum {
		return &model.CorruptArchiveError{
			Code: model.CorruptChecksumMismatch,
			Err:  fmt.Errorf("expected %s, got %s", checksum, got),
		}
	}
	return nil
}
