package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDeploymentCancelled = errors.New("deployment cancelled")
	ErrSourceMissing       = errors.New("artifact source missing from archive")
	ErrFormNotPublished    = errors.New("form is not published")
	// ErrStorageConflict is wrapped by repository errors that reject a write
	// against the stored state.
	ErrStorageConflict     = errors.New("storage conflict")
)

// DuplicateKeyError reports a key already held by a non-archived bundle.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("bundle with key %q already exists", e.Key)
}

type CorruptCode string

const (
	CorruptArchiveUnreadable CorruptCode = "ARCHIVE_UNREADABLE"
	CorruptManifestMissing   CorruptCode = "MANIFEST_MISSING"
	CorruptManifestInvalid   CorruptCode = "MANIFEST_INVALID"
	CorruptEntryUnsafe       CorruptCode = "ENTRY_UNSAFE"
	CorruptArchiveTooLarge   CorruptCode = "ARCHIVE_TOO_LARGE"
	CorruptChecksumMismatch  CorruptCode = "ARCHIVE_CHECKSUM_MISMATCH"
)

// CorruptArchiveError reports an archive that cannot be trusted or decoded.
type CorruptArchiveError struct {
	Code CorruptCode
	Err  error
}

func (e *CorruptArchiveError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return "corrupt archive: " + string(e.Code)
	}
	return fmt.Sprintf("corrupt archive: %s: %v", e.Code, e.Err)
}

func (e *CorruptArchiveError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func CorruptCodeOf(err error) (CorruptCode, bool) {
	var cerr *CorruptArchiveError
	if errors.As(err, &cerr) {
		return cerr.Code, true
	}
	return "", false
}

// ArtifactDeploymentError is the fatal failure of one artifact: a process or
// decision the engine rejected, or any artifact whose deploy was cancelled.
type ArtifactDeploymentError struct {
	Class  ArtifactClass
	Key    string
	Engine string
	Err    error
}

func (e *ArtifactDeploymentError) Error() string {
	return fmt.Sprintf("%s artifact %q rejected by %s: %v", e.Class, e.Key, e.Engine, e.Err)
}

func (e *ArtifactDeploymentError) Unwrap() error {
	return e.Err
}

// FormResolutionWarning records a form that could not be verified. It is
// never fatal.
type FormResolutionWarning struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

func (w FormResolutionWarning) Error() string {
	return fmt.Sprintf("form %q skipped: %s", w.Key, w.Reason)
}

// ValidationError carries the problems found by bundle validation.
type ValidationError struct {
	BundleID string
	Issues   []ValidationIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "bundle validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return "bundle validation failed: " + strings.Join(parts, "; ")
}

// DeploymentFailedError is returned by deploy when any fatal failure occurred.
// Result still lists everything that was deployed before the failure.
type DeploymentFailedError struct {
	BundleID     string
	DeploymentID string
	Result       DeploymentResult
	Err          error
}

func (e *DeploymentFailedError) Error() string {
	return fmt.Sprintf("deployment %s of bundle %s failed: %v", e.DeploymentID, e.BundleID, e.Err)
}

func (e *DeploymentFailedError) Unwrap() error {
	return e.Err
}

// VersionConflictError rejects reuse of an archived key with an unusable version.
type VersionConflictError struct {
	Key     string
	Version string
	Latest  string
	Reason  string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version %q for key %q conflicts with archived version %q: %s", e.Version, e.Key, e.Latest, e.Reason)
}
