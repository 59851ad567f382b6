package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidBundleKey     = errors.New("bundle key is required")
	ErrInvalidBundleName    = errors.New("bundle name is required")
	ErrInvalidBundleVersion = errors.New("bundle version is required")
)

// Bundle is the unit of packaging and deployment.
type Bundle struct {
	ID              string     `json:"id"`
	Key             string     `json:"key"`
	Name            string     `json:"name"`
	Version         string     `json:"version"`
	Description     string     `json:"description,omitempty"`
	Author          string     `json:"author,omitempty"`
	Category        string     `json:"category,omitempty"`
	Manifest        Manifest   `json:"manifest"`
	Archive         []byte     `json:"-"`
	Size            int64      `json:"size"`
	Checksum        string     `json:"checksum"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DeployedAt      *time.Time `json:"deployed_at,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
	DeploymentID    string     `json:"deployment_id,omitempty"`
	DeploymentName  string     `json:"deployment_name,omitempty"`
	DeploymentError string     `json:"deployment_error,omitempty"`
	Revision        int64      `json:"revision"`
}

// SetArchive stores archive bytes together with the manifest they encode.
// Size is always derived from the archive length.
func (b *Bundle) SetArchive(manifest Manifest, archive []byte, checksum string) {
	b.Manifest = manifest
	b.Archive = archive
	b.Size = int64(len(archive))
	b.Checksum = checksum
}

// Apply moves the bundle along one lifecycle edge.
func (b *Bundle) Apply(event Event, now time.Time) error {
	next, err := Transition(b.Status, event)
	if err != nil {
		return err
	}
	b.Status = next
	b.UpdatedAt = now
	return nil
}

// Clone returns a deep copy safe to hand across the storage boundary.
func (b Bundle) Clone() Bundle {
	out := b
	out.Archive = append([]byte(nil), b.Archive...)
	if b.DeployedAt != nil {
		at := *b.DeployedAt
		out.DeployedAt = &at
	}
	out.Manifest = cloneManifest(b.Manifest)
	return out
}

// Meta returns a copy without archive bytes.
func (b Bundle) Meta() Bundle {
	out := b.Clone()
	out.Archive = nil
	return out
}

func (b Bundle) ArchiveFileName() string {
	return b.Key + "-" + b.Version + ".zip"
}

func cloneManifest(m Manifest) Manifest {
	out := m
	out.Artifacts.Processes = append([]ArtifactRef(nil), m.Artifacts.Processes...)
	out.Artifacts.Decisions = append([]ArtifactRef(nil), m.Artifacts.Decisions...)
	out.Artifacts.Forms = append([]ArtifactRef(nil), m.Artifacts.Forms...)
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CreateRequest names the artifacts to include in a new bundle.
type CreateRequest struct {
	Key                   string         `json:"bundle_key"`
	Name                  string         `json:"bundle_name"`
	Version               string         `json:"version"`
	Description           string         `json:"description,omitempty"`
	Author                string         `json:"author,omitempty"`
	Category              string         `json:"category,omitempty"`
	ProcessDefinitionIDs  []string       `json:"process_definition_ids,omitempty"`
	DecisionDefinitionIDs []string       `json:"decision_definition_ids,omitempty"`
	FormKeys              []string       `json:"form_keys,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return ErrInvalidBundleKey
	}
	if strings.TrimSpace(r.Name) == "" {
		return ErrInvalidBundleName
	}
	if strings.TrimSpace(r.Version) == "" {
		return ErrInvalidBundleVersion
	}
	return nil
}

// Summary is the listing view of a bundle.
type Summary struct {
	ID             string                `json:"id"`
	Key            string                `json:"key"`
	Name           string                `json:"name"`
	Version        string                `json:"version"`
	Description    string                `json:"description,omitempty"`
	Author         string                `json:"author,omitempty"`
	Category       string                `json:"category,omitempty"`
	Status         Status                `json:"status"`
	Size           int64                 `json:"bundle_size"`
	ArtifactCount  int                   `json:"artifact_count"`
	ArtifactCounts map[ArtifactClass]int `json:"artifact_counts"`
	Metadata       map[string]any        `json:"metadata,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	DeployedAt     *time.Time            `json:"deployed_at,omitempty"`
	CreatedBy      string                `json:"created_by,omitempty"`
	DeploymentID   string                `json:"deployment_id,omitempty"`
}

func Summarize(b Bundle) Summary {
	return Summary{
		ID:             b.ID,
		Key:            b.Key,
		Name:           b.Name,
		Version:        b.Version,
		Description:    b.Description,
		Author:         b.Author,
		Category:       b.Category,
		Status:         b.Status,
		Size:           b.Size,
		ArtifactCount:  b.Manifest.TotalArtifacts(),
		ArtifactCounts: b.Manifest.Counts(),
		Metadata:       b.Manifest.Metadata,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
		DeployedAt:     b.DeployedAt,
		CreatedBy:      b.CreatedBy,
		DeploymentID:   b.DeploymentID,
	}
}

// FormSchema is the published form as returned by the form registry.
type FormSchema struct {
	Key       string          `json:"key"`
	Name      string          `json:"name,omitempty"`
	Version   int             `json:"version"`
	Published bool            `json:"published"`
	Schema    json.RawMessage `json:"schema"`
}

// ArchiveDownload carries stored archive bytes and the suggested file name.
type ArchiveDownload struct {
	FileName string `json:"file_name"`
	Data     []byte `json:"data"`
}
