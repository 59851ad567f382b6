package model

import (
	"errors"
	"strings"
	"time"
)

// ManifestFileName is the archive entry holding the manifest.
const ManifestFileName = "manifest.json"

type ArtifactClass string

const (
	ClassProcesses ArtifactClass = "processes"
	ClassDecisions ArtifactClass = "decisions"
	ClassForms     ArtifactClass = "forms"
)

// DeployOrder is the fixed class order used when deploying a bundle.
// Decisions and forms may reference processes by key, so processes go first.
var DeployOrder = []ArtifactClass{ClassProcesses, ClassDecisions, ClassForms}

var ErrUnknownArtifactClass = errors.New("unknown artifact class")

func (c ArtifactClass) Valid() bool {
	switch c {
	case ClassProcesses, ClassDecisions, ClassForms:
		return true
	default:
		return false
	}
}

func ParseArtifactClass(raw string) (ArtifactClass, error) {
	class := ArtifactClass(strings.ToLower(strings.TrimSpace(raw)))
	if !class.Valid() {
		return "", ErrUnknownArtifactClass
	}
	return class, nil
}

// ArtifactRef points at one artifact file inside the archive.
type ArtifactRef struct {
	Key  string `json:"key"`
	File string `json:"file"`
}

type Artifacts struct {
	Processes []ArtifactRef `json:"processes"`
	Decisions []ArtifactRef `json:"decisions"`
	Forms     []ArtifactRef `json:"forms"`
}

// Manifest is the inventory written as manifest.json at the archive root.
type Manifest struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Author      string         `json:"author"`
	CreatedDate time.Time      `json:"createdDate"`
	Artifacts   Artifacts      `json:"artifacts"`
	Metadata    map[string]any `json:"metadata"`
}

// Entries returns the artifact list of one class in manifest order.
func (m Manifest) Entries(class ArtifactClass) []ArtifactRef {
	switch class {
	case ClassProcesses:
		return m.Artifacts.Processes
	case ClassDecisions:
		return m.Artifacts.Decisions
	case ClassForms:
		return m.Artifacts.Forms
	default:
		return nil
	}
}

// Counts returns the number of artifacts per class.
func (m Manifest) Counts() map[ArtifactClass]int {
	return map[ArtifactClass]int{
		ClassProcesses: len(m.Artifacts.Processes),
		ClassDecisions: len(m.Artifacts.Decisions),
		ClassForms:     len(m.Artifacts.Forms),
	}
}

func (m Manifest) TotalArtifacts() int {
	return len(m.Artifacts.Processes) + len(m.Artifacts.Decisions) + len(m.Artifacts.Forms)
}

// Paths lists every referenced file path, processes first.
func (m Manifest) Paths() []string {
	out := make([]string, 0, m.TotalArtifacts())
	for _, class := range DeployOrder {
		for _, ref := range m.Entries(class) {
			out = append(out, ref.File)
		}
	}
	return out
}

// Normalize replaces nil collections with empty ones so the manifest
// serializes with [] and {} rather than null.
func (m Manifest) Normalize() Manifest {
	if m.Artifacts.Processes == nil {
		m.Artifacts.Processes = []ArtifactRef{}
	}
	if m.Artifacts.Decisions == nil {
		m.Artifacts.Decisions = []ArtifactRef{}
	}
	if m.Artifacts.Forms == nil {
		m.Artifacts.Forms = []ArtifactRef{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return m
}
