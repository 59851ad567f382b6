package policy

import (
	"strings"
	"time"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
)

const (
	processFileExt  = ".bpmn20.xml"
	decisionFileExt = ".dmn"
	formFileExt     = ".json"
)

// ArtifactPath returns the conventional archive path for an artifact key.
func ArtifactPath(class model.ArtifactClass, key string) string {
	switch class {
	case model.ClassProcesses:
		return "processes/" + key + processFileExt
	case model.ClassDecisions:
		return "decisions/" + key + decisionFileExt
	case model.ClassForms:
		return "forms/" + key + formFileExt
	default:
		return ""
	}
}

// ArtifactFileName is the bare file name sent to engines for an artifact.
func ArtifactFileName(class model.ArtifactClass, key string) string {
	path := ArtifactPath(class, key)
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// BuildManifest derives the artifact inventory from a creation request.
// It performs no I/O and is deterministic for a given request and createdAt.
func BuildManifest(req model.CreateRequest, createdAt time.Time) model.Manifest {
	manifest := model.Manifest{
		ID:          strings.TrimSpace(req.Key),
		Name:        strings.TrimSpace(req.Name),
		Version:     strings.TrimSpace(req.Version),
		Description: req.Description,
		Author:      req.Author,
		CreatedDate: createdAt.UTC(),
		Artifacts: model.Artifacts{
			Processes: buildRefs(model.ClassProcesses, req.ProcessDefinitionIDs),
			Decisions: buildRefs(model.ClassDecisions, req.DecisionDefinitionIDs),
			Forms:     buildRefs(model.ClassForms, req.FormKeys),
		},
		Metadata: make(map[string]any, len(req.Metadata)),
	}
	for k, v := range req.Metadata {
		manifest.Metadata[k] = v
	}
	// Category travels in metadata so an exported archive keeps it on import.
	if category := strings.TrimSpace(req.Category); category != "" {
		if _, ok := manifest.Metadata["category"]; !ok {
			manifest.Metadata["category"] = category
		}
	}
	return manifest
}

func buildRefs(class model.ArtifactClass, ids []string) []model.ArtifactRef {
	out := make([]model.ArtifactRef, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		key := strings.TrimSpace(raw)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, model.ArtifactRef{Key: key, File: ArtifactPath(class, key)})
	}
	return out
}
