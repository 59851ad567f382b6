package ports

import (
	"context"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
)

// ProcessEngine is the workflow engine that owns process definitions.
type ProcessEngine interface {
	Deploy(ctx context.Context, label, fileName string, content []byte) (string, error)
	ExportDefinition(ctx context.Context, key string) ([]byte, error)
}

// DecisionEngine is the rules engine that owns decision tables.
type DecisionEngine interface {
	Deploy(ctx context.Context, label, fileName string, content []byte) (string, error)
	ExportDefinition(ctx context.Context, key string) ([]byte, error)
}

// FormRegistry resolves the latest published form by key.
type FormRegistry interface {
	GetLatestPublished(ctx context.Context, key string) (model.FormSchema, error)
}

// Undeployer is implemented by engines able to remove a deployment. It is
// only used when the rollback compensation policy is active.
type Undeployer interface {
	Undeploy(ctx context.Context, deploymentID string) error
}

// BundleRepository persists bundles. Implementations must reject a Save of a
// new bundle whose key is held by a non-archived bundle, atomically.
type BundleRepository interface {
	Save(bundle model.Bundle) (model.Bundle, error)
	FindByID(id string) (model.Bundle, error)
	FindByKey(key string) (model.Bundle, error)
	ExistsByKey(key string) (bool, error)
	DeleteByID(id string) error
	List(filter ListFilter) ([]model.Bundle, error)
	ListByKey(key string) ([]model.Bundle, error)
}

type ListFilter struct {
	Status   model.Status
	Category string
	Limit    int
	Offset   int
}

// Unpacked is a decoded archive.
type Unpacked struct {
	Manifest model.Manifest
	Files    map[string][]byte
	Missing  []string
}

// ArchiveCodec packs and unpacks the zip wire format.
type ArchiveCodec interface {
	Pack(manifest model.Manifest, files map[string][]byte) ([]byte, error)
	Unpack(archive []byte) (Unpacked, error)
	Digest(archive []byte) string
	// Verify fails with a *model.CorruptArchiveError when archive does not
	// match checksum. An empty checksum always verifies.
	Verify(archive []byte, checksum string) error
}

