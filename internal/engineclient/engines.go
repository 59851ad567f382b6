package engineclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
	"workflow-bundles/go-backend/internal/domains/bundle/ports"
)

const (
	processDefinitionsPath  = "/api/v1/repository/process-definitions/key"
	decisionDefinitionsPath = "/api/v1/repository/decision-definitions/key"
	latestFormPath          = "/api/v1/forms/key"
)

// RepositoryClient talks to an engine exposing the repository deployment API.
// The workflow engine and the decision engine differ only in the definitions
// path used for export.
type RepositoryClient struct {
	base            baseClient
	definitionsPath string
}

var (
	_ ports.ProcessEngine  = (*RepositoryClient)(nil)
	_ ports.DecisionEngine = (*RepositoryClient)(nil)
	_ ports.Undeployer     = (*RepositoryClient)(nil)
)

func NewWorkflowEngine(opts Options) (*RepositoryClient, error) {
	base, err := newBaseClient(opts)
	if err != nil {
		return nil, fmt.Errorf("workflow engine: %w", err)
	}
	return &RepositoryClient{base: base, definitionsPath: processDefinitionsPath}, nil
}

func NewDecisionEngine(opts Options) (*RepositoryClient, error) {
	base, err := newBaseClient(opts)
	if err != nil {
		return nil, fmt.Errorf("decision engine: %w", err)
	}
	return &RepositoryClient{base: base, definitionsPath: decisionDefinitionsPath}, nil
}

func (c *RepositoryClient) Deploy(ctx context.Context, label, fileName string, content []byte) (string, error) {
	return c.base.deploy(ctx, label, fileName, content)
}

// ExportDefinition returns the XML source of the latest definition with key.
func (c *RepositoryClient) ExportDefinition(ctx context.Context, key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("definition key is required")
	}
	return c.base.getBytes(ctx, c.base.endpoint(c.definitionsPath, key, "xml"))
}

func (c *RepositoryClient) Undeploy(ctx context.Context, deploymentID string) error {
	return c.base.undeploy(ctx, deploymentID)
}

type FormRegistryClient struct {
	base baseClient
}

var _ ports.FormRegistry = (*FormRegistryClient)(nil)

func NewFormRegistry(opts Options) (*FormRegistryClient, error) {
	base, err := newBaseClient(opts)
	if err != nil {
		return nil, fmt.Errorf("form registry: %w", err)
	}
	return &FormRegistryClient{base: base}, nil
}

func (c *FormRegistryClient) GetLatestPublished(ctx context.Context, key string) (model.FormSchema, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return model.FormSchema{}, errors.New("form key is required")
	}
	data, err := c.base.getBytes(ctx, c.base.endpoint(latestFormPath, key, "latest"))
	if err != nil {
		return model.FormSchema{}, err
	}
	var form model.FormSchema
	if err := json.Unmarshal(data, &form); err != nil {
		return model.FormSchema{}, fmt.Errorf("decode form %q: %w", key, err)
	}
	if strings.TrimSpace(form.Key) == "" {
		form.Key = key
	}
	return form, nil
}
