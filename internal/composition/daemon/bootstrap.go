package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"workflow-bundles/go-backend/internal/archive"
	"workflow-bundles/go-backend/internal/config"
	"workflow-bundles/go-backend/internal/domains/bundle/usecase"
	"workflow-bundles/go-backend/internal/domains/contracts"
	"workflow-bundles/go-backend/internal/engineclient"
	"workflow-bundles/go-backend/internal/metrics"
	"workflow-bundles/go-backend/internal/platform/privacylog"
	"workflow-bundles/go-backend/internal/platform/ratelimiter"
)

const engineLimiterIdleTTL = 10 * time.Minute

// NewLogger returns the JSON logger every component shares. Secrets and actor
// identifiers are sanitized before they reach w.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(handler))
}

// BuildService wires storage, the archive codec, the engine clients and the
// dispatcher into the bundle lifecycle service.
func BuildService(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*usecase.Service, error) {
	secret, err := StorageSecret(cfg.Storage.Secret, cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	store, err := BuildBundleStore(ctx, cfg.Storage, secret)
	if err != nil {
		return nil, fmt.Errorf("open bundle store: %w", err)
	}

	engines, err := buildEngines(cfg.Engines)
	if err != nil {
		return nil, err
	}
	compensation, err := usecase.ParseCompensationPolicy(cfg.Engines.Compensation)
	if err != nil {
		return nil, err
	}
	dispatcherCfg := usecase.DispatcherConfig{
		CallTimeout:  cfg.Engines.CallTimeout,
		Compensation: compensation,
		Recorder:     m,
		Logger:       logger,
	}
	if limiter := ratelimiter.New(cfg.Engines.Limit.RPS, cfg.Engines.Limit.Burst, engineLimiterIdleTTL); limiter != nil {
		dispatcherCfg.Limiter = limiter
	}

	return usecase.NewService(usecase.ServiceDeps{
		Repository:     store,
		Codec:          archive.NewCodec(archive.Limits{MaxEntries: cfg.Archive.MaxEntries, MaxUncompressedBytes: cfg.Archive.MaxUncompressedBytes}),
		Processes:      engines.workflow,
		Decisions:      engines.decision,
		Forms:          engines.forms,
		Dispatcher:     usecase.NewDispatcher(engines.workflow, engines.decision, engines.forms, dispatcherCfg),
		Logger:         logger,
		NewID:          uuid.NewString,
		TrackOperation: m.TrackOperation,
		RecordError: func(err error) {
			m.RecordError(contracts.ErrorCategory(err))
		},
		ObserveDeploy: m.ObserveDeploy,
	}), nil
}

type engineSet struct {
	workflow *engineclient.RepositoryClient
	decision *engineclient.RepositoryClient
	forms    *engineclient.FormRegistryClient
}

func buildEngines(cfg config.EnginesConfig) (engineSet, error) {
	// Per-call deadlines come from the dispatcher; the client timeout only
	// bounds source exports during create.
	httpClient := &http.Client{Timeout: 2 * cfg.CallTimeout}
	workflow, err := engineclient.NewWorkflowEngine(engineclient.Options{BaseURL: cfg.WorkflowURL, HTTPClient: httpClient, Token: cfg.Token})
	if err != nil {
		return engineSet{}, fmt.Errorf("workflow engine: %w", err)
	}
	decision, err := engineclient.NewDecisionEngine(engineclient.Options{BaseURL: cfg.DecisionURL, HTTPClient: httpClient, Token: cfg.Token})
	if err != nil {
		return engineSet{}, fmt.Errorf("decision engine: %w", err)
	}
	forms, err := engineclient.NewFormRegistry(engineclient.Options{BaseURL: cfg.FormsURL, HTTPClient: httpClient, Token: cfg.Token})
	if err != nil {
		return engineSet{}, fmt.Errorf("form registry: %w", err)
	}
	return engineSet{workflow: workflow, decision: decision, forms: forms}, nil
}
