package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
	"workflow-bundles/go-backend/internal/domains/bundle/policy"
	"workflow-bundles/go-backend/internal/domains/bundle/ports"
	"workflow-bundles/go-backend/internal/domains/contracts"
)

type ServiceDeps struct {
	Repository ports.BundleRepository
	Codec      ports.ArchiveCodec
	Processes  ports.ProcessEngine
	Decisions  ports.DecisionEngine
	Forms      ports.FormRegistry
	Dispatcher *Dispatcher
	Logger     *slog.Logger

	Now            func() time.Time
	NewID          func() string
	TrackOperation func(operation string, errRef *error) func()
	RecordError    func(err error)
	ObserveDeploy  func(elapsed time.Duration, success bool)
}

// Service owns the bundle lifecycle: create, import, validate, deploy,
// archive, delete and download.
type Service struct {
	deps   ServiceDeps
	logger *slog.Logger
}

func NewService(deps ServiceDeps) *Service {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = NewDispatcher(deps.Processes, deps.Decisions, deps.Forms, DispatcherConfig{Logger: deps.Logger})
	}
	return &Service{deps: deps, logger: deps.Logger}
}

func (s *Service) track(operation string, errRef *error) func() {
	if s.deps.TrackOperation == nil {
		return func() {}
	}
	return s.deps.TrackOperation(operation, errRef)
}

// Create collects the named artifacts from their source services, packs them
// and stores a new bundle in CREATED.
func (s *Service) Create(ctx context.Context, req model.CreateRequest) (out model.Bundle, err error) {
	defer s.track("bundle.create", &err)()
	if err := req.Validate(); err != nil {
		return model.Bundle{}, err
	}
	key := strings.TrimSpace(req.Key)
	if err := s.checkKeyAvailable(key, req.Version); err != nil {
		return model.Bundle{}, err
	}

	now := s.deps.Now()
	manifest := policy.BuildManifest(req, now)
	files, err := s.collectSources(ctx, manifest)
	if err != nil {
		s.recordErrorWithContext(contracts.ErrorCategoryEngine, err, "bundle.create", key)
		return model.Bundle{}, err
	}
	archive, err := s.deps.Codec.Pack(manifest, files)
	if err != nil {
		s.recordErrorWithContext(contracts.ErrorCategoryArchive, err, "bundle.create", key)
		return model.Bundle{}, err
	}

	bundle := model.Bundle{
		ID:          s.deps.NewID(),
		Key:         key,
		Name:        strings.TrimSpace(req.Name),
		Version:     strings.TrimSpace(req.Version),
		Description: req.Description,
		Author:      req.Author,
		Category:    req.Category,
		Status:      model.StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   ActorFromContext(ctx),
	}
	bundle.SetArchive(manifest, archive, s.deps.Codec.Digest(archive))

	saved, err := s.save(bundle, "bundle.create")
	if err != nil {
		return model.Bundle{}, err
	}
	s.logInfo("bundle.create", saved.ID, "bundle created",
		"bundle_key", saved.Key,
		"version", saved.Version,
		"artifact_count", manifest.TotalArtifacts(),
		"bundle_size", saved.Size,
		"created_by", saved.CreatedBy,
	)
	return saved.Meta(), nil
}

// collectSources fetches artifact bytes. A source reported as not found is
// left out of the archive and surfaces later as a missing source.
func (s *Service) collectSources(ctx context.Context, manifest model.Manifest) (map[string][]byte, error) {
	files := make(map[string][]byte, manifest.TotalArtifacts())
	for _, class := range model.DeployOrder {
		for _, ref := range manifest.Entries(class) {
			data, err := s.fetchSource(ctx, class, ref.Key)
			if errors.Is(err, model.ErrNotFound) {
				s.logWarn("bundle.create", manifest.ID, "artifact source not found, omitted from archive",
					"class", string(class),
					"artifact_key", ref.Key,
				)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("fetch %s %q: %w", class, ref.Key, err)
			}
			files[ref.File] = data
		}
	}
	return files, nil
}

func (s *Service) fetchSource(ctx context.Context, class model.ArtifactClass, key string) ([]byte, error) {
	switch class {
	case model.ClassProcesses:
		if s.deps.Processes == nil {
			return nil, model.ErrNotFound
		}
		return s.deps.Processes.ExportDefinition(ctx, key)
	case model.ClassDecisions:
		if s.deps.Decisions == nil {
			return nil, model.ErrNotFound
		}
		return s.deps.Decisions.ExportDefinition(ctx, key)
	case model.ClassForms:
		if s.deps.Forms == nil {
			return nil, model.ErrNotFound
		}
		form, err := s.deps.Forms.GetLatestPublished(ctx, key)
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(form, "", "  ")
	default:
		return nil, model.ErrUnknownArtifactClass
	}
}

// Import stores an externally produced archive unchanged. The bundle starts
// in VALID; structural problems are found by a later validate.
func (s *Service) Import(ctx context.Context, data []byte) (out model.Bundle, err error) {
	defer s.track("bundle.import", &err)()
	unpacked, err := s.deps.Codec.Unpack(data)
	if err != nil {
		s.recordErrorWithContext(contracts.ErrorCategoryArchive, err, "bundle.import", "")
		return model.Bundle{}, err
	}
	manifest := unpacked.Manifest
	key := strings.TrimSpace(manifest.ID)
	if err := s.checkKeyAvailable(key, manifest.Version); err != nil {
		return model.Bundle{}, err
	}

	now := s.deps.Now()
	name := strings.TrimSpace(manifest.Name)
	if name == "" {
		name = key
	}
	category, _ := manifest.Metadata["category"].(string)
	bundle := model.Bundle{
		ID:          s.deps.NewID(),
		Key:         key,
		Name:        name,
		Version:     strings.TrimSpace(manifest.Version),
		Description: manifest.Description,
		Author:      manifest.Author,
		Category:    category,
		Status:      model.StatusValid,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   ActorFromContext(ctx),
	}
	archive := append([]byte(nil), data...)
	bundle.SetArchive(manifest, archive, s.deps.Codec.Digest(archive))

	saved, err := s.save(bundle, "bundle.import")
	if err != nil {
		return model.Bundle{}, err
	}
	s.logInfo("bundle.import", saved.ID, "bundle imported",
		"bundle_key", saved.Key,
		"version", saved.Version,
		"missing_files", len(unpacked.Missing),
		"created_by", saved.CreatedBy,
	)
	return saved.Meta(), nil
}

func (s *Service) checkKeyAvailable(key, version string) error {
	held, err := s.deps.Repository.ExistsByKey(key)
	if err != nil {
		s.recordErrorWithContext(contracts.ErrorCategoryStorage, err, "bundle.key_check", key)
		return err
	}
	if held {
		return &model.DuplicateKeyError{Key: key}
	}
	history, err := s.deps.Repository.ListByKey(key)
	if err != nil {
		s.recordErrorWithContext(contracts.ErrorCategoryStorage, err, "bundle.key_check", key)
		return err
	}
	return policy.CheckVersionReuse(key, version, history)
}

// Validate inspects the stored archive. From CREATED or INVALID the bundle
// moves through VALIDATING to VALID or INVALID; from any other status except
// DEPLOYING the report is returned without a status change.
func (s *Service) Validate(ctx context.Context, id string) (report model.ValidationReport, err error) {
	defer s.track("bundle.validate", &err)()
	bundle, err := s.find(id, "bundle.validate")
	if err != nil {
		return model.ValidationReport{}, err
	}
	if bundle.Status == model.StatusDeploying {
		_, err := model.Transition(bundle.Status, model.EventValidateBegin)
		return model.ValidationReport{}, err
	}
	if !bundle.Status.CanApply(model.EventValidateBegin) {
		report := s.inspect(bundle)
		report.Status = bundle.Status
		return report, nil
	}
	_, report, err = s.runValidation(bundle)
	return report, err
}

// runValidation persists VALIDATING and then the outcome.
func (s *Service) runValidation(bundle model.Bundle) (model.Bundle, model.ValidationReport, error) {
	if err := bundle.Apply(model.EventValidateBegin, s.deps.Now()); err != nil {
		return model.Bundle{}, model.ValidationReport{}, err
	}
	bundle, err := s.save(bundle, "bundle.validate")
	if err != nil {
		return model.Bundle{}, model.ValidationReport{}, err
	}

	report := s.inspect(bundle)
	event := model.EventValidatePass
	if !report.Valid {
		event = model.EventValidateFail
	}
	if err := bundle.Apply(event, s.deps.Now()); err != nil {
		return model.Bundle{}, model.ValidationReport{}, err
	}
	bundle, err = s.save(bundle, "bundle.validate")
	if err != nil {
		return model.Bundle{}, model.ValidationReport{}, err
	}
	report.Status = bundle.Status
	s.logInfo("bundle.validate", bundle.ID, "bundle validated",
		"status", string(bundle.Status),
		"errors", len(report.Errors),
		"warnings", len(report.Warnings),
	)
	return bundle, report, nil
}

func (s *Service) inspect(bundle model.Bundle) model.ValidationReport {
	report := model.ValidationReport{BundleID: bundle.ID, CheckedAt: s.deps.Now()}
	if err := s.verifyChecksum(bundle); err != nil {
		report.Add(corruptIssue(err))
		report.Finish()
		return report
	}
	unpacked, err := s.deps.Codec.Unpack(bundle.Archive)
	if err != nil {
		report.Add(corruptIssue(err))
		report.Finish()
		return report
	}
	for _, issue := range policy.ValidateContents(unpacked.Manifest, unpacked.Files) {
		report.Add(issue)
	}
	report.Finish()
	return report
}

func corruptIssue(err error) model.ValidationIssue {
	code, ok := model.CorruptCodeOf(err)
	if !ok {
		code = model.CorruptArchiveUnreadable
	}
	return model.ValidationIssue{Severity: model.SeverityError, Code: string(code), Message: err.Error()}
}

func (s *Service) verifyChecksum(bundle model.Bundle) error {
	return s.deps.Codec.Verify(bundle.Archive, bundle.Checksum)
}

// DefaultDeploymentName is used when deploy is called without a name.
func DefaultDeploymentName(bundleID string) string {
	return "Deployment of " + bundleID
}

// Deploy pushes every artifact of the bundle to its engine. A CREATED bundle
// is validated first. Each attempt gets a fresh deployment id; a fatal
// artifact failure leaves the bundle FAILED and returns the partial result
// together with a *model.DeploymentFailedError.
func (s *Service) Deploy(ctx context.Context, id, deploymentName string) (result model.DeploymentResult, err error) {
	defer s.track("bundle.deploy", &err)()
	started := time.Now()

	bundle, err := s.find(id, "bundle.deploy")
	if err != nil {
		return model.DeploymentResult{}, err
	}
	if bundle.Status == model.StatusCreated {
		var report model.ValidationReport
		bundle, report, err = s.runValidation(bundle)
		if err != nil {
			return model.DeploymentResult{}, err
		}
		if !report.Valid {
			return model.DeploymentResult{}, &model.ValidationError{BundleID: bundle.ID, Issues: report.Errors}
		}
	}

	name := strings.TrimSpace(deploymentName)
	if name == "" {
		name = DefaultDeploymentName(bundle.ID)
	}
	archive := bundle.Archive
	if err := bundle.Apply(model.EventDeployBegin, s.deps.Now()); err != nil {
		return model.DeploymentResult{}, err
	}
	deploymentID := s.deps.NewID()
	bundle.DeploymentID = deploymentID
	bundle.DeploymentName = name
	bundle.DeploymentError = ""
	bundle, err = s.save(bundle, "bundle.deploy")
	if err != nil {
		return model.DeploymentResult{}, err
	}
	s.logInfo("bundle.deploy", deploymentID, "bundle deployment started",
		"bundle_id", bundle.ID,
		"bundle_key", bundle.Key,
		"deployment_name", name,
	)

	dispatch := model.NewDispatchResult()
	var failErr error
	unpacked, uerr := s.unpackVerified(bundle, archive)
	if uerr != nil {
		failErr = uerr
	} else {
		dispatch = s.deps.Dispatcher.Dispatch(ctx, name, unpacked)
		if dispatch.Failure != nil {
			failErr = dispatch.Failure
		}
	}

	now := s.deps.Now()
	if failErr == nil {
		_ = bundle.Apply(model.EventDeploySucceed, now)
		bundle.DeployedAt = &now
	} else {
		_ = bundle.Apply(model.EventDeployFail, now)
		bundle.DeploymentError = failErr.Error()
	}
	// The bundle store takes no context, so this write completes even when
	// ctx is already cancelled.
	bundle, err = s.finishDeploy(bundle, deploymentID)
	if err != nil {
		return model.DeploymentResult{}, err
	}

	result = model.NewDeploymentResult(bundle.ID, deploymentID, name, dispatch, now)
	result.BundleStatus = bundle.Status
	if failErr != nil && dispatch.Failure == nil {
		result.Success = false
		result.Status = model.DeploymentStatusFailed
		result.Failure = &model.ArtifactFailure{Error: failErr.Error()}
	}
	if s.deps.ObserveDeploy != nil {
		s.deps.ObserveDeploy(time.Since(started), failErr == nil)
	}

	if failErr != nil {
		s.recordErrorWithContext(deployFailureCategory(failErr), failErr, "bundle.deploy", deploymentID,
			"bundle_id", bundle.ID,
			"deployed_processes", len(dispatch.Deployed[model.ClassProcesses]),
			"deployed_decisions", len(dispatch.Deployed[model.ClassDecisions]),
			"rolled_back", len(dispatch.RolledBack),
		)
		return result, &model.DeploymentFailedError{
			BundleID:     bundle.ID,
			DeploymentID: deploymentID,
			Result:       result,
			Err:          failErr,
		}
	}
	s.logInfo("bundle.deploy", deploymentID, "bundle deployed",
		"bundle_id", bundle.ID,
		"processes", len(dispatch.Deployed[model.ClassProcesses]),
		"decisions", len(dispatch.Deployed[model.ClassDecisions]),
		"forms", len(dispatch.Deployed[model.ClassForms]),
		"form_warnings", len(dispatch.Warnings),
	)
	return result, nil
}

// finishDeploy writes the final deploy status. A failed write is retried once
// against a fresh read of the same attempt; if that fails too the bundle is
// left DEPLOYING and logged for an operator.
func (s *Service) finishDeploy(done model.Bundle, deploymentID string) (model.Bundle, error) {
	saved, err := s.save(done, "bundle.deploy")
	if err == nil {
		return saved, nil
	}
	fresh, ferr := s.deps.Repository.FindByID(done.ID)
	if ferr == nil && fresh.Status == model.StatusDeploying && fresh.DeploymentID == deploymentID {
		fresh.Status = done.Status
		fresh.UpdatedAt = done.UpdatedAt
		fresh.DeployedAt = done.DeployedAt
		fresh.DeploymentError = done.DeploymentError
		retried, rerr := s.save(fresh, "bundle.deploy")
		if rerr == nil {
			s.logWarn("bundle.deploy", deploymentID, "final deploy status written on retry",
				"bundle_id", done.ID,
				"first_error", err.Error(),
			)
			return retried, nil
		}
		err = rerr
	}
	s.logError("bundle.deploy", deploymentID, "bundle left in DEPLOYING",
		"deployment_id", deploymentID,
		"bundle_id", done.ID,
		"target_status", string(done.Status),
		"error", err.Error(),
	)
	return model.Bundle{}, err
}

func (s *Service) unpackVerified(bundle model.Bundle, archive []byte) (ports.Unpacked, error) {
	bundle.Archive = archive
	if err := s.verifyChecksum(bundle); err != nil {
		return ports.Unpacked{}, err
	}
	return s.deps.Codec.Unpack(archive)
}

func deployFailureCategory(err error) string {
	if _, ok := model.CorruptCodeOf(err); ok {
		return contracts.ErrorCategoryArchive
	}
	return contracts.ErrorCategoryEngine
}

// Archive supersedes a bundle and frees its key.
func (s *Service) Archive(ctx context.Context, id string) (out model.Bundle, err error) {
	defer s.track("bundle.archive", &err)()
	bundle, err := s.find(id, "bundle.archive")
	if err != nil {
		return model.Bundle{}, err
	}
	if err := bundle.Apply(model.EventSupersede, s.deps.Now()); err != nil {
		return model.Bundle{}, err
	}
	saved, err := s.save(bundle, "bundle.archive")
	if err != nil {
		return model.Bundle{}, err
	}
	s.logInfo("bundle.archive", saved.ID, "bundle archived", "bundle_key", saved.Key, "version", saved.Version)
	return saved.Meta(), nil
}

// Delete removes a bundle in any status.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	defer s.track("bundle.delete", &err)()
	if err := s.deps.Repository.DeleteByID(strings.TrimSpace(id)); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.recordErrorWithContext(contracts.ErrorCategoryStorage, err, "bundle.delete", id)
		}
		return err
	}
	s.logInfo("bundle.delete", id, "bundle deleted")
	return nil
}

// Download returns the stored archive bytes unchanged.
func (s *Service) Download(ctx context.Context, id string) (out model.ArchiveDownload, err error) {
	defer s.track("bundle.download", &err)()
	bundle, err := s.find(id, "bundle.download")
	if err != nil {
		return model.ArchiveDownload{}, err
	}
	if err := s.verifyChecksum(bundle); err != nil {
		s.recordErrorWithContext(contracts.ErrorCategoryArchive, err, "bundle.download", bundle.ID)
		return model.ArchiveDownload{}, err
	}
	return model.ArchiveDownload{FileName: bundle.ArchiveFileName(), Data: bundle.Archive}, nil
}

func (s *Service) Get(ctx context.Context, id string) (out model.Bundle, err error) {
	defer s.track("bundle.get", &err)()
	bundle, err := s.find(id, "bundle.get")
	if err != nil {
		return model.Bundle{}, err
	}
	return bundle.Meta(), nil
}

// GetByKey returns the bundle currently holding key.
func (s *Service) GetByKey(ctx context.Context, key string) (out model.Bundle, err error) {
	defer s.track("bundle.get_by_key", &err)()
	bundle, err := s.deps.Repository.FindByKey(strings.TrimSpace(key))
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.recordErrorWithContext(contracts.ErrorCategoryStorage, err, "bundle.get_by_key", key)
		}
		return model.Bundle{}, err
	}
	return bundle.Meta(), nil
}

func (s *Service) List(ctx context.Context, filter ports.ListFilter) (out []model.Summary, err error) {
	defer s.track("bundle.list", &err)()
	bundles, err := s.deps.Repository.List(filter)
	if err != nil {
		s.recordErrorWithContext(contracts.ErrorCategoryStorage, err, "bundle.list", "")
		return nil, err
	}
	out = make([]model.Summary, 0, len(bundles))
	for _, b := range bundles {
		out = append(out, model.Summarize(b))
	}
	return out, nil
}

func (s *Service) find(id, operation string) (model.Bundle, error) {
	bundle, err := s.deps.Repository.FindByID(strings.TrimSpace(id))
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.recordErrorWithContext(contracts.ErrorCategoryStorage, err, operation, id)
		}
		return model.Bundle{}, err
	}
	return bundle, nil
}

func (s *Service) save(bundle model.Bundle, operation string) (model.Bundle, error) {
	saved, err := s.deps.Repository.Save(bundle)
	if err != nil {
		var dup *model.DuplicateKeyError
		if !errors.As(err, &dup) {
			s.recordErrorWithContext(contracts.ErrorCategoryStorage, err, operation, bundle.ID)
		}
		return model.Bundle{}, err
	}
	return saved, nil
}
