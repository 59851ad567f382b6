package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
	"workflow-bundles/go-backend/internal/domains/bundle/ports"
)

const (
	EngineWorkflow = "workflow-engine"
	EngineDecision = "decision-engine"
	EngineForms    = "form-registry"

	defaultCallTimeout = 30 * time.Second
)

type CompensationPolicy string

const (
	// CompensationForwardOnly leaves already deployed artifacts in place when a
	// later artifact fails.
	CompensationForwardOnly CompensationPolicy = "forward_only"
	// CompensationRollback undeploys already deployed process and decision
	// artifacts, newest first, through engines implementing ports.Undeployer.
	CompensationRollback CompensationPolicy = "rollback"
)

var ErrUnknownCompensationPolicy = errors.New("unknown compensation policy")

func ParseCompensationPolicy(raw string) (CompensationPolicy, error) {
	switch CompensationPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", CompensationForwardOnly:
		return CompensationForwardOnly, nil
	case CompensationRollback:
		return CompensationRollback, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCompensationPolicy, raw)
	}
}

// EngineLimiter paces calls per engine name.
type EngineLimiter interface {
	Wait(ctx context.Context, key string) error
}

type ArtifactRecorder interface {
	RecordArtifact(class, outcome string)
}

type DispatcherConfig struct {
	CallTimeout  time.Duration
	Compensation CompensationPolicy
	Limiter      EngineLimiter
	Recorder     ArtifactRecorder
	Logger       *slog.Logger
}

// Dispatcher pushes the artifacts of an unpacked bundle to their engines:
// processes, then decisions, then forms, each in manifest order.
type Dispatcher struct {
	processes ports.ProcessEngine
	decisions ports.DecisionEngine
	forms     ports.FormRegistry
	cfg       DispatcherConfig
}

func NewDispatcher(processes ports.ProcessEngine, decisions ports.DecisionEngine, forms ports.FormRegistry, cfg DispatcherConfig) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Compensation == "" {
		cfg.Compensation = CompensationForwardOnly
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{processes: processes, decisions: decisions, forms: forms, cfg: cfg}
}

// DeploymentLabel is the name each engine deployment is created under.
func DeploymentLabel(deploymentName, artifactKey string) string {
	return deploymentName + " - " + artifactKey
}

// Dispatch never returns an error: a fatal artifact failure is reported in
// DispatchResult.Failure and stops the run.
func (d *Dispatcher) Dispatch(ctx context.Context, deploymentName string, unpacked ports.Unpacked) model.DispatchResult {
	result := model.NewDispatchResult()

	for _, class := range []model.ArtifactClass{model.ClassProcesses, model.ClassDecisions} {
		for _, ref := range unpacked.Manifest.Entries(class) {
			if failure := d.deployArtifact(ctx, class, ref, deploymentName, unpacked.Files, &result); failure != nil {
				result.Failure = failure
				d.compensate(ctx, &result)
				return result
			}
		}
	}

	for _, ref := range unpacked.Manifest.Entries(model.ClassForms) {
		if failure := d.resolveForm(ctx, ref, unpacked.Files, &result); failure != nil {
			result.Failure = failure
			d.compensate(ctx, &result)
			return result
		}
	}

	// A cancel that lands after the last engine call still fails the run.
	if err := ctx.Err(); err != nil {
		result.Failure = lastArtifactFailure(unpacked.Manifest, cancelled(err))
		d.compensate(ctx, &result)
	}
	return result
}

func lastArtifactFailure(manifest model.Manifest, err error) *model.ArtifactDeploymentError {
	for _, class := range []model.ArtifactClass{model.ClassForms, model.ClassDecisions, model.ClassProcesses} {
		if refs := manifest.Entries(class); len(refs) > 0 {
			return &model.ArtifactDeploymentError{
				Class:  class,
				Key:    refs[len(refs)-1].Key,
				Engine: engineForClass(class),
				Err:    err,
			}
		}
	}
	return &model.ArtifactDeploymentError{Class: model.ClassProcesses, Engine: EngineWorkflow, Err: err}
}

func (d *Dispatcher) deployArtifact(
	ctx context.Context,
	class model.ArtifactClass,
	ref model.ArtifactRef,
	deploymentName string,
	files map[string][]byte,
	result *model.DispatchResult,
) *model.ArtifactDeploymentError {
	engineName, deploy := d.engineFor(class)
	fail := func(err error) *model.ArtifactDeploymentError {
		d.record(class, "error")
		d.cfg.Logger.Error("artifact deployment failed",
			"class", string(class),
			"artifact_key", ref.Key,
			"engine", engineName,
			"error", err.Error(),
		)
		return &model.ArtifactDeploymentError{Class: class, Key: ref.Key, Engine: engineName, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(cancelled(err))
	}
	content, ok := files[ref.File]
	if !ok {
		return fail(fmt.Errorf("%w: %s", model.ErrSourceMissing, ref.File))
	}
	if deploy == nil {
		return fail(fmt.Errorf("no %s configured", engineName))
	}

	engineDeploymentID, err := d.call(ctx, engineName, func(callCtx context.Context) (string, error) {
		return deploy(callCtx, DeploymentLabel(deploymentName, ref.Key), path.Base(ref.File), content)
	})
	if err != nil {
		return fail(err)
	}

	result.Deployed[class] = append(result.Deployed[class], ref.Key)
	result.EngineDeployments = append(result.EngineDeployments, model.EngineDeployment{
		Class:              class,
		Key:                ref.Key,
		EngineDeploymentID: engineDeploymentID,
	})
	d.record(class, "success")
	d.cfg.Logger.Info("artifact deployed",
		"class", string(class),
		"artifact_key", ref.Key,
		"engine", engineName,
		"engine_deployment_id", engineDeploymentID,
	)
	return nil
}

// resolveForm checks a form against the registry. Only cancellation is fatal;
// every other problem becomes a warning.
func (d *Dispatcher) resolveForm(ctx context.Context, ref model.ArtifactRef, files map[string][]byte, result *model.DispatchResult) *model.ArtifactDeploymentError {
	warn := func(reason string) {
		result.Warnings = append(result.Warnings, model.FormResolutionWarning{Key: ref.Key, Reason: reason})
		d.record(model.ClassForms, "skipped")
		d.cfg.Logger.Warn("form skipped", "artifact_key", ref.Key, "reason", reason)
	}
	fail := func(err error) *model.ArtifactDeploymentError {
		d.record(model.ClassForms, "error")
		d.cfg.Logger.Error("form resolution cancelled", "artifact_key", ref.Key, "error", err.Error())
		return &model.ArtifactDeploymentError{Class: model.ClassForms, Key: ref.Key, Engine: EngineForms, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(cancelled(err))
	}
	if _, ok := files[ref.File]; !ok {
		warn("source missing")
		return nil
	}
	if d.forms == nil {
		warn("no form registry configured")
		return nil
	}
	var form model.FormSchema
	_, err := d.call(ctx, EngineForms, func(callCtx context.Context) (string, error) {
		var gerr error
		form, gerr = d.forms.GetLatestPublished(callCtx, ref.Key)
		return "", gerr
	})
	switch {
	case errors.Is(err, model.ErrDeploymentCancelled):
		return fail(err)
	case errors.Is(err, model.ErrNotFound):
		warn("not found in form registry")
		return nil
	case err != nil:
		warn(err.Error())
		return nil
	case !form.Published:
		warn(model.ErrFormNotPublished.Error())
		return nil
	}
	result.Deployed[model.ClassForms] = append(result.Deployed[model.ClassForms], ref.Key)
	d.record(model.ClassForms, "success")
	d.cfg.Logger.Info("form verified", "artifact_key", ref.Key, "form_version", form.Version)
	return nil
}

// call runs one engine request under the engine's rate limit and the per-call timeout.
func (d *Dispatcher) call(ctx context.Context, engineName string, fn func(context.Context) (string, error)) (string, error) {
	if d.cfg.Limiter != nil {
		if err := d.cfg.Limiter.Wait(ctx, engineName); err != nil {
			if ctx.Err() != nil {
				return "", cancelled(ctx.Err())
			}
			return "", fmt.Errorf("rate limit: %w", err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	out, err := fn(callCtx)
	if err != nil {
		if ctx.Err() != nil {
			return "", cancelled(ctx.Err())
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s call timed out after %s: %w", engineName, d.cfg.CallTimeout, err)
		}
		return "", err
	}
	return out, nil
}

func (d *Dispatcher) compensate(ctx context.Context, result *model.DispatchResult) {
	if d.cfg.Compensation != CompensationRollback || len(result.EngineDeployments) == 0 {
		return
	}
	// Compensation must run even when the deploy itself was cancelled.
	base := context.WithoutCancel(ctx)
	for i := len(result.EngineDeployments) - 1; i >= 0; i-- {
		dep := result.EngineDeployments[i]
		engineName, undeployer := d.undeployerFor(dep.Class)
		if undeployer == nil {
			result.CompensationErrs = append(result.CompensationErrs,
				fmt.Sprintf("%s/%s: %s cannot undeploy", dep.Class, dep.Key, engineName))
			continue
		}
		callCtx, cancel := context.WithTimeout(base, d.cfg.CallTimeout)
		err := undeployer.Undeploy(callCtx, dep.EngineDeploymentID)
		cancel()
		if err != nil {
			result.CompensationErrs = append(result.CompensationErrs, fmt.Sprintf("%s/%s: %v", dep.Class, dep.Key, err))
			d.cfg.Logger.Warn("artifact rollback failed", "class", string(dep.Class), "artifact_key", dep.Key, "error", err.Error())
			continue
		}
		result.RolledBack = append(result.RolledBack, dep)
		d.cfg.Logger.Info("artifact rolled back", "class", string(dep.Class), "artifact_key", dep.Key)
	}
}

type deployFunc func(ctx context.Context, label, fileName string, content []byte) (string, error)

func (d *Dispatcher) engineFor(class model.ArtifactClass) (string, deployFunc) {
	switch class {
	case model.ClassProcesses:
		if d.processes == nil {
			return EngineWorkflow, nil
		}
		return EngineWorkflow, d.processes.Deploy
	case model.ClassDecisions:
		if d.decisions == nil {
			return EngineDecision, nil
		}
		return EngineDecision, d.decisions.Deploy
	default:
		return string(class), nil
	}
}

func engineForClass(class model.ArtifactClass) string {
	switch class {
	case model.ClassProcesses:
		return EngineWorkflow
	case model.ClassDecisions:
		return EngineDecision
	default:
		return EngineForms
	}
}

func (d *Dispatcher) undeployerFor(class model.ArtifactClass) (string, ports.Undeployer) {
	var engine any
	name := string(class)
	switch class {
	case model.ClassProcesses:
		engine, name = d.processes, EngineWorkflow
	case model.ClassDecisions:
		engine, name = d.decisions, EngineDecision
	}
	u, _ := engine.(ports.Undeployer)
	return name, u
}

func (d *Dispatcher) record(class model.ArtifactClass, outcome string) {
	if d.cfg.Recorder != nil {
		d.cfg.Recorder.RecordArtifact(string(class), outcome)
	}
}

func cancelled(err error) error {
	return errors.Join(model.ErrDeploymentCancelled, err)
}
