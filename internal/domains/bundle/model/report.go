package model

import (
	"fmt"
	"time"
)

type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// ValidationIssue is one structural or content problem found in a bundle.
type ValidationIssue struct {
	Severity IssueSeverity `json:"severity"`
	Code     string        `json:"code"`
	Class    ArtifactClass `json:"class,omitempty"`
	Key      string        `json:"key,omitempty"`
	Path     string        `json:"path,omitempty"`
	Message  string        `json:"message"`
}

func (i ValidationIssue) String() string {
	switch {
	case i.Key != "":
		return fmt.Sprintf("%s %s/%s: %s", i.Code, i.Class, i.Key, i.Message)
	case i.Path != "":
		return fmt.Sprintf("%s %s: %s", i.Code, i.Path, i.Message)
	default:
		return fmt.Sprintf("%s: %s", i.Code, i.Message)
	}
}

type ValidationReport struct {
	BundleID  string            `json:"bundle_id"`
	Valid     bool              `json:"valid"`
	Status    Status            `json:"status"`
	Errors    []ValidationIssue `json:"errors"`
	Warnings  []ValidationIssue `json:"warnings"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Add files an issue under errors or warnings by severity.
func (r *ValidationReport) Add(issue ValidationIssue) {
	if issue.Severity == SeverityWarning {
		r.Warnings = append(r.Warnings, issue)
		return
	}
	r.Errors = append(r.Errors, issue)
}

// Finish derives Valid from the collected errors.
func (r *ValidationReport) Finish() {
	if r.Errors == nil {
		r.Errors = []ValidationIssue{}
	}
	if r.Warnings == nil {
		r.Warnings = []ValidationIssue{}
	}
	r.Valid = len(r.Errors) == 0
}

// EngineDeployment links one deployed artifact to the engine-side deployment id.
type EngineDeployment struct {
	Class              ArtifactClass `json:"class"`
	Key                string        `json:"key"`
	EngineDeploymentID string        `json:"engine_deployment_id"`
}

// ArtifactFailure is the wire view of an ArtifactDeploymentError.
type ArtifactFailure struct {
	Class  ArtifactClass `json:"class"`
	Key    string        `json:"key"`
	Engine string        `json:"engine"`
	Error  string        `json:"error"`
}

// DispatchResult is the aggregated outcome of one dispatcher run.
type DispatchResult struct {
	Deployed          map[ArtifactClass][]string `json:"deployed_artifacts"`
	EngineDeployments []EngineDeployment         `json:"engine_deployments"`
	Warnings          []FormResolutionWarning    `json:"warnings"`
	Failure           *ArtifactDeploymentError   `json:"-"`
	RolledBack        []EngineDeployment         `json:"rolled_back,omitempty"`
	CompensationErrs  []string                   `json:"compensation_errors,omitempty"`
}

func NewDispatchResult() DispatchResult {
	return DispatchResult{
		Deployed: map[ArtifactClass][]string{
			ClassProcesses: {},
			ClassDecisions: {},
			ClassForms:     {},
		},
		EngineDeployments: []EngineDeployment{},
		Warnings:          []FormResolutionWarning{},
	}
}

func (r DispatchResult) Succeeded() bool {
	return r.Failure == nil
}

const (
	DeploymentStatusSuccess = "SUCCESS"
	DeploymentStatusFailed  = "FAILED"
)

// DeploymentResult is returned to callers of deploy, on success and on failure.
type DeploymentResult struct {
	BundleID          string                     `json:"bundle_id"`
	DeploymentID      string                     `json:"deployment_id"`
	DeploymentName    string                     `json:"deployment_name"`
	Success           bool                       `json:"success"`
	Status            string                     `json:"status"`
	BundleStatus      Status                     `json:"bundle_status"`
	DeployedArtifacts map[ArtifactClass][]string `json:"deployed_artifacts"`
	EngineDeployments []EngineDeployment         `json:"engine_deployments"`
	Warnings          []FormResolutionWarning    `json:"warnings"`
	Failure           *ArtifactFailure           `json:"failure,omitempty"`
	RolledBack        []EngineDeployment         `json:"rolled_back,omitempty"`
	CompensationErrs  []string                   `json:"compensation_errors,omitempty"`
	Timestamp         time.Time                  `json:"timestamp"`
}

func NewDeploymentResult(bundleID, deploymentID, name string, dispatch DispatchResult, at time.Time) DeploymentResult {
	out := DeploymentResult{
		BundleID:          bundleID,
		DeploymentID:      deploymentID,
		DeploymentName:    name,
		Success:           dispatch.Succeeded(),
		Status:            DeploymentStatusSuccess,
		DeployedArtifacts: dispatch.Deployed,
		EngineDeployments: dispatch.EngineDeployments,
		Warnings:          dispatch.Warnings,
		RolledBack:        dispatch.RolledBack,
		CompensationErrs:  dispatch.CompensationErrs,
		Timestamp:         at,
	}
	if dispatch.Failure != nil {
		out.Status = DeploymentStatusFailed
		out.Failure = &ArtifactFailure{
			Class:  dispatch.Failure.Class,
			Key:    dispatch.Failure.Key,
			Engine: dispatch.Failure.Engine,
			Error:  dispatch.Failure.Err.Error(),
		}
	}
	return out
}
