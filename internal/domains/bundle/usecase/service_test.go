package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"workflow-bundles/go-backend/internal/archive"
	"workflow-bundles/go-backend/internal/domains/bundle/model"
	"workflow-bundles/go-backend/internal/domains/bundle/policy"
	"workflow-bundles/go-backend/internal/domains/bundle/ports"
	"workflow-bundles/go-backend/internal/domains/contracts"
	"workflow-bundles/go-backend/internal/storage"
)

type harness struct {
	svc       *Service
	store     *storage.BundleStore
	codec     *archive.Codec
	processes *fakeEngine
	decisions *fakeEngine
	forms     *fakeForms
	errors    map[string]int
	deploys   []bool
}

type harnessOptions struct {
	wrapRepository func(*storage.BundleStore) ports.BundleRepository
	logger         *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, harnessOptions{})
}

func newHarnessWith(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{
		store:     storage.NewMemoryBundleStore(),
		codec:     archive.NewCodec(archive.DefaultLimits()),
		processes: newFakeEngine("wf"),
		decisions: newFakeEngine("dmn"),
		forms:     newFakeForms(),
		errors:    map[string]int{},
	}
	h.processes.sources["p1"] = []byte(sampleBPMN)
	h.decisions.sources["d1"] = []byte(sampleDMN)
	h.forms.publish("f1")

	var repo ports.BundleRepository = h.store
	if opts.wrapRepository != nil {
		repo = opts.wrapRepository(h.store)
	}
	seq := 0
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.svc = NewService(ServiceDeps{
		Repository: repo,
		Codec:      h.codec,
		Logger:     opts.logger,
		Processes:  h.processes,
		Decisions:  h.decisions,
		Forms:      h.forms,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
		RecordError:   func(err error) { h.errors[contracts.ErrorCategory(err)]++ },
		ObserveDeploy: func(_ time.Duration, success bool) { h.deploys = append(h.deploys, success) },
	})
	return h
}

func invoiceRequest(version string) model.CreateRequest {
	return model.CreateRequest{
		Key:                   "invoice",
		Name:                  "Invoice approval",
		Version:               version,
		Category:              "finance",
		ProcessDefinitionIDs:  []string{"p1"},
		DecisionDefinitionIDs: []string{"d1"},
		FormKeys:              []string{"f1"},
	}
}

func mustCreate(t *testing.T, h *harness, req model.CreateRequest) model.Bundle {
	t.Helper()
	b, err := h.svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create %s %s: %v", req.Key, req.Version, err)
	}
	return b
}

func TestCreateValidateDeployInvoiceBundle(t *testing.T) {
	h := newHarness(t)
	ctx := WithActor(context.Background(), "alice")

	created, err := h.svc.Create(ctx, invoiceRequest("1.0.0"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != model.StatusCreated || created.CreatedBy != "alice" {
		t.Fatalf("unexpected created bundle: %+v", created)
	}
	if !strings.HasPrefix(created.Checksum, "blake3:") || created.Size == 0 || created.Archive != nil {
		t.Fatalf("expected metadata view with checksum and size, got %+v", created)
	}
	if created.Manifest.TotalArtifacts() != 3 {
		t.Fatalf("expected 3 artifacts, got %d", created.Manifest.TotalArtifacts())
	}

	dl, err := h.svc.Download(ctx, created.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if dl.FileName != "invoice-1.0.0.zip" || int64(len(dl.Data)) != created.Size {
		t.Fatalf("unexpected download %q (%d bytes)", dl.FileName, len(dl.Data))
	}
	unpacked, err := h.codec.Unpack(dl.Data)
	if err != nil {
		t.Fatalf("unpack downloaded archive: %v", err)
	}
	if string(unpacked.Files["processes/p1.bpmn20.xml"]) != sampleBPMN || len(unpacked.Missing) != 0 {
		t.Fatalf("archive content mismatch, missing=%v", unpacked.Missing)
	}

	result, err := h.svc.Deploy(ctx, created.ID, "")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !result.Success || result.Status != model.DeploymentStatusSuccess || result.BundleStatus != model.StatusDeployed {
		t.Fatalf("unexpected deployment result: %+v", result)
	}
	if result.DeploymentName != DefaultDeploymentName(created.ID) {
		t.Fatalf("expected default deployment name, got %q", result.DeploymentName)
	}
	if got := h.processes.labels(); len(got) != 1 || got[0] != DefaultDeploymentName(created.ID)+" - p1" {
		t.Fatalf("unexpected process labels: %v", got)
	}

	stored, err := h.svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != model.StatusDeployed || stored.DeployedAt == nil || stored.DeploymentID != result.DeploymentID {
		t.Fatalf("unexpected stored bundle after deploy: %+v", stored)
	}
	if len(h.deploys) != 1 || !h.deploys[0] {
		t.Fatalf("expected one successful deploy observation, got %v", h.deploys)
	}
}

func TestCreateRejectsDuplicateKey(t *testing.T) {
	h := newHarness(t)
	mustCreate(t, h, invoiceRequest("1.0.0"))

	_, err := h.svc.Create(context.Background(), invoiceRequest("2.0.0"))
	var dup *model.DuplicateKeyError
	if !errors.As(err, &dup) || dup.Key != "invoice" {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestCreateRejectsIncompleteRequest(t *testing.T) {
	h := newHarness(t)
	req := invoiceRequest("1.0.0")
	req.Name = " "
	if _, err := h.svc.Create(context.Background(), req); !errors.Is(err, model.ErrInvalidBundleName) {
		t.Fatalf("expected invalid name, got %v", err)
	}
}

func TestCreateAbortsOnEngineExportError(t *testing.T) {
	h := newHarness(t)
	h.forms.err = errors.New("registry unavailable")
	if _, err := h.svc.Create(context.Background(), invoiceRequest("1.0.0")); err == nil {
		t.Fatal("expected create to fail when a source service errors")
	}
	if h.errors["engine"] != 1 {
		t.Fatalf("expected engine error category, got %v", h.errors)
	}
	list, _ := h.svc.List(context.Background(), ports.ListFilter{})
	if len(list) != 0 {
		t.Fatalf("nothing must be stored, got %d bundles", len(list))
	}
}

func TestMissingProcessSourceMakesBundleInvalid(t *testing.T) {
	h := newHarness(t)
	req := invoiceRequest("1.0.0")
	req.ProcessDefinitionIDs = []string{"p1", "ghost"}
	created := mustCreate(t, h, req)

	_, err := h.svc.Deploy(context.Background(), created.ID, "auto")
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error from deploy, got %v", err)
	}
	if len(verr.Issues) == 0 || verr.Issues[0].Code != policy.IssueSourceMissing {
		t.Fatalf("unexpected issues: %+v", verr.Issues)
	}
	stored, _ := h.svc.Get(context.Background(), created.ID)
	if stored.Status != model.StatusInvalid {
		t.Fatalf("expected INVALID, got %s", stored.Status)
	}
	if len(h.processes.labels()) != 0 {
		t.Fatal("invalid bundle must not reach the engines")
	}

	if _, err := h.svc.Deploy(context.Background(), created.ID, "again"); !errors.Is(err, model.ErrInvalidStatusTransition) {
		t.Fatalf("deploy from INVALID must be rejected, got %v", err)
	}
}

func TestValidateTransitionsAndReportOnly(t *testing.T) {
	h := newHarness(t)
	created := mustCreate(t, h, invoiceRequest("1.0.0"))

	report, err := h.svc.Validate(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Valid || report.Status != model.StatusValid || report.BundleID != created.ID {
		t.Fatalf("unexpected report: %+v", report)
	}
	before, _ := h.svc.Get(context.Background(), created.ID)

	report, err = h.svc.Validate(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("second validate: %v", err)
	}
	after, _ := h.svc.Get(context.Background(), created.ID)
	if report.Status != model.StatusValid || after.Revision != before.Revision {
		t.Fatalf("validating a VALID bundle must not change it: %d -> %d", before.Revision, after.Revision)
	}
}

func TestDeployFailureThenRedeployGetsNewDeploymentID(t *testing.T) {
	h := newHarness(t)
	created := mustCreate(t, h, invoiceRequest("1.0.0"))
	h.decisions.setFailure("d1.dmn", errors.New("hit policy missing"))

	result, err := h.svc.Deploy(context.Background(), created.ID, "first")
	var failed *model.DeploymentFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected deployment failed error, got %v", err)
	}
	if result.Success || result.Failure == nil || result.Failure.Key != "d1" || result.BundleStatus != model.StatusFailed {
		t.Fatalf("unexpected failure result: %+v", result)
	}
	if got := result.DeployedArtifacts[model.ClassProcesses]; len(got) != 1 || got[0] != "p1" {
		t.Fatalf("partial result must list p1, got %v", got)
	}
	stored, _ := h.svc.Get(context.Background(), created.ID)
	if stored.Status != model.StatusFailed || !strings.Contains(stored.DeploymentError, "hit policy missing") {
		t.Fatalf("unexpected stored bundle: %+v", stored)
	}

	h.decisions.setFailure("d1.dmn", nil)
	second, err := h.svc.Deploy(context.Background(), created.ID, "second")
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if second.DeploymentID == result.DeploymentID {
		t.Fatal("each deployment attempt needs its own id")
	}
	stored, _ = h.svc.Get(context.Background(), created.ID)
	if stored.Status != model.StatusDeployed || stored.DeploymentError != "" {
		t.Fatalf("unexpected stored bundle after redeploy: %+v", stored)
	}
}

func TestDeployCancelledNeverLeavesDeploying(t *testing.T) {
	h := newHarness(t)
	created := mustCreate(t, h, invoiceRequest("1.0.0"))
	if _, err := h.svc.Validate(context.Background(), created.ID); err != nil {
		t.Fatalf("validate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.svc.Deploy(ctx, created.ID, "cancelled")
	if !errors.Is(err, model.ErrDeploymentCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	stored, _ := h.svc.Get(context.Background(), created.ID)
	if stored.Status != model.StatusFailed {
		t.Fatalf("expected FAILED after cancellation, got %s", stored.Status)
	}
}

func TestArchiveFreesKeyAndVersionPolicyApplies(t *testing.T) {
	h := newHarness(t)
	first := mustCreate(t, h, invoiceRequest("1.0.0"))
	if _, err := h.svc.Archive(context.Background(), first.ID); !errors.Is(err, model.ErrInvalidStatusTransition) {
		t.Fatalf("CREATED bundle cannot be archived, got %v", err)
	}
	if _, err := h.svc.Deploy(context.Background(), first.ID, ""); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	archived, err := h.svc.Archive(context.Background(), first.ID)
	if err != nil || archived.Status != model.StatusArchived {
		t.Fatalf("archive: %+v %v", archived, err)
	}
	if _, err := h.svc.GetByKey(context.Background(), "invoice"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("archived bundle must not hold its key, got %v", err)
	}

	var conflict *model.VersionConflictError
	if _, err := h.svc.Create(context.Background(), invoiceRequest("1.0.0")); !errors.As(err, &conflict) {
		t.Fatalf("expected version conflict for reused version, got %v", err)
	}
	if _, err := h.svc.Create(context.Background(), invoiceRequest("0.9.0")); !errors.As(err, &conflict) {
		t.Fatalf("expected version conflict for older version, got %v", err)
	}
	next := mustCreate(t, h, invoiceRequest("1.1.0"))
	holder, err := h.svc.GetByKey(context.Background(), "invoice")
	if err != nil || holder.ID != next.ID {
		t.Fatalf("expected key held by new bundle, got %+v %v", holder, err)
	}
}

func TestImportRoundTripAndCorruptArchive(t *testing.T) {
	src := newHarness(t)
	created := mustCreate(t, src, invoiceRequest("1.0.0"))
	dl, err := src.svc.Download(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	dst := newHarness(t)
	if _, err := dst.svc.Import(context.Background(), []byte("definitely not a zip")); err == nil {
		t.Fatal("expected corrupt archive error")
	} else if code, ok := model.CorruptCodeOf(err); !ok || code != model.CorruptArchiveUnreadable {
		t.Fatalf("unexpected corrupt code %q (%v)", code, err)
	}
	if dst.errors["archive"] != 1 {
		t.Fatalf("expected archive error category, got %v", dst.errors)
	}

	imported, err := dst.svc.Import(context.Background(), dl.Data)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported.Status != model.StatusValid || imported.Checksum != created.Checksum || imported.Key != "invoice" {
		t.Fatalf("unexpected imported bundle: %+v", imported)
	}
	if imported.Category != "finance" {
		t.Fatalf("category must survive export and import, got %q", imported.Category)
	}
	again, err := dst.svc.Download(context.Background(), imported.ID)
	if err != nil || string(again.Data) != string(dl.Data) {
		t.Fatalf("imported archive must be stored unchanged: %v", err)
	}
	list, _ := dst.svc.List(context.Background(), ports.ListFilter{})
	if len(list) != 1 {
		t.Fatalf("only the valid import may be stored, got %d", len(list))
	}
}

func TestListFiltersByStatusAndDeleteRemoves(t *testing.T) {
	h := newHarness(t)
	a := mustCreate(t, h, invoiceRequest("1.0.0"))
	req := invoiceRequest("1.0.0")
	req.Key = "expenses"
	req.Category = "hr"
	b := mustCreate(t, h, req)
	if _, err := h.svc.Deploy(context.Background(), a.ID, ""); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	deployed, err := h.svc.List(context.Background(), ports.ListFilter{Status: model.StatusDeployed})
	if err != nil || len(deployed) != 1 || deployed[0].ID != a.ID {
		t.Fatalf("unexpected deployed listing: %+v %v", deployed, err)
	}
	if deployed[0].ArtifactCount != 3 {
		t.Fatalf("expected artifact count 3, got %d", deployed[0].ArtifactCount)
	}
	hr, _ := h.svc.List(context.Background(), ports.ListFilter{Category: "HR"})
	if len(hr) != 1 || hr[0].ID != b.ID {
		t.Fatalf("unexpected category listing: %+v", hr)
	}

	if err := h.svc.Delete(context.Background(), a.ID); err != nil {
		t.Fatalf("delete deployed bundle: %v", err)
	}
	if _, err := h.svc.Get(context.Background(), a.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := h.svc.Delete(context.Background(), a.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second delete must report not found, got %v", err)
	}
}

// failingSaves rejects the next writes of bundles in one status.
type failingSaves struct {
	*storage.BundleStore
	mu        sync.Mutex
	status    model.Status
	remaining int
}

func (r *failingSaves) Save(b model.Bundle) (model.Bundle, error) {
	r.mu.Lock()
	fail := b.Status == r.status && r.remaining > 0
	if fail {
		r.remaining--
	}
	r.mu.Unlock()
	if fail {
		return model.Bundle{}, errors.New("index write failed: disk full")
	}
	return r.BundleStore.Save(b)
}

func TestDeployCancelledDuringFormLookupFails(t *testing.T) {
	h := newHarness(t)
	created := mustCreate(t, h, invoiceRequest("1.0.0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.forms.setLookupHook(func(callCtx context.Context) error {
		cancel()
		<-callCtx.Done()
		return callCtx.Err()
	})
	result, err := h.svc.Deploy(ctx, created.ID, "cancel-late")
	if !errors.Is(err, model.ErrDeploymentCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if result.Success || result.BundleStatus != model.StatusFailed {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Failure == nil || result.Failure.Class != model.ClassForms || result.Failure.Key != "f1" {
		t.Fatalf("expected the form to carry the failure, got %+v", result.Failure)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("cancellation is not a form warning: %+v", result.Warnings)
	}
	stored, _ := h.svc.Get(context.Background(), created.ID)
	if stored.Status != model.StatusFailed || stored.DeploymentError == "" {
		t.Fatalf("expected FAILED with an error, got %s %q", stored.Status, stored.DeploymentError)
	}
}

func TestDeployWithUnresolvableFormCompletes(t *testing.T) {
	h := newHarness(t)
	req := invoiceRequest("1.0.0")
	req.FormKeys = []string{"f1", "ghost"}
	created := mustCreate(t, h, req)

	result, err := h.svc.Deploy(context.Background(), created.ID, "")
	if err != nil {
		t.Fatalf("a missing form must not fail the deploy: %v", err)
	}
	if !result.Success || result.BundleStatus != model.StatusDeployed {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Key != "ghost" {
		t.Fatalf("expected one warning for ghost, got %+v", result.Warnings)
	}
	if got := result.DeployedArtifacts[model.ClassForms]; len(got) != 1 || got[0] != "f1" {
		t.Fatalf("the published form must be listed, got %v", got)
	}
	stored, _ := h.svc.Get(context.Background(), created.ID)
	if stored.Status != model.StatusDeployed {
		t.Fatalf("expected DEPLOYED, got %s", stored.Status)
	}
}

func TestImportZipWithoutManifestPersistsNothing(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("processes/p1.bpmn20.xml")
	if err != nil {
		t.Fatalf("zip entry: %v", err)
	}
	if _, err := w.Write([]byte(sampleBPMN)); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	_, err = h.svc.Import(context.Background(), buf.Bytes())
	if code, ok := model.CorruptCodeOf(err); !ok || code != model.CorruptManifestMissing {
		t.Fatalf("expected MANIFEST_MISSING, got %q (%v)", code, err)
	}
	list, err := h.svc.List(context.Background(), ports.ListFilter{})
	if err != nil || len(list) != 0 {
		t.Fatalf("nothing may be stored, got %d bundles (%v)", len(list), err)
	}
}

func TestChecksumMismatchBlocksDownloadAndDeploy(t *testing.T) {
	h := newHarness(t)
	created := mustCreate(t, h, invoiceRequest("1.0.0"))
	stored, err := h.store.FindByID(created.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	stored.Checksum = archive.Digest([]byte("some other archive"))
	if _, err := h.store.Save(stored); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}

	if _, err := h.svc.Download(context.Background(), created.ID); !isChecksumMismatch(err) {
		t.Fatalf("download must verify the checksum, got %v", err)
	}
	if _, err := h.svc.Deploy(context.Background(), created.ID, ""); err == nil {
		t.Fatal("deploy must refuse a tampered archive")
	}
	if len(h.processes.labels()) != 0 {
		t.Fatal("a tampered archive must not reach the engines")
	}
}

func isChecksumMismatch(err error) bool {
	code, ok := model.CorruptCodeOf(err)
	return ok && code == model.CorruptChecksumMismatch
}

func TestDeployRetriesFinalStatusWrite(t *testing.T) {
	repo := &failingSaves{status: model.StatusDeployed, remaining: 1}
	h := newHarnessWith(t, harnessOptions{wrapRepository: func(store *storage.BundleStore) ports.BundleRepository {
		repo.BundleStore = store
		return repo
	}})
	created := mustCreate(t, h, invoiceRequest("1.0.0"))

	result, err := h.svc.Deploy(context.Background(), created.ID, "")
	if err != nil || result.BundleStatus != model.StatusDeployed {
		t.Fatalf("expected the retried write to succeed: %+v %v", result, err)
	}
	stored, _ := h.svc.Get(context.Background(), created.ID)
	if stored.Status != model.StatusDeployed || stored.DeployedAt == nil {
		t.Fatalf("expected DEPLOYED after retry, got %+v", stored)
	}
}

func TestDeployLogsBundleLeftDeploying(t *testing.T) {
	var logs bytes.Buffer
	repo := &failingSaves{status: model.StatusDeployed, remaining: 2}
	h := newHarnessWith(t, harnessOptions{
		logger: slog.New(slog.NewJSONHandler(&logs, nil)),
		wrapRepository: func(store *storage.BundleStore) ports.BundleRepository {
			repo.BundleStore = store
			return repo
		},
	})
	created := mustCreate(t, h, invoiceRequest("1.0.0"))

	_, err := h.svc.Deploy(context.Background(), created.ID, "")
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected the storage error, got %v", err)
	}
	stored, _ := h.svc.Get(context.Background(), created.ID)
	if stored.Status != model.StatusDeploying {
		t.Fatalf("expected DEPLOYING after two failed writes, got %s", stored.Status)
	}
	out := logs.String()
	if !strings.Contains(out, "bundle left in DEPLOYING") || !strings.Contains(out, `"deployment_id":"`+stored.DeploymentID+`"`) {
		t.Fatalf("expected an error log naming the deployment: %s", out)
	}
}
