package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
	"workflow-bundles/go-backend/internal/domains/bundle/ports"
)

type stubService struct {
	lastCreate model.CreateRequest
	lastImport []byte
	lastDeploy [2]string
	lastFilter ports.ListFilter
	err        error
}

func (s *stubService) Create(_ context.Context, req model.CreateRequest) (model.Bundle, error) {
	s.lastCreate = req
	return model.Bundle{ID: "b1", Key: req.Key, Status: model.StatusCreated}, s.err
}

func (s *stubService) Import(_ context.Context, data []byte) (model.Bundle, error) {
	s.lastImport = data
	return model.Bundle{ID: "b2", Status: model.StatusValid}, s.err
}

func (s *stubService) Validate(_ context.Context, id string) (model.ValidationReport, error) {
	return model.ValidationReport{BundleID: id, Valid: true}, s.err
}

func (s *stubService) Deploy(_ context.Context, id, name string) (model.DeploymentResult, error) {
	s.lastDeploy = [2]string{id, name}
	return model.DeploymentResult{BundleID: id, DeploymentName: name, Success: s.err == nil}, s.err
}

func (s *stubService) Archive(_ context.Context, id string) (model.Bundle, error) {
	return model.Bundle{ID: id, Status: model.StatusArchived}, s.err
}

func (s *stubService) Delete(context.Context, string) error { return s.err }

func (s *stubService) Download(_ context.Context, id string) (model.ArchiveDownload, error) {
	return model.ArchiveDownload{FileName: id + ".zip", Data: []byte("PK")}, s.err
}

func (s *stubService) Get(_ context.Context, id string) (model.Bundle, error) {
	return model.Bundle{ID: id}, s.err
}

func (s *stubService) GetByKey(_ context.Context, key string) (model.Bundle, error) {
	return model.Bundle{ID: "b1", Key: key}, s.err
}

func (s *stubService) List(_ context.Context, filter ports.ListFilter) ([]model.Summary, error) {
	s.lastFilter = filter
	return []model.Summary{{ID: "b1"}}, s.err
}

func TestDispatchRoutesBundleMethods(t *testing.T) {
	svc := &stubService{}
	ctx := context.Background()

	result, rpcErr, ok := Dispatch(ctx, svc, "bundle.create", json.RawMessage(`[{"bundle_key":"invoice","bundle_name":"Invoice","version":"1.0.0","process_definition_ids":["p1"]}]`))
	if !ok || rpcErr != nil {
		t.Fatalf("create failed: %+v", rpcErr)
	}
	if svc.lastCreate.Key != "invoice" || len(svc.lastCreate.ProcessDefinitionIDs) != 1 {
		t.Fatalf("unexpected create request: %+v", svc.lastCreate)
	}
	if b, _ := result.(model.Bundle); b.ID != "b1" {
		t.Fatalf("unexpected create result: %#v", result)
	}

	encoded := base64.StdEncoding.EncodeToString([]byte("zip-bytes"))
	if _, rpcErr, _ := Dispatch(ctx, svc, "bundle.import", json.RawMessage(fmt.Sprintf(`[%q]`, encoded))); rpcErr != nil {
		t.Fatalf("import failed: %+v", rpcErr)
	}
	if string(svc.lastImport) != "zip-bytes" {
		t.Fatalf("unexpected import payload %q", svc.lastImport)
	}

	if _, rpcErr, _ := Dispatch(ctx, svc, "bundle.deploy", json.RawMessage(`["b1","Release 7"]`)); rpcErr != nil {
		t.Fatalf("deploy failed: %+v", rpcErr)
	}
	if svc.lastDeploy != [2]string{"b1", "Release 7"} {
		t.Fatalf("unexpected deploy args %v", svc.lastDeploy)
	}
	if _, rpcErr, _ := Dispatch(ctx, svc, "bundle.deploy", json.RawMessage(`["b1"]`)); rpcErr != nil || svc.lastDeploy[1] != "" {
		t.Fatalf("deploy without name: %+v %v", rpcErr, svc.lastDeploy)
	}

	if _, rpcErr, _ := Dispatch(ctx, svc, "bundle.list", json.RawMessage(`[{"status":"deployed","category":"finance","limit":10,"offset":5}]`)); rpcErr != nil {
		t.Fatalf("list failed: %+v", rpcErr)
	}
	if svc.lastFilter.Status != model.StatusDeployed || svc.lastFilter.Limit != 10 || svc.lastFilter.Offset != 5 {
		t.Fatalf("unexpected list filter %+v", svc.lastFilter)
	}
	if _, rpcErr, _ := Dispatch(ctx, svc, "bundle.list", nil); rpcErr != nil {
		t.Fatalf("list without params failed: %+v", rpcErr)
	}

	for _, method := range []string{"bundle.validate", "bundle.archive", "bundle.delete", "bundle.get", "bundle.get_by_key", "bundle.download"} {
		if _, rpcErr, ok := Dispatch(ctx, svc, method, json.RawMessage(`["b1"]`)); !ok || rpcErr != nil {
			t.Fatalf("%s failed: ok=%v err=%+v", method, ok, rpcErr)
		}
	}

	if _, _, ok := Dispatch(ctx, svc, "message.send", nil); ok {
		t.Fatal("unknown methods must not be handled")
	}
}

func TestMethodsAreAllRouted(t *testing.T) {
	for _, method := range Methods {
		if _, _, ok := Dispatch(context.Background(), &stubService{}, method, json.RawMessage(`[]`)); !ok {
			t.Fatalf("%s is listed but not routed", method)
		}
	}
}

func TestDispatchRejectsInvalidParams(t *testing.T) {
	svc := &stubService{}
	cases := []struct {
		method string
		params string
	}{
		{"bundle.create", `{"bundle_key":"x"}`},
		{"bundle.create", `[{"bundle_key":"x","unexpected":true}]`},
		{"bundle.import", `["not base64!"]`},
		{"bundle.deploy", `[]`},
		{"bundle.deploy", `[" "]`},
		{"bundle.get", `["a","b"]`},
		{"bundle.list", `[{"limit":-1}]`},
		{"bundle.list", `[{"limit":1.5}]`},
		{"bundle.list", `[{"limit":5000}]`},
		{"bundle.list", `[{"status":"SLEEPING"}]`},
	}
	for _, tc := range cases {
		_, rpcErr, ok := Dispatch(context.Background(), svc, tc.method, json.RawMessage(tc.params))
		if !ok || rpcErr == nil || rpcErr.Code != -32602 {
			t.Fatalf("%s %s: expected invalid params, got ok=%v err=%+v", tc.method, tc.params, ok, rpcErr)
		}
	}
}

func TestMapErrorTaxonomy(t *testing.T) {
	failedResult := model.DeploymentResult{BundleID: "b1", Success: false}
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", fmt.Errorf("lookup: %w", model.ErrNotFound), CodeNotFound},
		{"duplicate", &model.DuplicateKeyError{Key: "k"}, CodeDuplicateKey},
		{"corrupt", &model.CorruptArchiveError{Code: model.CorruptManifestMissing}, CodeCorruptArchive},
		{"deploy failed", &model.DeploymentFailedError{BundleID: "b1", Result: failedResult, Err: errors.New("x")}, CodeDeploymentFailed},
		{"deploy failed wrapping not found", &model.DeploymentFailedError{Err: model.ErrNotFound}, CodeDeploymentFailed},
		{"validation", &model.ValidationError{BundleID: "b1"}, CodeValidation},
		{"transition", &model.TransitionError{From: model.StatusCreated, Event: model.EventSupersede}, CodeTransition},
		{"version", &model.VersionConflictError{Key: "k"}, CodeVersionConflict},
		{"storage", fmt.Errorf("%w: stale revision", model.ErrStorageConflict), CodeStorageConflict},
		{"request", model.ErrInvalidBundleKey, -32602},
		{"other", errors.New("disk on fire"), -32199},
	}
	for _, tc := range cases {
		got := MapError(tc.err, -32199)
		if got.Code != tc.code {
			t.Fatalf("%s: expected code %d, got %d", tc.name, tc.code, got.Code)
		}
	}

	got := MapError(&model.DeploymentFailedError{Result: failedResult, Err: errors.New("x")}, 0)
	if data, ok := got.Data.(model.DeploymentResult); !ok || data.BundleID != "b1" {
		t.Fatalf("deployment failure must carry the partial result, got %#v", got.Data)
	}
	got = MapError(&model.CorruptArchiveError{Code: model.CorruptEntryUnsafe}, 0)
	if data, _ := got.Data.(map[string]string); data["code"] != string(model.CorruptEntryUnsafe) {
		t.Fatalf("corrupt archive must carry its code, got %#v", got.Data)
	}
}
