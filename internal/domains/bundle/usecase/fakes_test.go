package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
)

type deployCall struct {
	Label    string
	FileName string
	Content  []byte
}

type fakeEngine struct {
	mu         sync.Mutex
	prefix     string
	calls      []deployCall
	failFile   map[string]error
	block      bool
	sources    map[string][]byte
	undeployed []string
	undeployOK bool
}

func newFakeEngine(prefix string) *fakeEngine {
	return &fakeEngine{
		prefix:     prefix,
		failFile:   map[string]error{},
		sources:    map[string][]byte{},
		undeployOK: true,
	}
}

func (e *fakeEngine) Deploy(ctx context.Context, label, fileName string, content []byte) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, deployCall{Label: label, FileName: fileName, Content: append([]byte(nil), content...)})
	n := len(e.calls)
	failure := e.failFile[fileName]
	block := e.block
	e.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if failure != nil {
		return "", failure
	}
	return fmt.Sprintf("%s-%d", e.prefix, n), nil
}

func (e *fakeEngine) ExportDefinition(_ context.Context, key string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.sources[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (e *fakeEngine) Undeploy(_ context.Context, deploymentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.undeployOK {
		return errors.New("engine refused undeploy")
	}
	e.undeployed = append(e.undeployed, deploymentID)
	return nil
}

func (e *fakeEngine) labels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.calls))
	for _, c := range e.calls {
		out = append(out, c.Label)
	}
	return out
}

func (e *fakeEngine) setFailure(fileName string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failFile, fileName)
		return
	}
	e.failFile[fileName] = err
}

type fakeForms struct {
	mu       sync.Mutex
	forms    map[string]model.FormSchema
	err      error
	onLookup func(ctx context.Context) error
}

func newFakeForms() *fakeForms {
	return &fakeForms{forms: map[string]model.FormSchema{}}
}

func (f *fakeForms) publish(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms[key] = model.FormSchema{Key: key, Name: strings.ToUpper(key), Version: 2, Published: true, Schema: []byte(`{"components":[]}`)}
}

func (f *fakeForms) setLookupHook(hook func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLookup = hook
}

func (f *fakeForms) GetLatestPublished(ctx context.Context, key string) (model.FormSchema, error) {
	f.mu.Lock()
	hook, err := f.onLookup, f.err
	form, ok := f.forms[key]
	f.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return model.FormSchema{}, herr
		}
	}
	if err != nil {
		return model.FormSchema{}, err
	}
	if !ok {
		return model.FormSchema{}, model.ErrNotFound
	}
	return form, nil
}

// cancelAfterDeploy cancels the deploy context once its engine accepted an artifact.
type cancelAfterDeploy struct {
	*fakeEngine
	cancel context.CancelFunc
}

func (e cancelAfterDeploy) Deploy(ctx context.Context, label, fileName string, content []byte) (string, error) {
	id, err := e.fakeEngine.Deploy(ctx, label, fileName, content)
	e.cancel()
	return id, err
}

type recorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *recorder) RecordArtifact(class, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[class+"/"+outcome]++
}

const sampleBPMN = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL" id="d">
  <process id="invoice" isExecutable="true"><startEvent id="s"/></process>
</definitions>`

const sampleDMN = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="https://www.omg.org/spec/DMN/20191111/MODEL/" id="dmn" name="approval">
  <decision id="approval" name="Approval"/>
</definitions>`
