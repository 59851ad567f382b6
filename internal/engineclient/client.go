// Package engineclient implements the bundle engine ports over the HTTP APIs
// of the workflow engine, the decision engine and the form registry.
package engineclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
)

const (
	deploymentsPath    = "/api/v1/repository/deployments"
	maxErrorBodyBytes  = 4 << 10
	maxDefinitionBytes = 32 << 20
	defaultHTTPTimeout = 60 * time.Second
)

// StatusError is a non-2xx answer other than 404.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, body)
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// Token is sent as a bearer token when set.
	Token string
}

type baseClient struct {
	baseURL *url.URL
	http    *http.Client
	token   string
}

func newBaseClient(opts Options) (baseClient, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return baseClient{}, errors.New("engine base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return baseClient{}, fmt.Errorf("parse engine base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return baseClient{}, fmt.Errorf("engine base url %q must be http or https", raw)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return baseClient{baseURL: u, http: hc, token: strings.TrimSpace(opts.Token)}, nil
}

// endpoint joins the base url, a fixed path and escaped path parameters.
func (c baseClient) endpoint(prefix string, params ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL.String())
	b.WriteString(prefix)
	for _, p := range params {
		b.WriteString("/")
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

func (c baseClient) do(ctx context.Context, method, target, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json, application/xml;q=0.9, */*;q=0.8")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", method, target, model.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, nil
}

type deploymentResponse struct {
	ID           string `json:"id"`
	DeploymentID string `json:"deploymentId"`
}

// deploy posts one artifact as multipart form data and returns the engine's
// deployment id.
func (c baseClient) deploy(ctx context.Context, label, fileName string, content []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("deploymentName", label); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(content); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	target := c.endpoint(deploymentsPath) + "?deploymentName=" + url.QueryEscape(label)
	resp, err := c.do(ctx, http.MethodPost, target, mw.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out deploymentResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodyBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode deployment response: %w", err)
	}
	id := strings.TrimSpace(out.ID)
	if id == "" {
		id = strings.TrimSpace(out.DeploymentID)
	}
	if id == "" {
		return "", errors.New("engine returned a deployment without id")
	}
	return id, nil
}

func (c baseClient) undeploy(ctx context.Context, deploymentID string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.endpoint(deploymentsPath, deploymentID), "", nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c baseClient) getBytes(ctx context.Context, target string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, target, "", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDefinitionBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if len(data) > maxDefinitionBytes {
		return nil, fmt.Errorf("read %s: response exceeds %d bytes", target, maxDefinitionBytes)
	}
	return data, nil
}
