package devicelab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Ensure HTTPClient implements Client at compile time
var _ Client = (*HTTPClient)(nil)

// HTTPClient is the HTTP implementation of the device-lab API. Transient
// failures are retried with bounded backoff; 4xx responses are not.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient builds a client for the service at baseURL.
func NewHTTPClient(baseURL string, logger *slog.Logger) *HTTPClient {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.HTTPClient.Timeout = 60 * time.Second
	retryClient.Logger = nil // request logging happens at the call sites

	return &HTTPClient{
		baseURL: baseURL,
		http:    retryClient.StandardClient(),
		logger:  logger,
	}
}

// CreateUpload registers a new upload slot.
func (c *HTTPClient) CreateUpload(ctx context.Context, project, name string, kind UploadKind, metadata map[string]string) (*Upload, error) {
	body := map[string]any{"name": name, "kind": kind, "metadata": metadata}
	var upload Upload
	path := fmt.Sprintf("/projects/%s/uploads", url.PathEscape(project))
	if err := c.doJSON(ctx, http.MethodPost, path, body, &upload); err != nil {
		return nil, fmt.Errorf("create upload %q: %w", name, err)
	}
	return &upload, nil
}

// PutUploadContent transfers the artifact bytes to the pre-signed address.
func (c *HTTPClient) PutUploadContent(ctx context.Context, uploadURL string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return fmt.Errorf("build upload PUT request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transfer upload content: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload content transfer failed with status %s: %s", resp.Status, string(respBody))
	}
	return nil
}

// GetUpload retrieves an upload's processing status.
func (c *HTTPClient) GetUpload(ctx context.Context, ref string) (*Upload, error) {
	var upload Upload
	if err := c.doJSON(ctx, http.MethodGet, "/uploads/"+url.PathEscape(ref), nil, &upload); err != nil {
		return nil, fmt.Errorf("get upload %s: %w", ref, err)
	}
	return &upload, nil
}

// ListUploads lists the project's uploads of one kind.
func (c *HTTPClient) ListUploads(ctx context.Context, project string, kind UploadKind) ([]Upload, error) {
	var uploads []Upload
	path := fmt.Sprintf("/projects/%s/uploads?kind=%s", url.PathEscape(project), url.QueryEscape(string(kind)))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &uploads); err != nil {
		return nil, fmt.Errorf("list %s uploads: %w", kind, err)
	}
	return uploads, nil
}

// ScheduleRun schedules a run against the uploaded artifacts.
func (c *HTTPClient) ScheduleRun(ctx context.Context, params ScheduleParams) (*Run, error) {
	var run Run
	path := fmt.Sprintf("/projects/%s/runs", url.PathEscape(params.Project))
	if err := c.doJSON(ctx, http.MethodPost, path, params, &run); err != nil {
		return nil, fmt.Errorf("schedule run %q: %w", params.Name, err)
	}
	return &run, nil
}

// GetRun retrieves a run's current state.
func (c *HTTPClient) GetRun(ctx context.Context, ref string) (*Run, error) {
	var run Run
	if err := c.doJSON(ctx, http.MethodGet, "/runs/"+url.PathEscape(ref), nil, &run); err != nil {
		return nil, fmt.Errorf("get run %s: %w", ref, err)
	}
	return &run, nil
}

// ListRuns lists all runs known to the service for the project.
func (c *HTTPClient) ListRuns(ctx context.Context, project string) ([]Run, error) {
	var runs []Run
	path := fmt.Sprintf("/projects/%s/runs", url.PathEscape(project))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListArtifacts lists the files a run produced.
func (c *HTTPClient) ListArtifacts(ctx context.Context, runRef string) ([]Artifact, error) {
	var artifacts []Artifact
	path := fmt.Sprintf("/runs/%s/artifacts", url.PathEscape(runRef))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &artifacts); err != nil {
		return nil, fmt.Errorf("list artifacts for run %s: %w", runRef, err)
	}
	return artifacts, nil
}

// DownloadArtifact fetches an artifact's content by URL.
func (c *HTTPClient) DownloadArtifact(ctx context.Context, artifactURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build artifact request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact download failed with status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// doJSON performs one API round-trip with a JSON request/response body.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api request failed with status %s: %s", resp.Status, string(data))
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
