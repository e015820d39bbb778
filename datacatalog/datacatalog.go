// Package datacatalog talks to the data catalog (dataset bookkeeping and file
// attachment) and to the batch system (processing task submission). Both are
// HTTP services with bearer-token auth.
//
// The catalog API is idempotent by convention: a 409 on create or attach means
// the entity already exists, which callers treat as success. This keeps replay
// of run_imminent or data_ready events harmless.
package datacatalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eumaka/swf-testbed/errors"
)

const DefaultTimeout = 10 * time.Second

// Dataset status values
const (
	DatasetOpen   = "open"
	DatasetClosed = "closed"
)

// DatasetName builds the canonical per-run dataset identifier
func DatasetName(runID string) string {
	return runID + ".stf.ds"
}

// Client is the data catalog client
type Client struct {
	baseURL    string
	token      string
	scope      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger.With("component", "datacatalog") }
}

// NewClient creates a catalog client for the given scope
func NewClient(baseURL, token, scope string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		scope:      scope,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default().With("component", "datacatalog"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FileRef identifies one file replica to attach to a dataset
type FileRef struct {
	Scope     string `json:"scope"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"bytes"`
	Checksum  string `json:"checksum,omitempty"`
	URL       string `json:"url,omitempty"`
}

// CreateDataset opens a dataset for a run. An already-existing dataset is
// success; the replayed run_imminent case depends on it.
func (c *Client) CreateDataset(ctx context.Context, name string) error {
	body := map[string]any{"scope": c.scope, "name": name, "status": DatasetOpen}
	err := c.do(ctx, http.MethodPost, "/datasets/", body, nil)
	if alreadyDone(err) {
		c.logger.Info("Dataset already exists", "dataset", name)
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Info("Created dataset", "scope", c.scope, "dataset", name)
	return nil
}

// SetDatasetStatus opens or closes a dataset
func (c *Client) SetDatasetStatus(ctx context.Context, name, status string) error {
	body := map[string]any{"status": status}
	path := fmt.Sprintf("/datasets/%s/%s/status", c.scope, name)
	if err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return err
	}
	c.logger.Info("Set dataset status", "dataset", name, "status", status)
	return nil
}

// AttachFile registers a file replica and attaches it to the dataset.
// Re-attachment of a known file is success.
func (c *Client) AttachFile(ctx context.Context, dataset string, file FileRef) error {
	if file.Scope == "" {
		file.Scope = c.scope
	}
	body := map[string]any{"dataset": dataset, "files": []FileRef{file}}
	path := fmt.Sprintf("/datasets/%s/%s/files", c.scope, dataset)
	err := c.do(ctx, http.MethodPost, path, body, nil)
	if alreadyDone(err) {
		c.logger.Info("File already attached", "dataset", dataset, "file", file.Name)
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Info("Attached file to dataset", "dataset", dataset, "file", file.Name)
	return nil
}

// do issues one catalog request. 4xx is a catalog rejection (invalid), 5xx
// and transport failures are transient. 409 is preserved so callers can fold
// it into success.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.WrapInvalid(err, "datacatalog", "do", "marshal request")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.WrapInvalid(err, "datacatalog", "do", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %s %s: %v", errors.ErrCatalogUnavailable, method, path, err),
			"datacatalog", "do", "send request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return errors.WrapInvalid(err, "datacatalog", "do", "decode response")
			}
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s %s: conflict", errors.ErrCatalogConflict, method, path),
			"datacatalog", "do", "check response")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s %s: %d %s", errors.ErrCatalogRejected, method, path,
				resp.StatusCode, strings.TrimSpace(string(detail))),
			"datacatalog", "do", "check response")
	default:
		return errors.WrapTransient(
			fmt.Errorf("%w: %s %s: %d", errors.ErrCatalogUnavailable, method, path, resp.StatusCode),
			"datacatalog", "do", "check response")
	}
}

func alreadyDone(err error) bool {
	return errors.Is(err, errors.ErrCatalogConflict)
}

// Task is one submitted batch processing task
type Task struct {
	TaskID        string `json:"task_id"`
	TaskName      string `json:"task_name"`
	InputDataset  string `json:"input_dataset"`
	OutputDataset string `json:"output_dataset"`
	Status        string `json:"status"`
}

// Submitter submits processing tasks to the batch system
type Submitter struct {
	baseURL    string
	token      string
	queue      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSubmitter creates a batch submitter targeting the given queue
func NewSubmitter(baseURL, token, queue string, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		queue:      queue,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default().With("component", "batch"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitterOption configures a Submitter
type SubmitterOption func(*Submitter)

// WithSubmitterHTTPClient replaces the underlying HTTP client
func WithSubmitterHTTPClient(hc *http.Client) SubmitterOption {
	return func(s *Submitter) { s.httpClient = hc }
}

// WithSubmitterLogger sets the submitter logger
func WithSubmitterLogger(logger *slog.Logger) SubmitterOption {
	return func(s *Submitter) { s.logger = logger.With("component", "batch") }
}

// SubmitTask submits one batch task over a closed input dataset. The output
// dataset name is generated here so resubmission never collides.
func (s *Submitter) SubmitTask(ctx context.Context, runID, inputDataset string) (Task, error) {
	req := map[string]any{
		"task_name":      fmt.Sprintf("stf_process_run_%s", runID),
		"input_dataset":  inputDataset,
		"output_dataset": fmt.Sprintf("%s.out.%s", inputDataset, uuid.NewString()[:8]),
		"queue":          s.queue,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return Task{}, errors.WrapInvalid(err, "batch", "SubmitTask", "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/tasks/", bytes.NewReader(data))
	if err != nil {
		return Task{}, errors.WrapInvalid(err, "batch", "SubmitTask", "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return Task{}, errors.WrapTransient(
			fmt.Errorf("%w: submit task: %v", errors.ErrBatchUnavailable, err),
			"batch", "SubmitTask", "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		wrap := errors.WrapTransient
		sentinel := errors.ErrBatchUnavailable
		if resp.StatusCode < 500 {
			wrap = errors.WrapInvalid
			sentinel = errors.ErrBatchRejected
		}
		return Task{}, wrap(
			fmt.Errorf("%w: submit task for run %s: %d", sentinel, runID, resp.StatusCode),
			"batch", "SubmitTask", "check response")
	}

	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return Task{}, errors.WrapInvalid(err, "batch", "SubmitTask", "decode response")
	}
	s.logger.Info("Submitted batch task", "run_id", runID,
		"task_id", task.TaskID, "input_dataset", inputDataset, "output_dataset", task.OutputDataset)
	return task, nil
}
