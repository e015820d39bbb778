// Package registry provides the HTTP client for the swf-monitor registry, the
// external system of record for runs, STF files, and agent liveness. All calls
// are synchronous request/response with bearer-token authentication and a
// short fixed timeout; a non-2xx response surfaces as a typed failure (4xx
// invalid, 5xx or transport error transient) and is never swallowed here;
// each handler decides whether the failure is fatal or recoverable.
package registry

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

	"github.com/eumaka/swf-testbed/errors"
	"github.com/eumaka/swf-testbed/pkg/retry"
)

// DefaultTimeout bounds every registry call so a hung registry cannot hold an
// agent's dispatch loop open indefinitely.
const DefaultTimeout = 10 * time.Second

// Agent status values reported in heartbeats
const (
	StatusOK      = "OK"
	StatusWarning = "WARNING"
)

// File processing status values
const (
	FileRegistered = "registered"
	FileProcessing = "processing"
	FileProcessed  = "processed"
	FileFailed     = "failed"
)

// Client is the swf-monitor REST client
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	retryCfg   *retry.Config
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (used in tests)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-call timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRetry enables backoff retry of transient failures. Rejections (4xx) are
// never retried; resubmitting a rejected payload cannot make it valid.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) {
		c.retryCfg = &cfg
	}
}

// NewClient creates a registry client for the given base URL. The token is
// sent as "Authorization: Token <token>" on every request, matching the
// monitor's API contract.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default().With("component", "registry"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run is the registry's record of one DAQ run
type Run struct {
	RunNumber  string            `json:"run_number"`
	Conditions map[string]string `json:"run_conditions,omitempty"`
	StartTime  time.Time         `json:"start_time,omitempty"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	TotalFiles int               `json:"total_files,omitempty"`
	Status     string            `json:"status,omitempty"`
}

// RunRecord is the registry's response to a run creation
type RunRecord struct {
	ID        int64  `json:"id"`
	RunNumber string `json:"run_number"`
}

// StfFile is the registry's record of one data unit
type StfFile struct {
	RunNumber string `json:"run_number"`
	Filename  string `json:"filename"`
	FileURL   string `json:"file_url,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
	Status    string `json:"status"`
}

// FileRecord is the registry's response to a file creation
type FileRecord struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
}

// Heartbeat is the agent liveness payload
type Heartbeat struct {
	InstanceName      string `json:"instance_name"`
	AgentType         string `json:"agent_type"`
	Status            string `json:"status"` // OK or WARNING
	Description       string `json:"description"`
	MQConnected       bool   `json:"mq_connected"`
	WorkflowEnabled   bool   `json:"workflow_enabled,omitempty"`
	CurrentStfCount   int    `json:"current_stf_count"`
	TotalStfProcessed int    `json:"total_stf_processed"`
}

// Subscriber registers an agent as a consumer of one bus destination
type Subscriber struct {
	SubscriberName string  `json:"subscriber_name"`
	Description    string  `json:"description"`
	IsActive       bool    `json:"is_active"`
	Fraction       float64 `json:"fraction"`
}

// NextRunNumber obtains the next run number from the registry's persistent
// sequence. Run identifiers are never generated locally; the centralized
// sequence guarantees global uniqueness across concurrent producers.
func (c *Client) NextRunNumber(ctx context.Context) (string, error) {
	var resp struct {
		Status    string `json:"status"`
		RunNumber int64  `json:"run_number"`
		Error     string `json:"error,omitempty"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/state/next-run-number/", nil, &resp); err != nil {
		return "", err
	}
	if resp.Status != "success" {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrRegistryRejected, resp.Error),
			"Client", "NextRunNumber", "sequence request")
	}
	return fmt.Sprintf("%d", resp.RunNumber), nil
}

// CreateRun creates the run record
func (c *Client) CreateRun(ctx context.Context, run Run) (RunRecord, error) {
	var rec RunRecord
	if err := c.do(ctx, http.MethodPost, "/api/runs/", run, &rec); err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}

// UpdateRun updates an existing run record
func (c *Client) UpdateRun(ctx context.Context, runNumber string, run Run) error {
	path := fmt.Sprintf("/api/runs/%s/", runNumber)
	return c.do(ctx, http.MethodPatch, path, run, nil)
}

// CreateFile registers one STF file against its run
func (c *Client) CreateFile(ctx context.Context, file StfFile) (FileRecord, error) {
	var rec FileRecord
	if err := c.do(ctx, http.MethodPost, "/api/files/", file, &rec); err != nil {
		return FileRecord{}, err
	}
	return rec, nil
}

// UpdateFile updates the processing status of a registered file
func (c *Client) UpdateFile(ctx context.Context, filename string, file StfFile) error {
	path := fmt.Sprintf("/api/files/%s/", filename)
	return c.do(ctx, http.MethodPatch, path, file, nil)
}

// SendHeartbeat registers the agent and reports its liveness. Idempotent;
// safe to call on every inbound message, on an interval, and on terminal
// transitions.
func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	return c.do(ctx, http.MethodPost, "/api/systemagents/heartbeat/", hb, nil)
}

// RegisterSubscriber registers the agent as a subscriber of its destination.
// Callers treat a failure here as non-critical: it never blocks startup.
func (c *Client) RegisterSubscriber(ctx context.Context, sub Subscriber) error {
	return c.do(ctx, http.MethodPost, "/api/subscribers/", sub, nil)
}

// do executes one request, retrying transient outcomes when retry is enabled.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.retryCfg == nil {
		return c.doOnce(ctx, method, path, body, out)
	}
	err := retry.Do(ctx, *c.retryCfg, func() error {
		callErr := c.doOnce(ctx, method, path, body, out)
		if callErr != nil && errors.IsInvalid(callErr) {
			return retry.NonRetryable(callErr)
		}
		return callErr
	})
	if err != nil {
		var nre *retry.NonRetryableError
		if errors.As(err, &nre) {
			return nre.Err
		}
	}
	return err
}

// doOnce executes one request and maps the outcome to the error taxonomy.
func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.WrapInvalid(err, "Client", "do", "marshal request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "do", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrRegistryUnavailable, err),
			"Client", "do", method+" "+path)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.logger.Warn("registry rejected request",
			"method", method, "path", path,
			"status", resp.StatusCode, "body", string(respBody))
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s %s returned %d", errors.ErrRegistryRejected, method, path, resp.StatusCode),
			"Client", "do", "registry rejection")
	default:
		return errors.WrapTransient(
			fmt.Errorf("%w: %s %s returned %d", errors.ErrRegistryUnavailable, method, path, resp.StatusCode),
			"Client", "do", "registry server error")
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.WrapInvalid(err, "Client", "do", "decode response body")
		}
	}
	return nil
}
