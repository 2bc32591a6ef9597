package provider

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/klauspost/compress/gzip"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// RetryConfig controls retries of idempotent (GET) requests.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Client talks to the hosted provisioning API over HTTP/JSON. It is safe for
// concurrent use once constructed.
type Client struct {
	baseURL    string
	token      string
	runtime    string
	ports      []int
	httpClient *http.Client
	retry      RetryConfig
}

func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		runtime:    "node22",
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		retry:      RetryConfig{MaxRetries: 3, RetryDelay: time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithRetryConfig(rc RetryConfig) ClientOption {
	return func(c *Client) { c.retry = rc }
}

// WithRuntime sets the runtime requested for new sandboxes.
func WithRuntime(runtime string) ClientOption {
	return func(c *Client) { c.runtime = runtime }
}

// WithPorts sets the ports exposed on new sandboxes.
func WithPorts(ports ...int) ClientOption {
	return func(c *Client) { c.ports = ports }
}

type wireSandbox struct {
	ID               string `json:"id"`
	Status           Status `json:"status"`
	Timeout          int64  `json:"timeout"`
	CreatedAt        int64  `json:"createdAt"`
	SourceSnapshotID string `json:"sourceSnapshotId,omitempty"`
}

func (w wireSandbox) sandbox() *Sandbox {
	return &Sandbox{
		ID:            w.ID,
		Status:        w.Status,
		Timeout:       time.Duration(w.Timeout) * time.Millisecond,
		CreatedAt:     time.UnixMilli(w.CreatedAt).UTC(),
		SourceImageID: w.SourceSnapshotID,
	}
}

type wireSnapshot struct {
	ID              string `json:"id"`
	SourceSandboxID string `json:"sourceSandboxId"`
	Status          string `json:"status"`
	SizeBytes       int64  `json:"sizeBytes"`
	CreatedAt       int64  `json:"createdAt"`
	ExpiresAt       int64  `json:"expiresAt"`
}

type wireSource struct {
	Type       SourceType `json:"type"`
	SnapshotID string     `json:"snapshotId,omitempty"`
}

type createBody struct {
	Source  *wireSource `json:"source,omitempty"`
	Timeout int64       `json:"timeout,omitempty"`
	Runtime string      `json:"runtime,omitempty"`
	Ports   []int       `json:"ports,omitempty"`
}

type commandBody struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Sudo    bool              `json:"sudo,omitempty"`
	Wait    bool              `json:"wait"`
}

func (c *Client) Create(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	body := createBody{
		Timeout: req.Timeout.Milliseconds(),
		Runtime: req.Runtime,
		Ports:   req.Ports,
	}
	if body.Runtime == "" {
		body.Runtime = c.runtime
	}
	if len(body.Ports) == 0 {
		body.Ports = c.ports
	}
	if req.Source.Type == SourceImage {
		body.Source = &wireSource{Type: SourceImage, SnapshotID: req.Source.ImageID}
	}

	var resp struct {
		Sandbox wireSandbox `json:"sandbox"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sandboxes", body, &resp); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	return resp.Sandbox.sandbox(), nil
}

func (c *Client) Get(ctx context.Context, id string) (*Sandbox, error) {
	var resp struct {
		Sandbox wireSandbox `json:"sandbox"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, fmt.Errorf("get sandbox %s: %w", id, err)
	}
	return resp.Sandbox.sandbox(), nil
}

func (c *Client) Stop(ctx context.Context, id string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(id)+"/stop", nil, nil); err != nil {
		return fmt.Errorf("stop sandbox %s: %w", id, err)
	}
	return nil
}

func (c *Client) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	var resp struct {
		Snapshot wireSnapshot `json:"snapshot"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(id)+"/snapshot", nil, &resp); err != nil {
		return nil, fmt.Errorf("snapshot sandbox %s: %w", id, err)
	}
	s := resp.Snapshot
	return &Snapshot{
		ID:              s.ID,
		SourceSandboxID: s.SourceSandboxID,
		Status:          s.Status,
		SizeBytes:       s.SizeBytes,
		CreatedAt:       time.UnixMilli(s.CreatedAt).UTC(),
		ExpiresAt:       time.UnixMilli(s.ExpiresAt).UTC(),
	}, nil
}

func (c *Client) ExtendTimeout(ctx context.Context, id string, d time.Duration) error {
	body := map[string]int64{"duration": d.Milliseconds()}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(id)+"/extend-timeout", body, nil); err != nil {
		return fmt.Errorf("extend sandbox %s: %w", id, err)
	}
	return nil
}

func (c *Client) List(ctx context.Context) ([]Sandbox, error) {
	var resp struct {
		Sandboxes []wireSandbox `json:"sandboxes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sandboxes", nil, &resp); err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	out := make([]Sandbox, 0, len(resp.Sandboxes))
	for _, s := range resp.Sandboxes {
		out = append(out, *s.sandbox())
	}
	return out, nil
}

// RunCommand runs cmd to completion inside the sandbox. A non-zero exit is
// reported as *CommandError alongside the result.
func (c *Client) RunCommand(ctx context.Context, id string, cmd Command) (*CommandResult, error) {
	body := commandBody{
		Command: cmd.Cmd,
		Args:    cmd.Args,
		Cwd:     cmd.Cwd,
		Env:     cmd.Env,
		Sudo:    cmd.Sudo,
		Wait:    true,
	}
	var resp struct {
		Command CommandResult `json:"command"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(id)+"/cmd", body, &resp); err != nil {
		return nil, fmt.Errorf("run %s in %s: %w", cmd.Cmd, id, err)
	}
	res := resp.Command
	if res.ExitCode != 0 {
		return &res, &CommandError{
			Cmd:      shellquote.Join(append([]string{cmd.Cmd}, cmd.Args...)...),
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
	return &res, nil
}

// WriteFiles uploads files as one gzip-compressed tar stream.
func (c *Client) WriteFiles(ctx context.Context, id string, files []File) error {
	payload, err := tarGzip(files)
	if err != nil {
		return fmt.Errorf("pack files: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(id)+"/fs/write", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/gzip")
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("write files to %s: %w", id, err)
	}
	return nil
}

func tarGzip(files []File) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for _, f := range files {
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     strings.TrimPrefix(f.Path, "/"),
			Mode:     mode,
			Size:     int64(len(f.Content)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// do sends req, retrying GETs on transport errors and 5xx responses.
func (c *Client) do(req *http.Request, out any) error {
	attempts := 1
	if req.Method == http.MethodGet {
		attempts += c.retry.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return req.Context().Err()
			case <-time.After(c.retry.RetryDelay * time.Duration(attempt)):
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		err = decodeResponse(resp, out)
		resp.Body.Close()
		if err == nil {
			return nil
		}
		lastErr = err
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return err
		}
	}
	return lastErr
}

func decodeResponse(resp *http.Response, out any) error {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, b)
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var errResp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && (errResp.Error.Code != "" || errResp.Error.Message != "") {
		apiErr.Code = errResp.Error.Code
		apiErr.Message = errResp.Error.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
