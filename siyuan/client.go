package siyuan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"siyuan-fuse/metrics"
)

// DefaultTimeout bounds each remote call when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Endpoint paths, relative to the base URL.
const (
	pathListNotebooks = "/api/notebook/lsNotebooks"
	pathIDsByHPath    = "/api/filetree/getIDsByHPath"
	pathListDocs      = "/api/filetree/listDocsByPath"
	pathExportMd      = "/api/export/exportMdContent"
	pathUpdateBlock   = "/api/block/updateBlock"
	pathRemoveDoc     = "/api/filetree/removeDocByID"
)

// Config is the connection configuration supplied by the host.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func (c Config) normalized() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.Token = strings.TrimSpace(c.Token)
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Equal reports whether two configs describe the same connection.
func (c Config) Equal(o Config) bool {
	return c.normalized() == o.normalized()
}

// Client is a stateless client for the note store HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Timeout is left
// alone; Config.Timeout is still applied per call through the context.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records every remote call on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a new note store API client.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg = cfg.normalized()
	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("siyuan")
	return c
}

// Config returns the normalized connection configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// ListNotebooks returns every notebook, open or closed.
func (c *Client) ListNotebooks(ctx context.Context) ([]Notebook, error) {
	var data notebooksData
	if err := c.call(ctx, pathListNotebooks, struct{}{}, &data, false); err != nil {
		return nil, err
	}
	return data.Notebooks, nil
}

// GetIDsByHPath maps a human-readable path inside a notebook to the IDs of
// the documents found there. An empty result means nothing matched.
func (c *Client) GetIDsByHPath(ctx context.Context, notebookID, hpath string) ([]string, error) {
	var ids []string
	if err := c.call(ctx, pathIDsByHPath, hpathRequest{Notebook: notebookID, Path: hpath}, &ids, true); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListDocsByPath lists the child documents at a resolved storage path. The
// notebook root is "/".
func (c *Client) ListDocsByPath(ctx context.Context, notebookID, path string) ([]DocEntry, error) {
	var data docsData
	if err := c.call(ctx, pathListDocs, hpathRequest{Notebook: notebookID, Path: path}, &data, false); err != nil {
		return nil, err
	}
	return data.Files, nil
}

// GetContent returns the markdown content of a document.
func (c *Client) GetContent(ctx context.Context, id string) (string, error) {
	var data exportData
	if err := c.call(ctx, pathExportMd, idRequest{ID: id}, &data, false); err != nil {
		return "", err
	}
	return data.Content, nil
}

// UpdateContent replaces the whole content of a document with markdown.
func (c *Client) UpdateContent(ctx context.Context, id, markdown string) error {
	return c.call(ctx, pathUpdateBlock, updateBlockRequest{ID: id, DataType: "markdown", Data: markdown}, nil, true)
}

// RemoveDoc deletes a document and its sub-documents.
func (c *Client) RemoveDoc(ctx context.Context, id string) error {
	return c.call(ctx, pathRemoveDoc, idRequest{ID: id}, nil, true)
}

// call issues one POST and decodes the envelope's data into out. When
// allowNull is false a missing or null data field is a validation failure.
func (c *Client) call(ctx context.Context, path string, body, out any, allowNull bool) (err error) {
	endpoint := path[strings.LastIndex(path, "/")+1:]
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		c.metrics.RecordRemoteRequest(endpoint, elapsed, err)
		if err != nil {
			c.logger.Warn("remote call failed", zap.String("endpoint", endpoint), zap.Duration("duration", elapsed), zap.Error(err))
			return
		}
		c.logger.Debug("remote call", zap.String("endpoint", endpoint), zap.Duration("duration", elapsed))
	}()

	reqBody, err := json.Marshal(body)
	if err != nil {
		return newAPIError(endpoint, ErrValidation, 0, "", fmt.Errorf("failed to marshal request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return newAPIError(endpoint, ErrNetwork, 0, "", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Token "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newAPIError(endpoint, ErrNetwork, 0, "", fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return newAPIError(endpoint, ErrNetwork, resp.StatusCode, "", fmt.Errorf("failed to read response body: %w", err))
	}

	var env response
	decodeErr := json.Unmarshal(payload, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := kindForStatus(resp.StatusCode)
		msg := strings.TrimSpace(string(payload))
		if decodeErr == nil && env.Msg != "" {
			msg = env.Msg
			if kind == ErrNetwork && env.Code != 0 {
				apiErr := newAPIError(endpoint, ErrRemote, resp.StatusCode, msg, nil)
				apiErr.Code = env.Code
				return apiErr
			}
		}
		return newAPIError(endpoint, kind, resp.StatusCode, msg, nil)
	}

	if decodeErr != nil {
		return newAPIError(endpoint, ErrValidation, resp.StatusCode, "", fmt.Errorf("failed to decode response: %w", decodeErr))
	}
	if env.Code != 0 {
		apiErr := newAPIError(endpoint, ErrRemote, resp.StatusCode, env.Msg, nil)
		apiErr.Code = env.Code
		return apiErr
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		if allowNull {
			return nil
		}
		return newAPIError(endpoint, ErrValidation, resp.StatusCode, "response has no data", nil)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return newAPIError(endpoint, ErrValidation, resp.StatusCode, "", fmt.Errorf("failed to decode data: %w", err))
	}
	return nil
}
