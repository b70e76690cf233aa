package apisix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"trafficguard/internal/domain"
)

const (
	adminKeyHeader   = "X-API-KEY"
	maxResponseBytes = 10 << 20 // 10 MiB safety cap
)

// Response is an upstream reply relayed as-is.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Client talks to the APISIX admin API.
type Client struct {
	baseURL    string
	adminKey   string
	httpClient *http.Client
}

func NewClient(baseURL, adminKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminKey:   adminKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListRoutes returns the upstream route listing untouched.
func (c *Client) ListRoutes(ctx context.Context) (*Response, error) {
	return c.relay(ctx, "routes")
}

func (c *Client) GetRoute(ctx context.Context, id string) (*Response, error) {
	return c.relay(ctx, "routes/"+url.PathEscape(id))
}

func (c *Client) relay(ctx context.Context, path string) (*Response, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(resp.Body)) > 0 && !json.Valid(resp.Body) {
		return nil, &domain.Error{
			Kind: domain.KindSerialization,
			Op:   "GET " + path,
			Err:  fmt.Errorf("upstream returned invalid JSON (status %d)", resp.Status),
		}
	}
	return resp, nil
}

// GetPluginMetadata fetches the metadata value for plugin. found is false
// when the gateway has no metadata for it yet, which is not an error.
func (c *Client) GetPluginMetadata(ctx context.Context, plugin string) (value Metadata, found bool, err error) {
	path := "plugin_metadata/" + url.PathEscape(plugin)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, false, err
	}

	if resp.Status == http.StatusNotFound {
		return Metadata{}, false, nil
	}
	if !isSuccess(resp.Status) {
		return nil, false, upstreamError("GET "+path, resp)
	}

	value, err = decodeMetadata(resp.Body)
	if err != nil {
		return nil, false, &domain.Error{Kind: domain.KindSerialization, Op: "GET " + path, Err: err}
	}
	return value, true, nil
}

// PutPluginMetadata replaces the metadata value for plugin and returns the
// upstream status code. Non-2xx replies come back as upstream errors.
func (c *Client) PutPluginMetadata(ctx context.Context, plugin string, value Metadata) (int, error) {
	path := "plugin_metadata/" + url.PathEscape(plugin)
	resp, err := c.do(ctx, http.MethodPut, path, value)
	if err != nil {
		return 0, err
	}
	if !isSuccess(resp.Status) {
		return resp.Status, upstreamError("PUT "+path, resp)
	}
	return resp.Status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*Response, error) {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &domain.Error{Kind: domain.KindSerialization, Op: op, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, reader)
	if err != nil {
		return nil, &domain.Error{Kind: domain.KindUpstreamUnreachable, Op: op, Err: err}
	}
	req.Header.Set(adminKeyHeader, c.adminKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn("apisix: request failed", "method", method, "path", path, "error", err)
		return nil, &domain.Error{Kind: domain.KindUpstreamUnreachable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.Error{Kind: domain.KindUpstreamUnreachable, Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	log.Debug("apisix: request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))
	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func upstreamError(op string, resp *Response) error {
	msg := strings.TrimSpace(string(resp.Body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &domain.Error{
		Kind:   domain.KindUpstreamError,
		Status: resp.Status,
		Op:     op,
		Err:    fmt.Errorf("upstream responded %d: %s", resp.Status, msg),
	}
}
