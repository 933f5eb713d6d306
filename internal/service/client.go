package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/drivemirror/drivemirror/internal/meta"
	"github.com/drivemirror/drivemirror/internal/protocol"
	"github.com/drivemirror/drivemirror/pkg/retry"
)

// Client errors. Transport failures wrap ErrTransport; API errors wrap
// the sentinel matching the response kind. Adapters dispatch on these
// with errors.Is.
var (
	ErrTransport      = errors.New("daemon unreachable")
	ErrNotFound       = errors.New("not found")
	ErrInvalidPath    = errors.New("invalid path")
	ErrAlreadyRunning = errors.New("sync already running")
	ErrUnsupported    = errors.New("operation unsupported")
	ErrRemote         = errors.New("remote provider error")
)

// ClientConfig configures a daemon client.
type ClientConfig struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
}

// Client is the HTTP client for the daemon API, used by filesystem
// adapters and tooling.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retryCfg   retry.Config
}

// NewClient creates a daemon client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		retryCfg: cfg.RetryConfig,
	}
}

// Ping checks daemon reachability and reports its offline flag.
func (c *Client) Ping(ctx context.Context) (offline bool, err error) {
	var resp protocol.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return false, err
	}
	return resp.Offline, nil
}

// Sync triggers one reconciliation pass. A pass already in flight
// reports ErrAlreadyRunning.
func (c *Client) Sync(ctx context.Context) error {
	var resp protocol.SyncResponse
	return c.do(ctx, http.MethodPost, "/api/v1/sync", nil, &resp)
}

// Metadata fetches the record for id.
func (c *Client) Metadata(ctx context.Context, id meta.ID) (*meta.Metadata, error) {
	var resp protocol.MetadataResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/meta/"+url.PathEscape(string(id)), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}

// Resolve walks path to an ID.
func (c *Client) Resolve(ctx context.Context, path string) (meta.ID, error) {
	var resp protocol.ResolveResponse
	endpoint := "/api/v1/resolve?path=" + url.QueryEscape(path)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Lookup returns the ID of the named child of parent.
func (c *Client) Lookup(ctx context.Context, parent meta.ID, name string) (meta.ID, error) {
	var resp protocol.LookupResponse
	endpoint := "/api/v1/lookup?parent=" + url.QueryEscape(string(parent)) +
		"&name=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Children lists the children of id starting at offset.
func (c *Client) Children(ctx context.Context, id meta.ID, offset int) (*protocol.ChildrenResponse, error) {
	var resp protocol.ChildrenResponse
	endpoint := fmt.Sprintf("/api/v1/objects/%s/children?offset=%d", url.PathEscape(string(id)), offset)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetOffline toggles the daemon's offline mode.
func (c *Client) SetOffline(ctx context.Context, offline bool) error {
	var resp protocol.OfflineResponse
	return c.do(ctx, http.MethodPut, "/api/v1/offline", protocol.OfflineRequest{Offline: offline}, &resp)
}

// do performs one API call with retries on transport failures and 5xx
// responses. 4xx responses are decoded and surfaced without retrying.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return retry.Do(ctx, c.retryCfg, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(fmt.Errorf("%w: %v", ErrTransport, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
			return retry.Retryable(decodeError(resp))
		}
		if resp.StatusCode >= 400 {
			return decodeError(resp)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	})
}

// decodeError turns an API error response into a typed client error.
func decodeError(resp *http.Response) error {
	var apiErr protocol.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	var sentinel error
	switch apiErr.Kind {
	case protocol.KindNotFound:
		sentinel = ErrNotFound
	case protocol.KindInvalidPath:
		sentinel = ErrInvalidPath
	case protocol.KindAlreadyRunning:
		sentinel = ErrAlreadyRunning
	case protocol.KindUnsupported, protocol.KindUnimplemented:
		sentinel = ErrUnsupported
	case protocol.KindGateway:
		sentinel = ErrRemote
	default:
		return fmt.Errorf("daemon error: %s", apiErr.Error)
	}
	return fmt.Errorf("%w: %s", sentinel, apiErr.Error)
}
