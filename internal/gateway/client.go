package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drivemirror/drivemirror/internal/logging"
	"github.com/drivemirror/drivemirror/internal/meta"
	"github.com/drivemirror/drivemirror/pkg/retry"
)

// Config holds gateway client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
	TokenPath   string // continuation-token file
}

// Client talks to the remote storage provider over HTTP.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	authToken   string
	tokens      *TokenStore

	mu        sync.RWMutex
	online    bool
	rootAlias string // provider-specific alias for the root, "" until discovered
}

var _ Gateway = (*Client)(nil)

// New creates a gateway client. Call Connect before using it.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		authToken:   cfg.AuthToken,
		tokens:      NewTokenStore(cfg.TokenPath),
		online:      true,
	}
}

// Connect verifies the provider is reachable and discovers the provider's
// alias for the tree root so later IDs can be normalized.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("ping provider: %w", err)
	}

	var f File
	if err := c.getJSON(ctx, "/api/v1/files/"+string(meta.RootID), nil, &f); err != nil {
		return fmt.Errorf("discover root alias: %w", err)
	}

	c.mu.Lock()
	c.rootAlias = f.ID
	c.mu.Unlock()

	logging.Info("connected to provider",
		zap.String("base_url", c.baseURL),
		zap.String("root_alias", f.ID))
	return nil
}

// IsOnline returns true if the last provider call succeeded.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("provider is back online")
		} else {
			logging.Error("provider is offline")
		}
	}
	c.online = online
}

// Ping checks if the provider is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return fmt.Errorf("%w: %v", ErrRemote, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("%w: provider returned %d", ErrRemote, resp.StatusCode)
	}

	c.setOnline(true)
	return nil
}

type listResponse struct {
	Files         []File `json:"files"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

type changesResponse struct {
	Changes           []Change `json:"changes"`
	NextPageToken     string   `json:"nextPageToken,omitempty"`
	NewStartPageToken string   `json:"newStartPageToken,omitempty"`
}

type startTokenResponse struct {
	StartPageToken string `json:"startPageToken"`
}

// ListAll fetches the complete object listing, following pages until the
// provider reports no more.
func (c *Client) ListAll(ctx context.Context) ([]File, error) {
	var files []File
	pageToken := ""

	for {
		query := url.Values{}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}

		var page listResponse
		if err := c.getJSON(ctx, "/api/v1/files", query, &page); err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}

		for i := range page.Files {
			c.normalizeFile(&page.Files[i])
		}
		files = append(files, page.Files...)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	logging.Debug("listed all files", zap.Int("count", len(files)))
	return files, nil
}

// GetFile fetches one object's record.
func (c *Client) GetFile(ctx context.Context, id meta.ID) (*File, error) {
	var f File
	if err := c.getJSON(ctx, "/api/v1/files/"+url.PathEscape(string(id)), nil, &f); err != nil {
		return nil, fmt.Errorf("get file %s: %w", id, err)
	}
	c.normalizeFile(&f)
	return &f, nil
}

// HasLocalToken reports whether a continuation token is persisted.
func (c *Client) HasLocalToken() bool {
	return c.tokens.Has()
}

// FetchStartToken obtains a fresh continuation token and persists it.
func (c *Client) FetchStartToken(ctx context.Context) error {
	var resp startTokenResponse
	if err := c.getJSON(ctx, "/api/v1/changes/startPageToken", nil, &resp); err != nil {
		return fmt.Errorf("fetch start token: %w", err)
	}
	if resp.StartPageToken == "" {
		return fmt.Errorf("provider returned empty start token")
	}
	return c.tokens.Save(resp.StartPageToken)
}

// Changes fetches all pending change records from the persisted token
// onward. The token advances and is persisted after every page, so an
// interrupted multi-page fetch resumes from the last completed page.
func (c *Client) Changes(ctx context.Context) ([]Change, error) {
	pageToken, err := c.tokens.Load()
	if err != nil {
		return nil, err
	}
	if pageToken == "" {
		return nil, fmt.Errorf("no continuation token; bootstrap first")
	}

	var changes []Change
	for pageToken != "" {
		query := url.Values{}
		query.Set("pageToken", pageToken)

		var page changesResponse
		if err := c.getJSON(ctx, "/api/v1/changes", query, &page); err != nil {
			return nil, fmt.Errorf("fetch changes: %w", err)
		}

		for i := range page.Changes {
			c.normalizeChange(&page.Changes[i])
		}
		changes = append(changes, page.Changes...)

		// Persist the cursor for the page after this one: mid-delta the
		// next page token, at the end the token for the next delta.
		next := page.NextPageToken
		if next == "" {
			next = page.NewStartPageToken
		}
		if next == "" {
			return nil, fmt.Errorf("provider returned no continuation token")
		}
		if err := c.tokens.Save(next); err != nil {
			return nil, err
		}
		pageToken = page.NextPageToken
	}

	logging.Debug("fetched changes", zap.Int("count", len(changes)))
	return changes, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return err
		}
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(fmt.Errorf("%w: %v", ErrRemote, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			c.setOnline(false)
			if resp.StatusCode >= 500 {
				return retry.Retryable(fmt.Errorf("%w: provider returned %d", ErrRemote, resp.StatusCode))
			}
			return fmt.Errorf("%w: provider returned %d", ErrRemote, resp.StatusCode)
		}

		c.setOnline(true)
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// normalizeID rewrites the provider's root alias to the canonical root ID.
func (c *Client) normalizeID(id string) string {
	c.mu.RLock()
	alias := c.rootAlias
	c.mu.RUnlock()
	if alias != "" && id == alias {
		return string(meta.RootID)
	}
	return id
}

func (c *Client) normalizeFile(f *File) {
	f.ID = c.normalizeID(f.ID)
	for i, p := range f.Parents {
		f.Parents[i] = c.normalizeID(p)
	}
}

func (c *Client) normalizeChange(ch *Change) {
	ch.FileID = c.normalizeID(ch.FileID)
	if ch.File != nil {
		c.normalizeFile(ch.File)
	}
}
