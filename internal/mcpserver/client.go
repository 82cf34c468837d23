package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for reaching the escrow daemon.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// EscrowClient is a pure HTTP client for the escrow daemon's /v1 API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a client. The timeout covers a synchronous
// deploy or approve, which waits for confirmation.
func NewEscrowClient(cfg Config) *EscrowClient {
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// apiError represents an error response from the daemon.
type apiError struct {
	Error   string `json:"error"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body.
func (c *EscrowClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.Field != "" {
				return nil, fmt.Errorf("API error (%d): %s %s", resp.StatusCode, apiErr.Field, apiErr.Message)
			}
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Session returns the current snapshot, account and balance.
func (c *EscrowClient) Session(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/session", nil, nil)
}

// SetAccount switches the active account.
func (c *EscrowClient) SetAccount(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/session/account", nil, map[string]string{"address": address})
}

// Create starts drafting a new escrow.
func (c *EscrowClient) Create(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/create", nil, nil)
}

// Action deploys or approves. With wait it returns once the action settled.
func (c *EscrowClient) Action(ctx context.Context, beneficiary, arbiter, value string, wait bool) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("wait", strconv.FormatBool(wait))
	body := map[string]string{
		"beneficiary": beneficiary,
		"arbiter":     arbiter,
		"value":       value,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/action", q, body)
}

// Load adopts an escrow already on the ledger.
func (c *EscrowClient) Load(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/load", nil, map[string]string{"address": address})
}

// Recheck re-queries an approval whose event was not observed.
func (c *EscrowClient) Recheck(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/recheck", nil, nil)
}

// Reset discards the current escrow.
func (c *EscrowClient) Reset(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/reset", nil, nil)
}

// List returns a page of journaled escrows, optionally only those involving
// account. An empty cursor starts from the newest.
func (c *EscrowClient) List(ctx context.Context, account string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if account != "" {
		q.Set("account", account)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows", q, nil)
}

// Get returns one journaled escrow.
func (c *EscrowClient) Get(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(address), nil, nil)
}
