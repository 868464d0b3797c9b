// Package remote adapts the hosted row store: point reads and upserts of
// the ledger row over REST, the chat table, and a realtime change
// subscription over websocket.
package remote

import (
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

	apperrors "github.com/pairbook/pairbook/internal/errors"
	"github.com/pairbook/pairbook/internal/ledger"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads. Ledger rows are a few
	// hundred KB at most; anything bigger is a misbehaving server.
	maxResponseBytes = 4 * 1024 * 1024

	// restPrefix is the row-store REST path prefix.
	restPrefix = "/rest/v1"
)

// Client talks to the hosted row store's REST endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the API key never leaks to a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a row-store client. If httpClient is nil, a client
// with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// FetchLedger point-reads the ledger row for a pairing id. Returns
// apperrors.ErrLedgerNotFound when no row exists yet (first device in a
// fresh session).
func (c *Client) FetchLedger(ctx context.Context, pairingID string) (ledger.Ledger, error) {
	query := url.Values{
		"id":     []string{"eq." + pairingID},
		"select": []string{"id,data,updated_at"},
	}

	var rows []LedgerRow
	if err := c.get(ctx, restPrefix+"/ledgers", query, &rows); err != nil {
		return ledger.Default(), err
	}

	if len(rows) == 0 {
		return ledger.Default(), apperrors.ErrLedgerNotFound
	}

	l := rows[0].Data
	l.Backfill()

	return l, nil
}

// UpsertLedger writes the whole ledger row for a pairing id, inserting or
// replacing by primary key.
func (c *Client) UpsertLedger(ctx context.Context, pairingID string, l ledger.Ledger) error {
	row := LedgerRow{ID: pairingID, Data: l, UpdatedAt: time.Now().UTC()}
	return c.post(ctx, restPrefix+"/ledgers", []LedgerRow{row}, true, nil)
}

// ListMessages returns all chat rows for a pairing id, oldest first.
// Content is returned as stored; decryption is the chat layer's concern.
func (c *Client) ListMessages(ctx context.Context, pairingID string) ([]MessageRow, error) {
	query := url.Values{
		"sync_id": []string{"eq." + pairingID},
		"order":   []string{"created_at.asc"},
	}

	var rows []MessageRow
	if err := c.get(ctx, restPrefix+"/messages", query, &rows); err != nil {
		return nil, err
	}

	return rows, nil
}

// InsertMessage appends one chat row.
func (c *Client) InsertMessage(ctx context.Context, msg MessageRow) error {
	return c.post(ctx, restPrefix+"/messages", []MessageRow{msg}, false, nil)
}

// get sends a GET request and decodes the JSON response into result.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	c.setHeaders(req)

	return c.do(req, endpoint, result)
}

// post sends a JSON POST request. With upsert set, rows sharing a primary
// key replace the stored row instead of conflicting.
func (c *Client) post(ctx context.Context, endpoint string, body any, upsert bool, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	if upsert {
		req.Header.Set("Prefer", "resolution=merge-duplicates")
	}

	return c.do(req, endpoint, result)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func (c *Client) do(req *http.Request, endpoint string, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: %s returned %d: %s", apperrors.ErrAPIRequest, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", apperrors.ErrAPIResponse, endpoint, err)
	}

	return nil
}

// isTransientStatus reports whether an HTTP status is worth retrying.
func isTransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}

	return status >= 500
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces control
// characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	clean := make([]byte, 0, len(body))

	for _, b := range body {
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, b)
		}
	}

	return string(clean)
}
