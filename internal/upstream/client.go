// Package upstream is the HTTP client for the REST-fronted column store
// that owns page bodies and vectors: paged scanning for bootstrap, a
// single-row upsert for persisting computed vectors, and a one-page body
// fetch for the query path.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// readRetryDelays backs off PagedScan/GetPageBody: 5 attempts total.
var readRetryDelays = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second, 2 * time.Second}

// writeRetryDelays backs off Put: 5 attempts total.
var writeRetryDelays = readRetryDelays

// notifyRetryDelays backs off the fire-and-forget /refresh notification:
// 3 attempts total.
var notifyRetryDelays = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond}

// bodyFetchTimeout bounds a single page-body read on the query path.
const bodyFetchTimeout = 5 * time.Second

// Client is a minimal client for the Stargate v2 REST facade over the
// upstream column store: rows live at /v2/keyspaces/{keyspace}/{table}/{key}
// and table scans page via opaque page-state continuation tokens.
type Client struct {
	baseURL   string
	keyspace  string
	authToken string
	http      *http.Client
}

// New creates a Client pointed at baseURL for the given keyspace. authToken,
// if non-empty, is sent as an X-Cassandra-Token header on every request to
// the store (not on the notifications sent to the retrieval service).
func New(baseURL, keyspace, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		keyspace:  keyspace,
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Row is one record returned by PagedScan, keyed by column name.
type Row map[string]json.RawMessage

// scanPage is the Stargate scan response envelope: a batch of rows plus an
// opaque continuation token, empty on the final page.
type scanPage struct {
	Data      []Row  `json:"data"`
	PageState string `json:"pageState"`
}

// PagedScan traverses table in pages of pageSize rows, calling visit for
// each page in turn. It stops when the upstream stops returning a
// continuation token, or when visit returns an error.
func (c *Client) PagedScan(ctx context.Context, table string, pageSize int, visit func([]Row) error) error {
	token := ""
	for {
		page, err := c.scanOnePage(ctx, table, pageSize, token)
		if err != nil {
			return err
		}
		if len(page.Data) == 0 {
			return nil
		}

		if err := visit(page.Data); err != nil {
			return err
		}

		if page.PageState == "" {
			return nil
		}
		token = page.PageState
	}
}

func (c *Client) scanOnePage(ctx context.Context, table string, pageSize int, token string) (*scanPage, error) {
	q := url.Values{}
	q.Set("page-size", strconv.Itoa(pageSize))
	if token != "" {
		q.Set("page-state", token)
	}
	reqURL := fmt.Sprintf("%s?%s", c.tableURL(table), q.Encode())

	var page scanPage
	err := c.withReadRetry(ctx, "PagedScan", func() error {
		return c.getJSON(ctx, reqURL, &page)
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// Put upserts row under key in table.
func (c *Client) Put(ctx context.Context, table, key string, row any) error {
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("upstream.Put: marshal: %w", err)
	}

	reqURL := c.rowURL(table, key)

	return c.withWriteRetry(ctx, "Put", func() error {
		req, err := c.newRequest(ctx, http.MethodPut, reqURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("upstream.Put: %w", err)
		}
		defer resp.Body.Close()

		return classifyStatus(resp, key)
	})
}

// Delete removes a row from table. Used only when the ingest worker runs
// with CDC_DELETE_MODE=remove.
func (c *Client) Delete(ctx context.Context, table, key string) error {
	reqURL := c.rowURL(table, key)

	return c.withWriteRetry(ctx, "Delete", func() error {
		req, err := c.newRequest(ctx, http.MethodDelete, reqURL, nil)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("upstream.Delete: %w", err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp, key); err != nil {
			var notFound *NotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return err
		}
		return nil
	})
}

// NotifyRemove fire-and-forgets a removal to the retrieval service at
// refreshURL, used only when the ingest worker runs with
// CDC_DELETE_MODE=remove. Failures are logged by the caller, never fatal.
func (c *Client) NotifyRemove(ctx context.Context, refreshURL, pageID string) error {
	reqURL := fmt.Sprintf("%s?page_id=%s", refreshURL, url.QueryEscape(pageID))

	return c.withNotifyRetry(ctx, "NotifyRemove", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
		if err != nil {
			return fmt.Errorf("upstream: build request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("upstream.NotifyRemove: %w", err)
		}
		defer resp.Body.Close()

		return classifyStatus(resp, pageID)
	})
}

// pageBodyResponse is the page-row shape; only the body column matters on
// the query path, the rest of the row is ignored.
type pageBodyResponse struct {
	Body string `json:"body"`
}

// GetPageBody reads one page's body from the pages table. Returns
// NotFoundError if the page does not exist.
func (c *Client) GetPageBody(ctx context.Context, pageID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, bodyFetchTimeout)
	defer cancel()

	reqURL := c.rowURL("pages", pageID)

	var resp pageBodyResponse
	err := c.withReadRetry(ctx, "GetPageBody", func() error {
		return c.getJSON(ctx, reqURL, &resp)
	})
	if err != nil {
		return "", err
	}
	return resp.Body, nil
}

// NotifyRefresh fire-and-forgets a /refresh notification to the retrieval
// service at refreshURL. Failures are logged by the caller, never fatal.
func (c *Client) NotifyRefresh(ctx context.Context, refreshURL, pageID string, vec []float32) error {
	body, err := json.Marshal(map[string]any{"page_id": pageID, "vector": vec})
	if err != nil {
		return fmt.Errorf("upstream.NotifyRefresh: marshal: %w", err)
	}

	return c.withNotifyRetry(ctx, "NotifyRefresh", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("upstream: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("upstream.NotifyRefresh: %w", err)
		}
		defer resp.Body.Close()

		return classifyStatus(resp, pageID)
	})
}

func (c *Client) tableURL(table string) string {
	return fmt.Sprintf("%s/v2/keyspaces/%s/%s", c.baseURL, url.PathEscape(c.keyspace), url.PathEscape(table))
}

func (c *Client) rowURL(table, key string) string {
	return fmt.Sprintf("%s/%s", c.tableURL(table), url.PathEscape(key))
}

func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: transport error: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp, reqURL); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("upstream: decode response: %w", err)
	}
	return nil
}

// newRequest builds a request against the Stargate facade, attaching the
// auth token header when configured. Notification requests to the retrieval
// service bypass this and carry no token.
func (c *Client) newRequest(ctx context.Context, method, reqURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("X-Cassandra-Token", c.authToken)
	}
	return req, nil
}

// classifyStatus maps an HTTP response to the component's error taxonomy:
// 2xx is success, 404 is NotFoundError (never retried), other 4xx is
// ClientError, 5xx is UpstreamError (retryable by the caller).
func classifyStatus(resp *http.Response, key string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return &NotFoundError{Key: key}
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &ClientError{Status: resp.StatusCode, Reason: string(respBody)}
	}
	return &UpstreamError{Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, respBody)}
}

func (c *Client) withReadRetry(ctx context.Context, op string, fn func() error) error {
	return withRetry(ctx, op, readRetryDelays, fn)
}

func (c *Client) withWriteRetry(ctx context.Context, op string, fn func() error) error {
	return withRetry(ctx, op, writeRetryDelays, fn)
}

func (c *Client) withNotifyRetry(ctx context.Context, op string, fn func() error) error {
	return withRetry(ctx, op, notifyRetryDelays, fn)
}

// withRetry executes fn, retrying on anything except NotFoundError/ClientError
// (which are never transient), up to len(delays)+1 total attempts. A
// failure that outlasts every attempt is returned as *UpstreamError.
func withRetry(ctx context.Context, op string, delays []time.Duration, fn func() error) error {
	err := fn()
	if err == nil || !isRetryable(err) {
		return err
	}

	for i, delay := range delays {
		slog.Warn("upstream: retrying", "operation", op, "attempt", i+2, "delay_ms", delay.Milliseconds(), "error", err.Error())

		select {
		case <-ctx.Done():
			return fmt.Errorf("upstream.%s: context cancelled during retry: %w", op, ctx.Err())
		case <-time.After(delay):
		}

		err = fn()
		if err == nil || !isRetryable(err) {
			return err
		}
	}

	slog.Error("upstream: retries exhausted", "operation", op, "attempts", len(delays)+1)
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return err
	}
	return &UpstreamError{Reason: fmt.Sprintf("%s: exhausted %d retries: %v", op, len(delays), err)}
}

func isRetryable(err error) bool {
	var notFound *NotFoundError
	var clientErr *ClientError
	switch {
	case errors.As(err, &notFound):
		return false
	case errors.As(err, &clientErr):
		return false
	default:
		return true
	}
}
