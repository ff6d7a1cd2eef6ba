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
	"strconv"
	"strings"
	"time"

	"github.com/tinfoilsh/chatsync/internal/common"
	"github.com/tinfoilsh/chatsync/internal/logging"
)

// Client talks to the backend chat store over JSON/HTTPS. Every request
// carries the session API key; on a 401-class response the key is refreshed
// once and the request retried before the error is surfaced.
type Client struct {
	base string
	http *http.Client
	keys *KeySource
	log  logging.Logger
}

// NewClient builds a Client for the given base URL. httpClient may be nil.
func NewClient(baseURL string, keys *KeySource, httpClient *http.Client, log logging.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: httpClient,
		keys: keys,
		log:  log,
	}
}

var _ API = (*Client)(nil)

func (c *Client) GenerateID(ctx context.Context) (string, time.Time, error) {
	var resp struct {
		ChatID    string    `json:"chatId"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/chats/generate-id", nil, &resp); err != nil {
		return "", time.Time{}, err
	}
	return resp.ChatID, resp.Timestamp, nil
}

func (c *Client) List(ctx context.Context, limit int, continuationToken string) (*ListResult, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if continuationToken != "" {
		q.Set("continuationToken", continuationToken)
	}

	var resp ListResult
	if err := c.do(ctx, http.MethodGet, "/v1/chats?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) FetchRecord(ctx context.Context, id string) (*Record, error) {
	var resp Record
	if err := c.do(ctx, http.MethodGet, "/v1/chats/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Upload(ctx context.Context, id string, encryptedBody []byte, meta Metadata) error {
	body := struct {
		EncryptedBody []byte   `json:"encryptedBody"`
		Metadata      Metadata `json:"metadata"`
	}{EncryptedBody: encryptedBody, Metadata: meta}

	return c.do(ctx, http.MethodPut, "/v1/chats/"+url.PathEscape(id), body, nil)
}

func (c *Client) UpdateMetadata(ctx context.Context, id string, meta Metadata) error {
	body := struct {
		Metadata Metadata `json:"metadata"`
	}{Metadata: meta}

	return c.do(ctx, http.MethodPatch, "/v1/chats/"+url.PathEscape(id)+"/metadata", body, nil)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/chats/"+url.PathEscape(id), nil, nil)
	if errors.Is(err, common.ErrNotFound) {
		// Remote delete is idempotent.
		return nil
	}
	return err
}

// do runs one request with the session key attached, refreshing the key and
// retrying exactly once on a 401-class response.
func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	status, err := c.doOnce(ctx, method, path, reqBody, respBody)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.keys.Invalidate()
		status, err = c.doOnce(ctx, method, path, reqBody, respBody)
		if err != nil {
			return err
		}
	}
	return mapStatus(status)
}

func (c *Client) doOnce(ctx context.Context, method, path string, reqBody, respBody any) (int, error) {
	key, err := c.keys.APIKey(ctx)
	if err != nil {
		return 0, err
	}

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set(common.AuthorizationHeader, "Bearer "+key)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %w", common.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// mapStatus converts HTTP statuses to the engine's sentinel errors, the same
// way the transport layer errors are narrowed everywhere else.
func mapStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return common.ErrUnauthorized
	case status == http.StatusNotFound:
		return common.ErrNotFound
	case status >= 500 || status == http.StatusTooManyRequests:
		return common.ErrUnavailable
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
}
