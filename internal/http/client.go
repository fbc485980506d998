package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"walstore/pkg/store"
)

// Client talks to a Server. Error statuses come back as the dberrors
// sentinels the server mapped them from.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s request", method)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentTypeBinary)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

// statusError decodes an error reply. Replies that did not come from the
// store handlers, such as 405 from the router, fall back to the status.
func statusError(resp *http.Response) error {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read %s reply", resp.Status)
	}
	var r Response
	if json.Unmarshal(b, &r) == nil && r.Code != "" {
		return r.Err(resp.StatusCode)
	}
	return errors.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}

func (c *Client) call(ctx context.Context, method, path string, body []byte) (Response, error) {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	var r Response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Response{}, errors.Wrap(err, "decode response")
	}
	return r, nil
}

// Put stores data as a new record; nil stores a null record.
func (c *Client) Put(ctx context.Context, data []byte) (uint64, error) {
	path := "/records"
	if data == nil {
		path += "?null=true"
	}
	r, err := c.call(ctx, http.MethodPost, path, data)
	return r.Recid, err
}

// Get returns nil for null records.
func (c *Client) Get(ctx context.Context, recid uint64) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/records/%d", recid), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read record body")
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func (c *Client) Update(ctx context.Context, recid uint64, data []byte) error {
	path := fmt.Sprintf("/records/%d", recid)
	if data == nil {
		path += "?null=true"
	}
	_, err := c.call(ctx, http.MethodPut, path, data)
	return err
}

func (c *Client) Delete(ctx context.Context, recid uint64) error {
	_, err := c.call(ctx, http.MethodDelete, fmt.Sprintf("/records/%d", recid), nil)
	return err
}

func (c *Client) Commit(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPost, "/tx/commit", nil)
	return err
}

func (c *Client) Rollback(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPost, "/tx/rollback", nil)
	return err
}

func (c *Client) Compact(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPost, "/compact", nil)
	return err
}

func (c *Client) Stats(ctx context.Context) (store.Stats, error) {
	resp, err := c.do(ctx, http.MethodGet, "/stats", nil)
	if err != nil {
		return store.Stats{}, err
	}
	defer resp.Body.Close()

	var st store.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return store.Stats{}, errors.Wrap(err, "decode stats")
	}
	return st, nil
}
