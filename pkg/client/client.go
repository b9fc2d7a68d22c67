// Package client is the HTTP admin client used by the cluster
// initializer and the CLI to talk to a running node.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

const (
	backoffBase = 100 * time.Millisecond
	maxAttempts = 5
)

// Client talks to one node's admin endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the node at addr (host:port).
func New(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// doRetry issues the request, retrying transport failures and 5xx
// responses with exponential backoff (100, 200, 400 ms ...).
func (c *Client) doRetry(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	backoff := backoffBase
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", errdefs.ErrCancelled, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, data)
			continue
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", errdefs.ErrNotFound, path)
		case resp.StatusCode >= 400:
			return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, data)
		}

		if out != nil {
			return json.Unmarshal(data, out)
		}
		return nil
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, maxAttempts, lastErr)
}

// Status fetches the node's consensus status.
func (c *Client) Status(ctx context.Context) (*types.ClusterStatus, error) {
	var st types.ClusterStatus
	if err := c.doRetry(ctx, http.MethodGet, "/cluster/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Join asks the node (expected to be the leader) to add a member.
func (c *Client) Join(ctx context.Context, req types.JoinRequest) error {
	return c.doRetry(ctx, http.MethodPost, "/cluster/join", req, nil)
}

// Leave asks the node to remove a member.
func (c *Client) Leave(ctx context.Context, req types.LeaveRequest) error {
	return c.doRetry(ctx, http.MethodPost, "/cluster/leave", req, nil)
}
