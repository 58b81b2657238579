// Package httplog implements a sharedlog.Log backed by a remote HTTP
// server: a thin client/server pair that exposes Append/Read/CheckTail
// as HTTP verbs, for deployments where the shared log lives behind a
// plain REST boundary rather than a consensus protocol.
package httplog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
	"github.com/illinoisdata/cruzdb/pkg/types"
)

// Client is a sharedlog.Log that forwards every operation to a remote
// httplog Server over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client pointed at baseURL (no trailing slash).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type appendResponse struct {
	Position uint64 `json:"position"`
}

// Append POSTs blob to the server and returns the position it assigned.
func (c *Client) Append(ctx context.Context, blob []byte) (types.Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/entries", bytes.NewReader(blob))
	if err != nil {
		return types.NoPosition, fmt.Errorf("httplog: build append request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.NoPosition, &cruzerr.PermanentError{Op: "append", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return types.NoPosition, &cruzerr.PermanentError{Op: "append", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var out appendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.NoPosition, fmt.Errorf("httplog: decode append response: %w", err)
	}
	return types.Position(out.Position), nil
}

// Read GETs the entry at pos. A 404 maps to NotWrittenError; any other
// non-200 status maps to a PermanentError.
func (c *Client) Read(ctx context.Context, pos types.Position) ([]byte, error) {
	url := fmt.Sprintf("%s/entries/%d", c.baseURL, uint64(pos))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("httplog: build read request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &cruzerr.PermanentError{Op: "read", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound:
		return nil, &cruzerr.NotWrittenError{Position: pos}
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, &cruzerr.PermanentError{Op: "read", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}
}

type tailResponse struct {
	Tail uint64 `json:"tail"`
}

// CheckTail GETs the server's reported tail.
func (c *Client) CheckTail(ctx context.Context) (types.Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tail", nil)
	if err != nil {
		return types.NoPosition, fmt.Errorf("httplog: build tail request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.NoPosition, &cruzerr.PermanentError{Op: "check_tail", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return types.NoPosition, &cruzerr.PermanentError{Op: "check_tail", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var out tailResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.NoPosition, fmt.Errorf("httplog: decode tail response: %w", err)
	}
	return types.Position(out.Tail), nil
}

var errBadPosition = errors.New("httplog: malformed position in URL path")

func parsePosition(s string) (types.Position, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errBadPosition
	}
	return types.Position(n), nil
}
