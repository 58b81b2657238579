package raftlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	raftEndpoint     = "/raft/step"
	transportTimeout = 3 * time.Second
	maxSendRetries   = 3
	retryDelay       = 100 * time.Millisecond
)

// HTTPTransport delivers raft messages to peers over plain HTTP POSTs.
type HTTPTransport struct {
	peersMu    sync.RWMutex
	peers      map[uint64]string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPTransport returns a transport seeded with peers (node id ->
// base URL, no trailing slash).
func NewHTTPTransport(peers map[uint64]string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		cp[id] = addr
	}
	return &HTTPTransport{
		peers:      cp,
		httpClient: &http.Client{Timeout: transportTimeout},
		logger:     logger,
	}
}

func (t *HTTPTransport) AddPeer(id uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[id] = addr
}

func (t *HTTPTransport) RemovePeer(id uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, id)
}

func (t *HTTPTransport) UpdatePeer(id uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[id] = addr
}

func (t *HTTPTransport) Send(msg raftpb.Message) error {
	t.peersMu.RLock()
	addr, ok := t.peers[msg.To]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("raftlog: unknown peer %d", msg.To)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("raftlog: marshal message: %w", err)
	}

	url := addr + raftEndpoint
	var lastErr error
	for attempt := 0; attempt < maxSendRetries; attempt++ {
		if err := t.sendHTTP(url, body); err != nil {
			lastErr = err
			t.logger.Warn("raftlog: send failed, retrying", "attempt", attempt+1, "to", msg.To, "type", msg.Type, "error", err)
			time.Sleep(retryDelay * time.Duration(attempt+1))
			continue
		}
		return nil
	}
	return fmt.Errorf("raftlog: send failed after %d attempts: %w", maxSendRetries, lastErr)
}

func (t *HTTPTransport) sendHTTP(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("raftlog: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("raftlog: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("raftlog: status %d: %s", resp.StatusCode, body)
	}
	return nil
}
