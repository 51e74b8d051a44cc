// Package wstransport implements a transport.Transport over a single
// long-lived WebSocket connection: one control frame type per RPC
// (vclock exchange, send, receive), bundles carried as binary frames.
//
// Grounded on streaming.go's StreamHub: gorilla/websocket dial/upgrade,
// a JSON-tagged envelope per message, and write-timeout discipline on
// every WriteMessage call.
package wstransport

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
)

// Config parameterizes a WebSocket transport endpoint.
type Config struct {
	URL          string // ws:// or wss:// address to dial
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	BundleDir    string // where received bundles are written before being opened
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  30 * time.Second,
		BundleDir:    "./sync-bundles/incoming",
	}
}

// frameKind tags the single JSON envelope every control message uses.
type frameKind string

const (
	frameVClockRequest  frameKind = "vclock_request"
	frameVClockResponse frameKind = "vclock_response"
	frameSendHeader     frameKind = "send_header"
	frameSendAck        frameKind = "send_ack"
	frameReceiveRequest frameKind = "receive_request"
	frameReceiveHeader  frameKind = "receive_header"
	frameReceiveEmpty   frameKind = "receive_empty"
)

type envelope struct {
	Kind     frameKind         `json:"kind"`
	VClock   map[string]uint64 `json:"vclock,omitempty"`
	OpCount  int               `json:"op_count,omitempty"`
	ByteSize int64             `json:"byte_size,omitempty"`
}

// Transport dials a single peer over WebSocket. It implements
// transport.Transport. Not safe for concurrent cycles against the same
// peer; the sync loop's single-flight lock already guarantees that.
type Transport struct {
	cfg  Config
	dial *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config) *Transport {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if cfg.BundleDir == "" {
		cfg.BundleDir = DefaultConfig().BundleDir
	}
	return &Transport{cfg: cfg, dial: websocket.DefaultDialer}
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, _, err := t.dial.DialContext(ctx, t.cfg.URL, http.Header{})
	if err != nil {
		return &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}
	t.conn = conn
	return nil
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		return &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}
	return nil
}

func (t *Transport) ExchangeVectorClock(ctx context.Context, local map[string]uint64) (map[string]uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, &syncerr.TransportError{Peer: t.cfg.URL, Cause: fmt.Errorf("not connected")}
	}

	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := t.conn.WriteJSON(envelope{Kind: frameVClockRequest, VClock: local}); err != nil {
		return nil, &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}

	t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	var resp envelope
	if err := t.conn.ReadJSON(&resp); err != nil {
		return nil, &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}
	if resp.Kind != frameVClockResponse {
		return nil, &syncerr.TransportError{Peer: t.cfg.URL, Cause: fmt.Errorf("unexpected frame kind %q", resp.Kind)}
	}
	return resp.VClock, nil
}

// SendOperations streams bundlePath's bytes as one binary frame preceded
// by a JSON header describing its size, and waits for the peer's ack.
func (t *Transport) SendOperations(ctx context.Context, bundlePath string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return 0, &syncerr.TransportError{Peer: t.cfg.URL, Cause: fmt.Errorf("not connected")}
	}

	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return 0, &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}

	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := t.conn.WriteJSON(envelope{Kind: frameSendHeader, ByteSize: int64(len(data))}); err != nil {
		return 0, &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}

	t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	var ack envelope
	if err := t.conn.ReadJSON(&ack); err != nil {
		return 0, &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}
	if ack.Kind != frameSendAck {
		return 0, &syncerr.TransportError{Peer: t.cfg.URL, Cause: fmt.Errorf("unexpected frame kind %q", ack.Kind)}
	}
	return ack.OpCount, nil
}

// ReceiveOperations asks the peer for anything new, writes the bundle it
// sends (if any) to cfg.BundleDir, and returns the local path.
func (t *Transport) ReceiveOperations(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return "", &syncerr.TransportError{Peer: t.cfg.URL, Cause: fmt.Errorf("not connected")}
	}

	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := t.conn.WriteJSON(envelope{Kind: frameReceiveRequest}); err != nil {
		return "", &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}

	t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	var header envelope
	if err := t.conn.ReadJSON(&header); err != nil {
		return "", &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}
	if header.Kind == frameReceiveEmpty {
		return "", nil
	}
	if header.Kind != frameReceiveHeader {
		return "", &syncerr.TransportError{Peer: t.cfg.URL, Cause: fmt.Errorf("unexpected frame kind %q", header.Kind)}
	}

	kind, data, err := t.conn.ReadMessage()
	if err != nil {
		return "", &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}
	if kind != websocket.BinaryMessage {
		return "", &syncerr.TransportError{Peer: t.cfg.URL, Cause: fmt.Errorf("expected binary bundle frame, got frame type %d", kind)}
	}

	if err := os.MkdirAll(t.cfg.BundleDir, 0o755); err != nil {
		return "", &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}
	dest := filepath.Join(t.cfg.BundleDir, fmt.Sprintf("recv-%d.bundle", time.Now().UnixNano()))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", &syncerr.TransportError{Peer: t.cfg.URL, Cause: err}
	}
	return dest, nil
}
