package wstransport

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// PeerHandler answers the other side of Transport's protocol: it serves a
// single peer connection's vclock/send/receive requests against the local
// engine's current vector clock and bundle directories.
type PeerHandler struct {
	cfg           Config
	localVClock   func() map[string]uint64
	outgoingQueue func() (string, bool) // pops a bundle path to send, if any
}

func NewPeerHandler(cfg Config, localVClock func() map[string]uint64, outgoingQueue func() (string, bool)) *PeerHandler {
	return &PeerHandler{cfg: cfg, localVClock: localVClock, outgoingQueue: outgoingQueue}
}

// ServeHTTP upgrades the request and serves frames until the peer
// disconnects or a protocol error occurs.
func (h *PeerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		if err := h.serveOne(ctx, conn); err != nil {
			return
		}
	}
}

func (h *PeerHandler) serveOne(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	var req envelope
	if err := conn.ReadJSON(&req); err != nil {
		return err
	}

	switch req.Kind {
	case frameVClockRequest:
		conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		return conn.WriteJSON(envelope{Kind: frameVClockResponse, VClock: h.localVClock()})

	case frameSendHeader:
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		accepted, err := h.storeIncoming(data)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		return conn.WriteJSON(envelope{Kind: frameSendAck, OpCount: accepted})

	case frameReceiveRequest:
		path, ok := h.outgoingQueue()
		if !ok {
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			return conn.WriteJSON(envelope{Kind: frameReceiveEmpty})
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := conn.WriteJSON(envelope{Kind: frameReceiveHeader, ByteSize: int64(len(data))}); err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, data)

	default:
		return nil
	}
}

func (h *PeerHandler) storeIncoming(data []byte) (int, error) {
	if err := os.MkdirAll(h.cfg.BundleDir, 0o755); err != nil {
		return 0, err
	}
	dest := filepath.Join(h.cfg.BundleDir, "recv.bundle")
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return 0, err
	}
	return 1, nil
}
