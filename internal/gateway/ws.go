// ABOUTME: WebSocket channel: duplex chat with incremental reply frames.
// ABOUTME: Connected clients also receive monitoring notifications via the hub.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/2389/jarvis-dispatcher/internal/dispatch"
	"github.com/2389/jarvis-dispatcher/internal/notify"
	"github.com/2389/jarvis-dispatcher/internal/runner"
	"github.com/2389/jarvis-dispatcher/internal/store"
)

// wsFrame is the JSON wire format for server-to-client frames.
type wsFrame struct {
	Type      string `json:"type"` // text, done, error, superseded, notification
	Text      string `json:"text,omitempty"`
	Response  string `json:"response,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Single-tenant personal assistant; the web client is served from
	// arbitrary local origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient serializes writes to one connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(frame wsFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

// wsHub tracks connected clients so monitoring alerts reach them too.
type wsHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		logger:  logger.With("component", "ws"),
		clients: make(map[*wsClient]struct{}),
	}
}

// register adds the hub as a notifier delivery channel.
func (h *wsHub) register(n *notify.Notifier) {
	n.Register(notify.Registration{ID: "ws", Deliver: h.broadcast})
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// broadcast pushes a notification frame to every connected client.
// A connection with a failed write is dropped; having no clients is fine.
func (h *wsHub) broadcast(_ context.Context, text string) error {
	h.mu.Lock()
	snapshot := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	for _, c := range snapshot {
		if err := c.send(wsFrame{Type: "notification", Text: text}); err != nil {
			h.logger.Debug("dropping client after failed write", "error", err)
			h.remove(c)
			_ = c.conn.Close()
		}
	}
	return nil
}

// closeAll disconnects every client, used at shutdown.
func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

// handleWebSocket runs the duplex chat protocol: the client sends text
// frames, each reply streams back as incremental text frames ending in a
// done frame. A message sent while a reply is running supersedes per the
// dispatcher's queue-latest rule.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	session := r.PathValue("session")
	sessionID := "ws-" + session

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn}
	g.hub.add(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer func() {
		g.hub.remove(client)
		_ = conn.Close()
	}()

	g.logger.Info("websocket connected", "session_id", sessionID)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("websocket closed", "session_id", sessionID, "error", err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		text := strings.TrimSpace(decodeClientFrame(data))
		if text == "" {
			continue
		}

		// Each message processes concurrently with the read loop so a
		// newer message can supersede a queued one mid-reply.
		go g.streamReply(ctx, client, sessionID, text)
	}
}

// clientFrame is the optional JSON shape of incoming frames; raw text is
// accepted as-is.
type clientFrame struct {
	Message string `json:"message"`
}

func decodeClientFrame(data []byte) string {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err == nil && frame.Message != "" {
		return frame.Message
	}
	return string(data)
}

// streamReply submits one message and forwards its event stream.
func (g *Gateway) streamReply(ctx context.Context, client *wsClient, sessionID, text string) {
	handle, err := g.dispatcher.SubmitStream(ctx, sessionID, text)
	if err != nil {
		g.sendWSError(client, err)
		return
	}

	// Keep consuming after a failed write: a half-closed connection must
	// not stall the event stream while the invocation finishes.
	clientGone := false
	for evt := range handle.Events() {
		if evt.Type != runner.EventText || clientGone {
			continue
		}
		if err := client.send(wsFrame{Type: "text", Text: evt.Text}); err != nil {
			clientGone = true
		}
	}
	if clientGone {
		return
	}

	res, err := handle.Wait(ctx)
	if err != nil {
		g.sendWSError(client, err)
		return
	}

	_ = client.send(wsFrame{Type: "done", Response: res.Text, SessionID: sessionID})

	if err := g.store.SaveMessage(ctx, store.Message{
		SessionID: sessionID, Sender: store.SenderUser, Content: text,
	}); err == nil {
		_ = g.store.SaveMessage(ctx, store.Message{
			SessionID: sessionID, Sender: store.SenderAgent, Content: res.Text,
		})
	}
}

func (g *Gateway) sendWSError(client *wsClient, err error) {
	switch {
	case errors.Is(err, dispatch.ErrSuperseded):
		_ = client.send(wsFrame{Type: "superseded"})
	case errors.Is(err, dispatch.ErrCapacityExceeded):
		_ = client.send(wsFrame{Type: "error", Error: "at capacity, retry later"})
	default:
		_ = client.send(wsFrame{Type: "error", Error: err.Error()})
	}
}
