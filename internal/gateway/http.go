// ABOUTME: REST surface of the gateway: chat, webhooks, sessions, alerts, health.
// ABOUTME: Maps dispatcher/runner failure kinds onto HTTP status codes.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/jarvis-dispatcher/internal/dispatch"
	"github.com/2389/jarvis-dispatcher/internal/runner"
	"github.com/2389/jarvis-dispatcher/internal/store"
)

// capacityRetryAfter is the Retry-After hint sent with 503 responses.
const capacityRetryAfter = 30 * time.Second

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", g.handleChat)
	mux.HandleFunc("GET /ws/{session}", g.handleWebSocket)
	mux.HandleFunc("POST /api/webhooks/synology", g.handleSynologyWebhook)
	mux.HandleFunc("POST /api/sessions/{id}/clear", g.handleClearSession)
	mux.HandleFunc("GET /api/sessions/{id}/history", g.handleSessionHistory)
	mux.HandleFunc("GET /api/alerts", g.handleAlerts)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	return mux
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type chatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// handleChat is the synchronous send/reply endpoint.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "web-default"
	}

	reply, err := g.exchange(r, req.SessionID, req.Message)
	if err != nil {
		g.writeDispatchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Response: reply, SessionID: req.SessionID})
}

// handleSynologyWebhook receives Synology Chat outgoing webhooks. The reply
// travels back in the response body, Synology renders it in the channel.
func (g *Gateway) handleSynologyWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	if token := g.config.Channels.Synology.Token; token != "" && r.FormValue("token") != token {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	text := r.FormValue("text")
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	sessionID := "synology-default"
	if userID := r.FormValue("user_id"); userID != "" {
		sessionID = "synology-" + userID
	}

	reply, err := g.exchange(r, sessionID, text)
	if err != nil {
		g.writeDispatchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"text": reply})
}

// exchange runs one message through the dispatcher and records the
// transcript. Transcript failures are logged, never surfaced to the caller.
func (g *Gateway) exchange(r *http.Request, sessionID, text string) (string, error) {
	ctx := r.Context()

	handle, err := g.dispatcher.Submit(ctx, sessionID, text)
	if err != nil {
		return "", err
	}
	res, err := handle.Wait(ctx)
	if err != nil {
		return "", err
	}

	g.recordExchange(r, sessionID, text, res.Text)
	return res.Text, nil
}

func (g *Gateway) recordExchange(r *http.Request, sessionID, userText, agentText string) {
	ctx := r.Context()
	if err := g.store.SaveMessage(ctx, store.Message{
		SessionID: sessionID, Sender: store.SenderUser, Content: userText,
	}); err != nil {
		g.logger.Warn("recording user message failed", "session_id", sessionID, "error", err)
		return
	}
	if err := g.store.SaveMessage(ctx, store.Message{
		SessionID: sessionID, Sender: store.SenderAgent, Content: agentText,
	}); err != nil {
		g.logger.Warn("recording agent message failed", "session_id", sessionID, "error", err)
	}
}

// handleClearSession drops the agent-side conversation for a session.
func (g *Gateway) handleClearSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	g.runner.ClearSession(sessionID)
	g.logger.Info("session cleared", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

type historyMessage struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// handleSessionHistory returns the stored transcript for a session.
func (g *Gateway) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	msgs, err := g.store.SessionHistory(r.Context(), sessionID, parseLimit(r, 100))
	if err != nil {
		g.logger.Error("loading history failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "loading history failed")
		return
	}

	out := make([]historyMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, historyMessage{Sender: m.Sender, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "messages": out})
}

type alertEntry struct {
	Check     string    `json:"check"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// handleAlerts returns recent monitoring alerts, newest first.
func (g *Gateway) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := g.store.RecentAlerts(r.Context(), parseLimit(r, 50))
	if err != nil {
		g.logger.Error("loading alerts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "loading alerts failed")
		return
	}

	out := make([]alertEntry, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertEntry{Check: a.CheckName, Severity: a.Severity, Message: a.Message, CreatedAt: a.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports agent availability; load balancers route on this.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.runner.Healthy(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeDispatchError maps the failure taxonomy onto status codes.
func (g *Gateway) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrCapacityExceeded):
		w.Header().Set("Retry-After", strconv.Itoa(int(capacityRetryAfter.Seconds())))
		writeError(w, http.StatusServiceUnavailable, "at capacity, retry later")
	case errors.Is(err, dispatch.ErrSuperseded):
		writeError(w, http.StatusConflict, "superseded by a newer message in this session")
	case errors.Is(err, runner.ErrAgentTimeout):
		writeError(w, http.StatusGatewayTimeout, "agent did not reply in time")
	case errors.Is(err, runner.ErrAgentCanceled):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		g.logger.Error("chat exchange failed", "error", err)
		writeError(w, http.StatusBadGateway, "agent error")
	}
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
