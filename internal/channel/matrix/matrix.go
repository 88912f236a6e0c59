// ABOUTME: Matrix chat channel: sync loop, room filtering, and reply delivery.
// ABOUTME: Bridges Matrix rooms to dispatcher sessions and fans alerts to rooms.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/jarvis-dispatcher/internal/config"
	"github.com/2389/jarvis-dispatcher/internal/dispatch"
	"github.com/2389/jarvis-dispatcher/internal/notify"
)

const (
	// sessionPrefix maps each room to its own dispatcher session.
	sessionPrefix = "matrix-"

	// maxMessageChars bounds a single Matrix message; longer replies are chunked.
	maxMessageChars = 4000

	// typingTimeout is the duration the typing indicator shows.
	typingTimeout = 30 * time.Second

	// networkTimeout bounds Matrix API calls so shutdown never hangs on them.
	networkTimeout = 10 * time.Second
)

// Submitter is the dispatcher surface the channel needs.
type Submitter interface {
	Submit(ctx context.Context, sessionID, text string) (*dispatch.Handle, error)
}

// Channel is the Matrix chat adapter.
type Channel struct {
	cfg        config.MatrixConfig
	client     *mautrix.Client
	dispatcher Submitter
	notifier   *notify.Notifier
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the Matrix channel. It does not connect; Run does.
func New(cfg config.MatrixConfig, dispatcher Submitter, notifier *notify.Notifier, logger *slog.Logger) (*Channel, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Channel{
		cfg:        cfg,
		client:     client,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger.With("component", "matrix"),
	}, nil
}

// Run starts the sync loop and blocks until the context is cancelled or the
// sync fails. The notifier registration lives for the duration of Run.
func (c *Channel) Run(ctx context.Context) error {
	c.logger.Info("starting matrix channel",
		"homeserver", c.cfg.Homeserver,
		"user_id", c.cfg.UserID,
		"allowed_rooms", len(c.cfg.AllowedRooms),
	)

	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", c.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, c.handleMessageEvent)

	c.notifier.Register(notify.Registration{ID: "matrix", Deliver: c.deliverAlert})
	defer c.notifier.Unregister("matrix")

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- c.client.SyncWithContext(c.ctx)
	}()

	select {
	case <-ctx.Done():
		c.logger.Info("shutting down matrix channel")
		c.cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent filters incoming Matrix messages down to ones we answer.
func (c *Channel) handleMessageEvent(ctx context.Context, evt *event.Event) {
	// Ignore our own messages
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID.String()
	body := content.Body

	if !c.isRoomAllowed(roomID) {
		c.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	body, ok = c.stripPrefix(body)
	if !ok || body == "" {
		return
	}

	c.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(body, 50),
	)

	// Process in a goroutine so the sync loop is never blocked.
	go c.processMessage(c.ctx, evt.RoomID, body)
}

// processMessage runs one room message through the dispatcher and replies.
func (c *Channel) processMessage(ctx context.Context, roomID id.RoomID, text string) {
	roomStr := roomID.String()

	// Every message goes to the dispatcher: it serializes per session, and
	// a newer message supersedes an older queued one rather than the other
	// way around.
	if c.cfg.TypingIndicator {
		c.setTyping(roomID, true)
		defer c.setTyping(roomID, false)
	}

	handle, err := c.dispatcher.Submit(ctx, sessionPrefix+roomStr, text)
	if err != nil {
		if errors.Is(err, dispatch.ErrCapacityExceeded) {
			c.sendReply(roomID, "I'm at capacity right now, please try again in a moment.")
			return
		}
		c.logger.Error("submit failed", "room", roomStr, "error", err)
		c.sendReply(roomID, fmt.Sprintf("Error: %v", err))
		return
	}

	res, err := handle.Wait(ctx)
	if err != nil {
		if errors.Is(err, dispatch.ErrSuperseded) {
			c.logger.Debug("message superseded by a newer one", "room", roomStr)
			return
		}
		c.logger.Error("invocation failed", "room", roomStr, "error", err)
		c.sendReply(roomID, fmt.Sprintf("Error: %v", err))
		return
	}

	if res.Text == "" {
		c.logger.Warn("empty response from agent", "room", roomStr)
		return
	}

	c.logger.Info("sending response", "room", roomStr, "length", len(res.Text))
	c.sendReply(roomID, res.Text)
}

// deliverAlert fans a notification out to every allowed room.
func (c *Channel) deliverAlert(ctx context.Context, text string) error {
	if len(c.cfg.AllowedRooms) == 0 {
		return errors.New("no allowed rooms configured")
	}

	var lastErr error
	for _, room := range c.cfg.AllowedRooms {
		for _, chunk := range chunkMessage(text, maxMessageChars) {
			if err := c.sendFormatted(ctx, id.RoomID(room), chunk); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// isRoomAllowed checks the allowed-room filter; an empty filter allows all.
func (c *Channel) isRoomAllowed(roomID string) bool {
	if len(c.cfg.AllowedRooms) == 0 {
		return true
	}
	for _, allowed := range c.cfg.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// stripPrefix applies the optional command prefix filter.
func (c *Channel) stripPrefix(body string) (string, bool) {
	if c.cfg.CommandPrefix == "" {
		return strings.TrimSpace(body), true
	}
	if !strings.HasPrefix(body, c.cfg.CommandPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(body, c.cfg.CommandPrefix)), true
}

// setTyping sends the typing indicator to a room.
func (c *Channel) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := c.client.UserTyping(ctx, roomID, typing, timeout); err != nil {
		c.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// sendReply chunks and sends a reply to a room.
func (c *Channel) sendReply(roomID id.RoomID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, chunk := range chunkMessage(text, maxMessageChars) {
		if err := c.sendFormatted(ctx, roomID, chunk); err != nil {
			c.logger.Error("failed to send message", "room", roomID.String(), "error", err)
			return
		}
	}
}

// sendFormatted sends one Markdown message as a formatted m.text event.
func (c *Channel) sendFormatted(ctx context.Context, roomID id.RoomID, markdown string) error {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    markdown,
	}
	if html := renderHTML(markdown); html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	_, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	return err
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
