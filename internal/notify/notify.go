// ABOUTME: Notifier fans alert text out to registered delivery channels best-effort.
// ABOUTME: Per-channel failures are logged and swallowed so one channel never blocks another.

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Severity classifies an alert. The dispatcher never computes severity
// itself; it is derived from markers in the agent's output.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a monitoring finding to be fanned out to channels.
type Alert struct {
	Check    string
	Severity Severity
	Message  string
	Time     time.Time
}

// Render returns the single text form of an alert sent to every channel.
func (a Alert) Render() string {
	icon := "ℹ️"
	switch a.Severity {
	case SeverityWarning:
		icon = "⚠️"
	case SeverityCritical:
		icon = "🚨"
	}
	return fmt.Sprintf("%s **%s** (%s)\n%s", icon, a.Check, a.Severity, a.Message)
}

// DeliverFunc sends one rendered notification over a channel.
type DeliverFunc func(ctx context.Context, text string) error

// Registration is a channel's delivery capability.
type Registration struct {
	ID      string
	Deliver DeliverFunc
}

// Notifier holds the live set of delivery registrations.
type Notifier struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]Registration
}

func New(logger *slog.Logger) *Notifier {
	return &Notifier{
		logger:   logger.With("component", "notify"),
		channels: make(map[string]Registration),
	}
}

// Register adds or replaces a delivery channel.
func (n *Notifier) Register(reg Registration) {
	n.mu.Lock()
	n.channels[reg.ID] = reg
	n.mu.Unlock()
	n.logger.Info("channel registered", "channel", reg.ID)
}

// Unregister removes a delivery channel. Removing an unknown ID is a no-op.
func (n *Notifier) Unregister(id string) {
	n.mu.Lock()
	_, ok := n.channels[id]
	delete(n.channels, id)
	n.mu.Unlock()
	if ok {
		n.logger.Info("channel unregistered", "channel", id)
	}
}

// Channels returns the IDs of the currently registered channels.
func (n *Notifier) Channels() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]string, 0, len(n.channels))
	for id := range n.channels {
		ids = append(ids, id)
	}
	return ids
}

// NotifyAll delivers text to every registered channel. Delivery is
// best-effort: each channel gets one attempt, failures are logged, and the
// set of channels is snapshotted up front so registrations may change during
// fan-out. Returns the number of successful deliveries.
func (n *Notifier) NotifyAll(ctx context.Context, text string) int {
	n.mu.RLock()
	snapshot := make([]Registration, 0, len(n.channels))
	for _, reg := range n.channels {
		snapshot = append(snapshot, reg)
	}
	n.mu.RUnlock()

	if len(snapshot) == 0 {
		n.logger.Warn("no channels registered, notification dropped")
		return 0
	}

	var ok int
	outcomes := make([]string, 0, len(snapshot))
	for _, reg := range snapshot {
		if err := reg.Deliver(ctx, text); err != nil {
			n.logger.Warn("delivery failed", "channel", reg.ID, "error", err)
			outcomes = append(outcomes, reg.ID+":error")
			continue
		}
		ok++
		outcomes = append(outcomes, reg.ID+":ok")
	}

	n.logger.Info("notification sent", "channels", strings.Join(outcomes, " "))
	return ok
}

// NotifyAlert renders and fans out an alert.
func (n *Notifier) NotifyAlert(ctx context.Context, a Alert) int {
	return n.NotifyAll(ctx, a.Render())
}
