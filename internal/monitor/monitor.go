// ABOUTME: Proactive monitoring scheduler running periodic checks via the agent.
// ABOUTME: Single tick loop; due checks run concurrently, alerts dedup by fingerprint.

package monitor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/jarvis-dispatcher/internal/config"
	"github.com/2389/jarvis-dispatcher/internal/dispatch"
	"github.com/2389/jarvis-dispatcher/internal/notify"
	"github.com/2389/jarvis-dispatcher/internal/runner"
	"github.com/2389/jarvis-dispatcher/internal/store"
)

// sessionPrefix namespaces monitoring sessions away from user conversations.
const sessionPrefix = "jarvis-monitor-"

// allClearMarkers end a check without an alert when found in the reply.
// The French markers are the assistant's habitual "nothing to report" forms.
var allClearMarkers = []string{
	"all clear",
	"ras",
	"rien à signaler",
	"tout est ok",
	"tout va bien",
	"aucun problème",
}

// AgentRunner is how the monitor reaches the agent. Checks go through the
// dispatcher so they count against the global concurrency cap and are
// serialized per check like any other session.
type AgentRunner interface {
	RunCheck(ctx context.Context, sessionID, prompt string) (string, error)
	ClearSession(sessionID string)
}

// dispatchRunner adapts the dispatcher + runner pair to AgentRunner.
type dispatchRunner struct {
	dispatcher *dispatch.Dispatcher
	runner     *runner.Runner
}

// NewDispatchRunner returns the production AgentRunner backed by the
// dispatcher and the process runner.
func NewDispatchRunner(d *dispatch.Dispatcher, r *runner.Runner) AgentRunner {
	return &dispatchRunner{dispatcher: d, runner: r}
}

func (dr *dispatchRunner) RunCheck(ctx context.Context, sessionID, prompt string) (string, error) {
	h, err := dr.dispatcher.Submit(ctx, sessionID, prompt)
	if err != nil {
		return "", err
	}
	res, err := h.Wait(ctx)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (dr *dispatchRunner) ClearSession(sessionID string) {
	dr.runner.ClearSession(sessionID)
}

// checkState is the per-check mutable scheduling and dedup state.
type checkState struct {
	lastRun     time.Time
	fingerprint string
	announcedAt time.Time
}

// Monitor owns the tick loop and the per-check state.
type Monitor struct {
	cfg      config.MonitorConfig
	agent    AgentRunner
	notifier *notify.Notifier
	store    store.Store
	logger   *slog.Logger
	checks   []Check

	// hasServices gates checks on configured backing services.
	hasServices func([]string) bool

	// now is the clock, replaceable in tests.
	now func() time.Time

	mu     sync.Mutex
	states map[string]*checkState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Monitor from config. The check registry is resolved here so a
// bad checks file fails startup, not the first tick.
func New(cfg config.MonitorConfig, agent AgentRunner, notifier *notify.Notifier, st store.Store, logger *slog.Logger) (*Monitor, error) {
	checks, err := BuildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:         cfg,
		agent:       agent,
		notifier:    notifier,
		store:       st,
		logger:      logger.With("component", "monitor"),
		checks:      checks,
		hasServices: runner.HasAnyService,
		now:         time.Now,
		states:      make(map[string]*checkState),
	}
	for _, c := range checks {
		m.states[c.Name] = &checkState{}
	}
	return m, nil
}

// Checks returns the resolved active check registry.
func (m *Monitor) Checks() []Check {
	return m.checks
}

// Start launches the tick loop. It returns immediately; Stop waits for
// in-flight checks.
func (m *Monitor) Start(ctx context.Context) {
	if !m.cfg.Enabled {
		m.logger.Info("monitoring disabled")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(runCtx)
	}()

	m.logger.Info("monitoring started",
		"checks", len(m.checks),
		"tick_interval", m.cfg.TickInterval,
	)
}

// Stop cancels the loop and waits for in-flight checks to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	// Let channels and the agent settle before the first tick.
	select {
	case <-time.After(m.cfg.InitialDelay):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick launches every due check. Each runs in its own goroutine so one slow
// check never delays the others; lastRun advances at launch so a check is
// never due twice concurrently.
func (m *Monitor) Tick(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var due []Check
	for _, c := range m.checks {
		st := m.states[c.Name]
		if st.lastRun.IsZero() || now.Sub(st.lastRun) >= c.Interval {
			st.lastRun = now
			due = append(due, c)
		}
	}
	m.mu.Unlock()

	for _, c := range due {
		c := c
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runCheck(ctx, c)
		}()
	}
}

func (m *Monitor) runCheck(ctx context.Context, check Check) {
	if len(check.RequiredServices) > 0 && !m.hasServices(check.RequiredServices) {
		m.logger.Debug("check skipped, required services unconfigured",
			"check", check.Name,
			"required", check.RequiredServices,
		)
		return
	}

	sessionID := sessionPrefix + check.Name
	m.logger.Debug("running check", "check", check.Name)

	reply, err := m.agent.RunCheck(ctx, sessionID, check.Prompt)

	// Fresh conversation next time; monitoring context never accumulates.
	defer m.agent.ClearSession(sessionID)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Error("check failed", "check", check.Name, "error", err)
		m.announce(ctx, check, notify.Alert{
			Check:    check.Name,
			Severity: notify.SeverityWarning,
			Message:  "check could not complete: " + err.Error(),
			Time:     m.now(),
		})
		return
	}

	if reply == "" || isAllClear(reply) {
		m.logger.Debug("check all clear", "check", check.Name)
		m.clearFingerprint(check.Name)
		return
	}

	m.announce(ctx, check, notify.Alert{
		Check:    check.Name,
		Severity: severityOf(reply),
		Message:  reply,
		Time:     m.now(),
	})
}

// announce fans an alert out unless the identical condition was already
// announced within the silence window. An unresolved condition re-announces
// once the window elapses.
func (m *Monitor) announce(ctx context.Context, check Check, alert notify.Alert) {
	fp := Fingerprint(alert.Message)
	now := m.now()

	m.mu.Lock()
	st := m.states[check.Name]
	if st.fingerprint == fp && now.Sub(st.announcedAt) < m.cfg.SilenceWindow {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed, unchanged within silence window",
			"check", check.Name,
			"fingerprint", fp[:12],
		)
		return
	}
	st.fingerprint = fp
	st.announcedAt = now
	m.mu.Unlock()

	m.notifier.NotifyAlert(ctx, alert)

	if m.store != nil {
		err := m.store.SaveAlert(ctx, store.Alert{
			CheckName:   alert.Check,
			Severity:    string(alert.Severity),
			Message:     alert.Message,
			Fingerprint: fp,
			CreatedAt:   alert.Time,
		})
		if err != nil {
			m.logger.Warn("recording alert failed", "check", check.Name, "error", err)
		}
	}
}

// clearFingerprint forgets the dedup state once a check reports all clear,
// so the same condition recurring later announces immediately.
func (m *Monitor) clearFingerprint(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[name]
	st.fingerprint = ""
	st.announcedAt = time.Time{}
}

// isAllClear reports whether the reply contains a "nothing to report" marker.
func isAllClear(reply string) bool {
	lower := strings.ToLower(strings.TrimSpace(reply))
	for _, marker := range allClearMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// severityOf derives alert severity from markers the agent was asked to
// emit. The dispatcher never judges severity itself.
func severityOf(reply string) notify.Severity {
	upper := strings.ToUpper(reply)
	switch {
	case strings.Contains(upper, "[CRITICAL]"):
		return notify.SeverityCritical
	case strings.Contains(upper, "[WARNING]"):
		return notify.SeverityWarning
	default:
		return notify.SeverityInfo
	}
}
