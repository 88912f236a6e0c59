// ABOUTME: Tests for the monitoring scheduler's tick loop and alert pipeline.
// ABOUTME: Uses a fake agent, a capturing notifier channel, and a manual clock.

package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/jarvis-dispatcher/internal/config"
	"github.com/2389/jarvis-dispatcher/internal/notify"
)

// fakeAgent returns canned replies per check session and records calls.
type fakeAgent struct {
	mu      sync.Mutex
	replies map[string]string // sessionID -> reply
	err     error
	calls   []string
	cleared []string
}

func (f *fakeAgent) RunCheck(_ context.Context, sessionID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID)
	if f.err != nil {
		return "", f.err
	}
	return f.replies[sessionID], nil
}

func (f *fakeAgent) ClearSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, sessionID)
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// capture collects notification texts.
type capture struct {
	mu    sync.Mutex
	texts []string
}

func (c *capture) deliver(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *capture) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testMonitor(t *testing.T, agent *fakeAgent, cfg config.MonitorConfig) (*Monitor, *capture, *testClock) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	n := notify.New(logger)
	sink := &capture{}
	n.Register(notify.Registration{ID: "test", Deliver: sink.deliver})

	m, err := New(cfg, agent, n, nil, logger)
	require.NoError(t, err)

	clock := &testClock{t: time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)}
	m.now = clock.now
	m.hasServices = func([]string) bool { return true }
	return m, sink, clock
}

func singleCheckConfig(interval string) config.MonitorConfig {
	enabled := true
	return config.MonitorConfig{
		Enabled:       true,
		SilenceWindow: time.Hour,
		Checks: []config.CheckConfig{
			{Name: "disk", Prompt: "check the disks", Enabled: &enabled,
				Interval: mustDuration(interval)},
		},
	}
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

func disableBuiltins(cfg *config.MonitorConfig) {
	disabled := false
	for _, name := range []string{"cluster-health", "homeassistant", "fluxcd-reconciliation"} {
		cfg.Checks = append(cfg.Checks, config.CheckConfig{Name: name, Enabled: &disabled})
	}
}

func TestBuildRegistry_Builtins(t *testing.T) {
	checks, err := BuildRegistry(config.MonitorConfig{})
	require.NoError(t, err)
	require.Len(t, checks, 3)

	byName := make(map[string]Check)
	for _, c := range checks {
		byName[c.Name] = c
	}
	assert.Equal(t, 15*time.Minute, byName["cluster-health"].Interval)
	assert.Equal(t, 30*time.Minute, byName["homeassistant"].Interval)
	assert.Equal(t, 10*time.Minute, byName["fluxcd-reconciliation"].Interval)
	assert.Contains(t, byName["fluxcd-reconciliation"].Prompt, "FluxCD")
}

func TestBuildRegistry_ConfigOverrides(t *testing.T) {
	disabled := false
	cfg := config.MonitorConfig{
		Checks: []config.CheckConfig{
			{Name: "homeassistant", Enabled: &disabled},
			{Name: "cluster-health", Interval: 5 * time.Minute},
			{Name: "backups", Prompt: "check last night's backups", Interval: time.Hour},
		},
	}

	checks, err := BuildRegistry(cfg)
	require.NoError(t, err)
	require.Len(t, checks, 3) // builtin homeassistant dropped, backups added

	byName := make(map[string]Check)
	for _, c := range checks {
		byName[c.Name] = c
	}
	assert.NotContains(t, byName, "homeassistant")
	assert.Equal(t, 5*time.Minute, byName["cluster-health"].Interval)
	// Override keeps the builtin prompt.
	assert.Contains(t, byName["cluster-health"].Prompt, "Kubernetes")
	assert.Equal(t, time.Hour, byName["backups"].Interval)
}

func TestBuildRegistry_NewCheckNeedsPromptAndInterval(t *testing.T) {
	_, err := BuildRegistry(config.MonitorConfig{
		Checks: []config.CheckConfig{{Name: "mystery", Interval: time.Minute}},
	})
	assert.ErrorContains(t, err, "prompt is required")

	_, err = BuildRegistry(config.MonitorConfig{
		Checks: []config.CheckConfig{{Name: "mystery", Prompt: "?"}},
	})
	assert.ErrorContains(t, err, "interval is required")
}

func TestLoadChecksFile(t *testing.T) {
	path := t.TempDir() + "/checks.toml"
	content := `
[[check]]
name = "cluster-health"
interval = "5m"

[[check]]
name = "certificates"
prompt = "Check TLS certificate expiry across the cluster."
interval = "24h"
required_services = ["kubernetes"]

[[check]]
name = "homeassistant"
enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	checks, err := BuildRegistry(config.MonitorConfig{ChecksFile: path})
	require.NoError(t, err)

	byName := make(map[string]Check)
	for _, c := range checks {
		byName[c.Name] = c
	}
	assert.Equal(t, 5*time.Minute, byName["cluster-health"].Interval)
	assert.Equal(t, 24*time.Hour, byName["certificates"].Interval)
	assert.Equal(t, []string{"kubernetes"}, byName["certificates"].RequiredServices)
	assert.NotContains(t, byName, "homeassistant")
}

func TestBuildRegistry_DisabledCheckStaysDisabled(t *testing.T) {
	path := t.TempDir() + "/checks.toml"
	content := `
[[check]]
name = "homeassistant"
enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	// A later override that only touches the interval must not flip the
	// check back on.
	checks, err := BuildRegistry(config.MonitorConfig{
		ChecksFile: path,
		Checks: []config.CheckConfig{
			{Name: "homeassistant", Interval: mustDuration("5m")},
		},
	})
	require.NoError(t, err)
	for _, c := range checks {
		assert.NotEqual(t, "homeassistant", c.Name)
	}
}

func TestLoadChecksFile_BadInterval(t *testing.T) {
	path := t.TempDir() + "/checks.toml"
	require.NoError(t, os.WriteFile(path, []byte("[[check]]\nname = \"x\"\ninterval = \"soon\"\n"), 0644))
	_, err := loadChecksFile(path)
	assert.ErrorContains(t, err, "invalid interval")
}

func TestTick_RunsDueChecksOnly(t *testing.T) {
	agent := &fakeAgent{replies: map[string]string{"jarvis-monitor-disk": "RAS"}}
	cfg := singleCheckConfig("10m")
	disableBuiltins(&cfg)
	m, _, clock := testMonitor(t, agent, cfg)

	ctx := context.Background()

	m.Tick(ctx)
	m.wg.Wait()
	assert.Equal(t, 1, agent.callCount(), "first tick runs every check")

	m.Tick(ctx)
	m.wg.Wait()
	assert.Equal(t, 1, agent.callCount(), "not due again immediately")

	clock.advance(10 * time.Minute)
	m.Tick(ctx)
	m.wg.Wait()
	assert.Equal(t, 2, agent.callCount(), "due after its interval")
}

func TestRunCheck_AllClearProducesNoAlert(t *testing.T) {
	for _, reply := range []string{
		"RAS",
		"Rien à signaler aujourd'hui.",
		"Tout est OK côté cluster.",
		"ALL CLEAR",
		"",
	} {
		agent := &fakeAgent{replies: map[string]string{"jarvis-monitor-disk": reply}}
		cfg := singleCheckConfig("10m")
		disableBuiltins(&cfg)
		m, sink, _ := testMonitor(t, agent, cfg)

		m.Tick(context.Background())
		m.wg.Wait()
		assert.Empty(t, sink.all(), "reply %q should be all clear", reply)
	}
}

func TestRunCheck_FindingNotifiesAndClearsSession(t *testing.T) {
	agent := &fakeAgent{replies: map[string]string{
		"jarvis-monitor-disk": "[WARNING] /var is at 91% on node worker-1",
	}}
	cfg := singleCheckConfig("10m")
	disableBuiltins(&cfg)
	m, sink, _ := testMonitor(t, agent, cfg)

	m.Tick(context.Background())
	m.wg.Wait()

	texts := sink.all()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "disk")
	assert.Contains(t, texts[0], "warning")
	assert.Contains(t, texts[0], "/var is at 91%")
	assert.Equal(t, []string{"jarvis-monitor-disk"}, agent.cleared)
}

func TestRunCheck_DedupWithinSilenceWindow(t *testing.T) {
	agent := &fakeAgent{replies: map[string]string{
		"jarvis-monitor-disk": "disk almost full on worker-1",
	}}
	cfg := singleCheckConfig("10m")
	disableBuiltins(&cfg)
	m, sink, clock := testMonitor(t, agent, cfg)
	ctx := context.Background()

	m.Tick(ctx)
	m.wg.Wait()
	require.Len(t, sink.all(), 1)

	// Same condition, still inside the silence window: suppressed.
	clock.advance(10 * time.Minute)
	m.Tick(ctx)
	m.wg.Wait()
	assert.Len(t, sink.all(), 1)

	// Window elapsed: the unresolved condition re-announces.
	clock.advance(time.Hour)
	m.Tick(ctx)
	m.wg.Wait()
	assert.Len(t, sink.all(), 2)
}

func TestRunCheck_ChangedTextAnnouncesImmediately(t *testing.T) {
	agent := &fakeAgent{replies: map[string]string{
		"jarvis-monitor-disk": "disk at 91%",
	}}
	cfg := singleCheckConfig("10m")
	disableBuiltins(&cfg)
	m, sink, clock := testMonitor(t, agent, cfg)
	ctx := context.Background()

	m.Tick(ctx)
	m.wg.Wait()
	require.Len(t, sink.all(), 1)

	agent.mu.Lock()
	agent.replies["jarvis-monitor-disk"] = "disk at 97%"
	agent.mu.Unlock()

	clock.advance(10 * time.Minute)
	m.Tick(ctx)
	m.wg.Wait()
	assert.Len(t, sink.all(), 2, "changed finding is not suppressed")
}

func TestRunCheck_AllClearResetsDedup(t *testing.T) {
	agent := &fakeAgent{replies: map[string]string{
		"jarvis-monitor-disk": "disk at 91%",
	}}
	cfg := singleCheckConfig("10m")
	disableBuiltins(&cfg)
	m, sink, clock := testMonitor(t, agent, cfg)
	ctx := context.Background()

	m.Tick(ctx)
	m.wg.Wait()
	require.Len(t, sink.all(), 1)

	// Condition resolves...
	agent.mu.Lock()
	agent.replies["jarvis-monitor-disk"] = "RAS"
	agent.mu.Unlock()
	clock.advance(10 * time.Minute)
	m.Tick(ctx)
	m.wg.Wait()

	// ...then recurs: announced immediately, silence window notwithstanding.
	agent.mu.Lock()
	agent.replies["jarvis-monitor-disk"] = "disk at 91%"
	agent.mu.Unlock()
	clock.advance(10 * time.Minute)
	m.Tick(ctx)
	m.wg.Wait()
	assert.Len(t, sink.all(), 2)
}

func TestRunCheck_FailureAnnouncesWarning(t *testing.T) {
	agent := &fakeAgent{err: errors.New("agent timeout: no reply within 5m0s")}
	cfg := singleCheckConfig("10m")
	disableBuiltins(&cfg)
	m, sink, _ := testMonitor(t, agent, cfg)

	m.Tick(context.Background())
	m.wg.Wait()

	texts := sink.all()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "check could not complete")
	assert.Contains(t, texts[0], "warning")
}

func TestRunCheck_ServiceGating(t *testing.T) {
	agent := &fakeAgent{}
	cfg := singleCheckConfig("10m")
	disableBuiltins(&cfg)
	m, sink, _ := testMonitor(t, agent, cfg)
	m.checks[0].RequiredServices = []string{"kubernetes"}
	m.hasServices = func([]string) bool { return false }

	m.Tick(context.Background())
	m.wg.Wait()

	assert.Zero(t, agent.callCount(), "gated check never reaches the agent")
	assert.Empty(t, sink.all())
}

func TestSeverityOf(t *testing.T) {
	assert.Equal(t, notify.SeverityCritical, severityOf("[CRITICAL] node down"))
	assert.Equal(t, notify.SeverityWarning, severityOf("[warning] restarts elevated"))
	assert.Equal(t, notify.SeverityInfo, severityOf("three pods pending"))
}

func TestFingerprint_NormalizesWhitespaceAndCase(t *testing.T) {
	a := Fingerprint("Disk  almost\nfull on Worker-1")
	b := Fingerprint("disk almost full on worker-1")
	c := Fingerprint("disk almost full on worker-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestMonitor_DisabledDoesNotStart(t *testing.T) {
	agent := &fakeAgent{}
	cfg := singleCheckConfig("1ms")
	cfg.Enabled = false
	cfg.InitialDelay = time.Millisecond
	cfg.TickInterval = time.Millisecond
	disableBuiltins(&cfg)
	m, _, _ := testMonitor(t, agent, cfg)

	m.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	assert.Zero(t, agent.callCount())
}
