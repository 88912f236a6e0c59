// ABOUTME: Gateway wires the dispatcher, runner, monitor, store, and channels together.
// ABOUTME: Owns the HTTP server lifecycle, optional tsnet listener, and graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/jarvis-dispatcher/internal/channel/matrix"
	"github.com/2389/jarvis-dispatcher/internal/channel/synology"
	"github.com/2389/jarvis-dispatcher/internal/config"
	"github.com/2389/jarvis-dispatcher/internal/dispatch"
	"github.com/2389/jarvis-dispatcher/internal/monitor"
	"github.com/2389/jarvis-dispatcher/internal/notify"
	"github.com/2389/jarvis-dispatcher/internal/runner"
	"github.com/2389/jarvis-dispatcher/internal/store"
)

// AgentRunner is the runner surface the gateway needs beyond dispatching.
type AgentRunner interface {
	Healthy(ctx context.Context) error
	ClearSession(sessionID string)
}

// Gateway is the top-level server tying all components together.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store      store.Store
	runner     AgentRunner
	dispatcher *dispatch.Dispatcher
	notifier   *notify.Notifier
	monitor    *monitor.Monitor
	matrix     *matrix.Channel

	hub *wsHub

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// New creates a fully wired Gateway from config.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	run := runner.New(cfg.Agent, logger)
	dispatcher := dispatch.New(run, cfg.Dispatch, logger)
	notifier := notify.New(logger)

	mon, err := monitor.New(cfg.Monitor, monitor.NewDispatchRunner(dispatcher, run), notifier, st, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initializing monitor: %w", err)
	}

	g := &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		store:      st,
		runner:     run,
		dispatcher: dispatcher,
		notifier:   notifier,
		monitor:    mon,
		hub:        newWSHub(logger),
	}

	if cfg.Channels.Synology.Enabled && cfg.Channels.Synology.WebhookURL != "" {
		synology.New(cfg.Channels.Synology.WebhookURL, logger).Register(notifier)
	}

	if cfg.Channels.Matrix.Enabled {
		mx, err := matrix.New(cfg.Channels.Matrix, dispatcher, notifier, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("initializing matrix channel: %w", err)
		}
		g.matrix = mx
	}

	g.httpServer = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Run starts the server and blocks until the context is canceled or a
// component fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if g.matrix != nil {
		go func() {
			if err := g.matrix.Run(ctx); err != nil {
				errCh <- fmt.Errorf("matrix channel: %w", err)
			}
		}()
	}

	g.hub.register(g.notifier)
	g.monitor.Start(ctx)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown drains the HTTP server, stops the monitor, closes the dispatcher,
// and releases the store. Order matters: no new work, then finish in-flight
// work, then persistence last.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error

	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.hub.closeAll()
	g.monitor.Stop()
	g.dispatcher.Close()

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tsnet shutdown: %w", err))
		}
	}

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	g.logger.Info("gateway stopped")
	return errors.Join(errs...)
}

// setupListener creates the HTTP listener, on the tailnet when configured.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "jarvis-dispatcher", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
