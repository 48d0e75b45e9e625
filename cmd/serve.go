package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"grimm.is/tunnelboard/internal/api"
	"grimm.is/tunnelboard/internal/audit"
	"grimm.is/tunnelboard/internal/auth"
	"grimm.is/tunnelboard/internal/clock"
	"grimm.is/tunnelboard/internal/config"
	"grimm.is/tunnelboard/internal/health"
	"grimm.is/tunnelboard/internal/lifecycle"
	"grimm.is/tunnelboard/internal/logging"
	"grimm.is/tunnelboard/internal/metrics"
	"grimm.is/tunnelboard/internal/ratelimit"
	"grimm.is/tunnelboard/internal/scheduler"
	"grimm.is/tunnelboard/internal/store"
	tlsutil "grimm.is/tunnelboard/internal/tls"
	"grimm.is/tunnelboard/internal/tunnel"
)

const (
	shutdownTimeout = 10 * time.Second
	certValidDays   = 365
)

// RunServe runs the daemon until SIGINT or SIGTERM.
func RunServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configFile := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer d.Shutdown()

	ln, err := d.Listen()
	if err != nil {
		return err
	}
	return d.Serve(ctx, ln)
}

// daemon holds the wired services of a running tunnelboard.
type daemon struct {
	cfg    *config.Config
	logger *logging.Logger

	lock       *store.Lock
	lc         *lifecycle.Orchestrator
	audit      *audit.Store
	scheduler  *scheduler.Scheduler
	api        *api.Server
	tlsConfig  *tls.Config
	selfSigned bool

	// Cleanup functions to call on shutdown
	cleanupFuncs []func()
}

// addCleanup registers a cleanup function to be called on shutdown.
func (d *daemon) addCleanup(fn func()) {
	d.cleanupFuncs = append(d.cleanupFuncs, fn)
}

// Shutdown calls all registered cleanup functions in reverse order.
func (d *daemon) Shutdown() {
	for i := len(d.cleanupFuncs) - 1; i >= 0; i-- {
		d.cleanupFuncs[i]()
	}
	d.cleanupFuncs = nil
}

// newDaemon wires every service. reg overrides the global Prometheus
// registry; tests pass a private one.
func newDaemon(cfg *config.Config, logger *logging.Logger, reg *prometheus.Registry) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.Shutdown()
		}
	}()

	d.lock, err = store.AcquireLock(cfg.DataFile)
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, fmt.Errorf("%s: another instance is running", cfg.DataFile)
		}
		return nil, err
	}
	d.addCleanup(func() { d.lock.Release() })

	files := store.NewFileStore(cfg.DataFile, logger.WithComponent("store"))
	doc, err := files.Load()
	if err != nil {
		return nil, err
	}

	var m *metrics.Registry
	var gatherer prometheus.Gatherer
	if reg != nil {
		m, gatherer = metrics.New(reg), reg
	} else {
		m, gatherer = metrics.Get(), prometheus.DefaultGatherer
	}

	driver, err := tunnel.NewDriver(cfg.Tunnel.Driver, tunnel.Options{
		Bind:   cfg.Tunnel.Bind,
		Local:  cfg.Tunnel.Local,
		Logger: logger.WithComponent("tunnel"),
	})
	if err != nil {
		return nil, err
	}

	d.lc = lifecycle.New(doc, driver, files, lifecycle.Options{Logger: logger, Metrics: m})
	d.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.lc.Shutdown(ctx); err != nil {
			logger.Warn("lifecycle shutdown", "error", err)
		}
	})

	d.audit, err = audit.NewStore(cfg.Audit.Path, cfg.Audit.RetentionDays, logger)
	if err != nil {
		return nil, err
	}
	d.addCleanup(func() { d.audit.Close() })

	sessions := auth.NewSessionRegistry(auth.SessionOptions{
		MaxSessions: cfg.Auth.MaxSessions,
		RefreshTTL:  cfg.Auth.RefreshTTL(),
		Logger:      logger.WithComponent("auth"),
	})
	m.SetSessionSource(sessions.Count)

	tokens, err := auth.NewTokenIssuer(cfg.Auth.AccessTTL(), clock.Real)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.NewLimiter(cfg.Auth.LoginAttempts, time.Minute, clock.Real)

	d.scheduler = scheduler.New(logger)
	pruneSchedule, err := scheduler.Cron(cfg.Audit.PruneSchedule)
	if err != nil {
		return nil, err
	}
	for _, task := range []*scheduler.Task{
		scheduler.NewSessionSweepTask(sessions, cfg.Auth.Sweep(), logger),
		scheduler.NewRateLimitCleanupTask(scheduler.SweeperFunc(func() int {
			return limiter.CleanupExpired(10 * time.Minute)
		}), 5*time.Minute),
		scheduler.NewAuditPruneTask(d.audit, pruneSchedule, logger),
	} {
		if err := d.scheduler.AddTask(task); err != nil {
			return nil, err
		}
	}

	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		return nil, err
	}

	checks := health.NewChecker(5*time.Second, nil)
	checks.Register("datadir", health.Writable(filepath.Dir(cfg.DataFile)))

	d.api, err = api.NewServer(api.ServerOptions{
		Lifecycle:   d.lc,
		Credentials: auth.NewCredentialStore(),
		Sessions:    sessions,
		Tokens:      tokens,
		Limiter:     limiter,
		Policy:      passwordPolicy(cfg),

		TrustedProxies: proxies,

		Audit:       d.audit,
		Metrics:     m,
		Gatherer:    gatherer,
		Scheduler:   d.scheduler,
		Health:      checks,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	d.addCleanup(d.api.Close)

	if cfg.TLSCert != "" {
		_, statErr := os.Stat(cfg.TLSCert)
		d.selfSigned = errors.Is(statErr, os.ErrNotExist)
		cert, err := tlsutil.EnsureCertificate(cfg.TLSCert, cfg.TLSKey, certValidDays)
		if err != nil {
			return nil, err
		}
		d.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{*cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	return d, nil
}

// Listen binds the API address, capped at cfg.MaxConnections concurrent
// connections.
func (d *daemon) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", d.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", d.cfg.Listen, err)
	}
	if d.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, d.cfg.MaxConnections)
	}
	return ln, nil
}

// Serve starts the scheduler, runs the startup sweep and serves the API on
// ln until ctx is cancelled.
func (d *daemon) Serve(ctx context.Context, ln net.Listener) error {
	d.scheduler.Start()
	d.addCleanup(d.scheduler.Stop)

	if err := d.lc.Start(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("startup sweep: %w", err)
	}

	srv := d.api.HTTPServer(d.tlsConfig)
	srv.ErrorLog = newTLSFilteredLogger(d.logger, d.selfSigned)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.logger.Info("API listening", "addr", ln.Addr().String(), "tls", d.tlsConfig != nil)
		var err error
		if d.tlsConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		d.api.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// tlsFilteredLogger drops handshake noise from browsers that do not trust a
// self-signed certificate and forwards everything else to the logger.
type tlsFilteredLogger struct {
	logger       *logging.Logger
	isSelfSigned bool
}

func (l *tlsFilteredLogger) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if l.isSelfSigned && strings.Contains(msg, "TLS handshake error") &&
		(strings.Contains(msg, "unknown certificate") ||
			strings.Contains(msg, "certificate required") ||
			strings.Contains(msg, "bad certificate")) {
		return len(p), nil
	}
	l.logger.Warn(msg)
	return len(p), nil
}

func newTLSFilteredLogger(logger *logging.Logger, isSelfSigned bool) *log.Logger {
	return log.New(&tlsFilteredLogger{logger: logger.WithComponent("http"), isSelfSigned: isSelfSigned}, "", 0)
}
