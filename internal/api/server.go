package api

import (
	"crypto/tls"
	"errors"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/tunnelboard/internal/audit"
	"grimm.is/tunnelboard/internal/auth"
	"grimm.is/tunnelboard/internal/brand"
	"grimm.is/tunnelboard/internal/clock"
	"grimm.is/tunnelboard/internal/health"
	"grimm.is/tunnelboard/internal/lifecycle"
	"grimm.is/tunnelboard/internal/logging"
	"grimm.is/tunnelboard/internal/metrics"
	"grimm.is/tunnelboard/internal/ratelimit"
	"grimm.is/tunnelboard/internal/scheduler"
)

// ServerConfig holds HTTP server security configuration.
// Mitigation: OWASP A05:2021-Security Misconfiguration
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration // Body read limit
	WriteTimeout      time.Duration // Response timeout
	IdleTimeout       time.Duration // Keep-alive timeout
	MaxHeaderBytes    int           // Header size limit
	MaxBodyBytes      int64         // Request body size limit
}

// DefaultServerConfig returns secure default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      1 << 20,
	}
}

// ServerOptions holds dependencies for the API server.
type ServerOptions struct {
	Lifecycle   *lifecycle.Orchestrator
	Credentials *auth.CredentialStore
	Sessions    *auth.SessionRegistry
	Tokens      *auth.TokenIssuer
	Limiter     *ratelimit.Limiter
	Policy      auth.PasswordPolicy

	// TrustedProxies may set X-Forwarded-For / X-Real-IP. Without any,
	// the client IP is always the socket peer.
	TrustedProxies []netip.Prefix

	Audit     *audit.Store           // optional
	Metrics   *metrics.Registry      // optional
	Gatherer  prometheus.Gatherer    // defaults to prometheus.DefaultGatherer
	Scheduler *scheduler.Scheduler   // optional, for /api/tasks
	Health    *health.Checker        // optional, extra checks for /api/health
	Logger    *logging.Logger
	Config    *ServerConfig
}

// Server handles API requests.
type Server struct {
	lc          *lifecycle.Orchestrator
	creds       *auth.CredentialStore
	sessions    *auth.SessionRegistry
	tokens      *auth.TokenIssuer
	authn       *auth.Authenticator
	rateLimiter *ratelimit.Limiter
	policy      auth.PasswordPolicy

	trustedProxies []netip.Prefix

	audit     *audit.Store
	metrics   *metrics.Registry
	gatherer  prometheus.Gatherer
	scheduler *scheduler.Scheduler
	health    *health.Checker
	logger    *logging.Logger
	cfg       *ServerConfig
	startTime time.Time

	wsManager  *WSManager
	passwordMu sync.Mutex // serializes password set/clear check-then-act

	mux *http.ServeMux
}

// NewServer creates a new API server with the provided options.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Lifecycle == nil || opts.Credentials == nil || opts.Sessions == nil || opts.Tokens == nil {
		return nil, errors.New("api: lifecycle, credentials, sessions and tokens are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(5, time.Minute, nil)
	}

	s := &Server{
		lc:          opts.Lifecycle,
		creds:       opts.Credentials,
		sessions:    opts.Sessions,
		tokens:      opts.Tokens,
		authn:       &auth.Authenticator{Tokens: opts.Tokens, Sessions: opts.Sessions},
		rateLimiter: limiter,
		policy:      opts.Policy,

		trustedProxies: opts.TrustedProxies,

		audit:       opts.Audit,
		metrics:     opts.Metrics,
		gatherer:    gatherer,
		scheduler:   opts.Scheduler,
		logger:      logger.WithComponent("api"),
		cfg:         cfg,
		startTime:   clock.Now(),
	}

	s.health = opts.Health
	if s.health == nil {
		s.health = health.NewChecker(5*time.Second, nil)
	}
	s.health.Register("entries", health.Entries(s.lc.Snapshot))
	if s.audit != nil {
		s.health.Register("audit", health.Ping(s.audit))
	}

	s.wsManager = NewWSManager(s.logger, func(topic string) (any, bool) {
		if topic == TopicEntries {
			return s.lc.Snapshot(), true
		}
		return nil, false
	})
	// A socket lives only as long as the session it was opened with; in
	// open mode there is no session to check.
	s.wsManager.SetAuthorizer(func(session string) bool {
		return s.lc.Credential() == "" || s.authn.SessionActive(session)
	})
	s.lc.Subscribe(func(lifecycle.Event) {
		s.wsManager.Publish(TopicEntries, s.lc.Snapshot())
	})

	s.initRoutes()
	return s, nil
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	// Checks its own credentials: open until the first password is set.
	mux.HandleFunc("POST /api/auth/password", s.handleSetPassword)

	mux.Handle("DELETE /api/auth/password", s.require(http.HandlerFunc(s.handleClearPassword)))

	mux.Handle("GET /api/settings", s.require(http.HandlerFunc(s.handleSettings)))
	for _, k := range []struct {
		path string
		kind lifecycle.Kind
	}{
		{"servers", lifecycle.Server},
		{"clients", lifecycle.Client},
	} {
		mux.Handle("POST /api/"+k.path, s.require(s.handleCreateEntry(k.kind)))
		mux.Handle("PATCH /api/"+k.path+"/{index}", s.require(s.handlePatchEntry(k.kind)))
		mux.Handle("DELETE /api/"+k.path+"/{index}", s.require(s.handleDeleteEntry(k.kind)))
	}

	mux.Handle("GET /api/audit", s.require(http.HandlerFunc(s.handleAuditQuery)))
	mux.Handle("GET /api/logs", s.require(http.HandlerFunc(s.handleLogs)))
	mux.Handle("GET /api/health", s.require(s.health.Handler()))
	mux.Handle("GET /api/tasks", s.require(http.HandlerFunc(s.handleTasks)))
	mux.Handle("GET /api/ws", s.gate(s.authn.AuthenticateUpgrade, http.HandlerFunc(s.handleWS)))

	s.mux = mux
}

// Handler returns the full middleware chain.
// Chain: recover -> access log -> body limit -> mux
func (s *Server) Handler() http.Handler {
	return s.recoverMiddleware(s.accessLog(maxBodyMiddleware(s.cfg.MaxBodyBytes)(s.mux)))
}

// HTTPServer returns an http.Server with the configured timeouts. tlsCfg
// may be nil.
func (s *Server) HTTPServer(tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}
}

// Close disconnects WebSocket clients.
func (s *Server) Close() {
	s.wsManager.Close()
}

// require gates handler behind a valid access token once a password is set.
func (s *Server) require(handler http.Handler) http.Handler {
	return s.gate(s.authn.Authenticate, handler)
}

func (s *Server) gate(authenticate func(*http.Request) (string, error), handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.lc.Credential() == "" {
			handler.ServeHTTP(w, r)
			return
		}

		sid, err := authenticate(r)
		if err != nil {
			s.logger.Warn("auth failed", "path", r.URL.Path, "ip", s.clientIP(r), "error", err)
			WriteError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		handler.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), sid)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"name":    brand.Name,
		"version": brand.Version,
		"uptime":  clock.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		WriteJSON(w, http.StatusOK, []scheduler.TaskStatus{})
		return
	}
	WriteJSON(w, http.StatusOK, s.scheduler.GetStatus())
}

// recordAudit writes an audit event when an audit store is configured.
func (s *Server) recordAudit(r *http.Request, action, resource string, err error, details map[string]any) {
	if s.audit == nil {
		return
	}
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
		if details == nil {
			details = map[string]any{}
		}
		details["error"] = err.Error()
	}
	s.audit.Record(audit.Event{
		Session:  auth.SessionFromContext(r.Context()),
		Action:   action,
		Resource: resource,
		Details:  details,
		Status:   status,
		IP:       s.clientIP(r),
	})
}
