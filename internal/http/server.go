package http

import (
	"context"
	"html/template"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"conti/internal/core"
	"conti/internal/ledger"
	"conti/internal/log"
	"conti/internal/metrics"
	"conti/internal/middleware/ratelimit"
	"conti/internal/middleware/security"
	"conti/internal/middleware/trace"
	"conti/internal/report"
	"conti/internal/services"
	appweb "conti/web"
)

// Ledger is the application service behind every handler.
// *services.GroupService implements it.
type Ledger interface {
	CreateGroup(ctx context.Context, in services.CreateGroupInput) (core.Group, error)
	ListGroups(ctx context.Context) ([]core.GroupSummary, error)
	GetGroup(ctx context.Context, id string) (core.Group, error)
	DeleteGroup(ctx context.Context, id string) error
	AddMember(ctx context.Context, groupID, name string) (core.Group, core.Member, error)
	CreateExpense(ctx context.Context, groupID string, in services.ExpenseInput) (core.Group, core.Expense, error)
	EditExpense(ctx context.Context, groupID, expenseID string, p ledger.Patch) (core.Group, error)
	MarkPaid(ctx context.Context, groupID, expenseID string, paid bool) (core.Group, error)
	DeleteExpense(ctx context.Context, groupID, expenseID string) (core.Group, error)
	Settle(ctx context.Context, groupID, fromID, toID string) (core.Group, error)
	ListExpenses(ctx context.Context, groupID string, f report.Filter) ([]core.Expense, error)
	Stats(ctx context.Context, groupID string, f report.Filter) (report.Stats, error)
	Selection(ctx context.Context, groupID string, expenseIDs []string) (report.Selection, error)
	Suggestions(ctx context.Context, groupID string) ([]report.Transfer, error)
	Verify(ctx context.Context, groupID string) error
	Ping(ctx context.Context) error
}

// ServerConfig holds the listener and protection settings. A zero
// RateLimitRPM disables rate limiting.
type ServerConfig struct {
	Addr           string
	RateLimitRPM   int
	TrustedProxies []string
}

type Server struct {
	http.Server
	ledger    Ledger
	templates *template.Template
	metrics   *metrics.Metrics
	logger    *log.Logger
	limiter   *ratelimit.Limiter
	clientIP  *security.ClientIPResolver
	started   time.Time
	now       func() time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes, middleware and templates, returning a
// ready-to-run http.Server. m may be nil.
func NewServer(cfg ServerConfig, l Ledger, m *metrics.Metrics, logger *log.Logger) *Server {
	mux := http.NewServeMux()
	logger = logger.WithComponent(log.ComponentHTTP)

	s := &Server{
		Server: http.Server{
			Addr:              cfg.Addr,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		ledger:   l,
		metrics:  m,
		logger:   logger,
		clientIP: security.NewClientIPResolver(),
		started:  time.Now(),
		now:      time.Now,
	}
	if cfg.RateLimitRPM > 0 {
		s.limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RateLimitRPM})
	}
	for _, cidr := range cfg.TrustedProxies {
		if err := s.clientIP.AddTrustedProxy(cidr); err != nil {
			logger.Warn("Ignoring invalid trusted proxy",
				log.FieldComponent, log.ComponentSecurity,
				"cidr", cidr,
				log.FieldError, err)
		}
	}

	// Parse embedded templates at startup.
	t, err := template.New("").Funcs(templateFuncs).ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		logger.Warn("Failed parsing templates",
			log.FieldError, err,
			log.FieldComponent, log.ComponentTemplate)
	} else {
		s.templates = t
	}

	// Static assets (served from embedded FS)
	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("GET /static/", security.StaticAssetMiddleware(3600)(static))
	} else {
		logger.Warn("Failed to mount embedded static FS", log.FieldError, err)
	}

	s.routes(mux)
	s.Handler = s.middleware(mux)
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	// Operational
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// JSON API
	mux.HandleFunc("GET /api/v1/groups", s.handleListGroups)
	mux.HandleFunc("POST /api/v1/groups", s.handleCreateGroup)
	mux.HandleFunc("GET /api/v1/groups/{id}", s.handleGetGroup)
	mux.HandleFunc("DELETE /api/v1/groups/{id}", s.handleDeleteGroup)
	mux.HandleFunc("POST /api/v1/groups/{id}/members", s.handleAddMember)
	mux.HandleFunc("GET /api/v1/groups/{id}/expenses", s.handleListExpenses)
	mux.HandleFunc("POST /api/v1/groups/{id}/expenses", s.handleCreateExpense)
	mux.HandleFunc("PUT /api/v1/groups/{id}/expenses/{eid}", s.handleEditExpense)
	mux.HandleFunc("PATCH /api/v1/groups/{id}/expenses/{eid}/paid", s.handleMarkPaid)
	mux.HandleFunc("DELETE /api/v1/groups/{id}/expenses/{eid}", s.handleDeleteExpense)
	mux.HandleFunc("POST /api/v1/groups/{id}/settle", s.handleSettle)
	mux.HandleFunc("GET /api/v1/groups/{id}/stats", s.handleStats)
	mux.HandleFunc("POST /api/v1/groups/{id}/selection", s.handleSelection)
	mux.HandleFunc("GET /api/v1/groups/{id}/settlements", s.handleSettlements)
	mux.HandleFunc("GET /api/v1/groups/{id}/verify", s.handleVerify)

	// Pages
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /groups/{id}", s.handleGroupPage)

	// UI partials
	mux.HandleFunc("POST /ui/groups", s.handleUICreateGroup)
	mux.HandleFunc("DELETE /ui/groups/{id}", s.handleUIDeleteGroup)
	mux.HandleFunc("POST /ui/groups/{id}/members", s.handleUIAddMember)
	mux.HandleFunc("GET /ui/groups/{id}/expenses", s.handleUIExpenses)
	mux.HandleFunc("POST /ui/groups/{id}/expenses", s.handleUICreateExpense)
	mux.HandleFunc("GET /ui/groups/{id}/expenses/{eid}/edit", s.handleUIEditForm)
	mux.HandleFunc("POST /ui/groups/{id}/expenses/{eid}", s.handleUIEditExpense)
	mux.HandleFunc("POST /ui/groups/{id}/expenses/{eid}/paid", s.handleUIMarkPaid)
	mux.HandleFunc("DELETE /ui/groups/{id}/expenses/{eid}", s.handleUIDeleteExpense)
	mux.HandleFunc("POST /ui/groups/{id}/settle", s.handleUISettle)
	mux.HandleFunc("GET /ui/groups/{id}/stats", s.handleUIStats)
}

// middleware wraps the mux, outermost first: security headers, request
// logger, rate limiting of writes, tracing. Tracing sits directly on the
// mux so it can read the matched route pattern.
func (s *Server) middleware(mux http.Handler) http.Handler {
	traced := trace.NewMiddleware(s.logger, s.clientIP.ClientIP, s.metrics).Middleware(mux)
	h := traced
	if s.limiter != nil {
		limited := s.limiter.Middleware(s.clientIP.ClientIP, s.onRateLimit)(traced)
		h = limitWrites(limited, traced)
	}
	h = log.Middleware(s.logger)(h)
	return security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
}

// limitWrites sends mutating requests through limited and reads straight
// to next.
func limitWrites(limited, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
		default:
			limited.ServeHTTP(w, r)
		}
	})
}

func (s *Server) onRateLimit(w http.ResponseWriter, r *http.Request) {
	s.metrics.RateLimited()
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldComponent, log.ComponentRateLimit,
		log.FieldClientIP, s.clientIP.ClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	if isHTMX(r) {
		ErrorResponse(http.StatusTooManyRequests, "Too many requests, try again shortly").Write(w)
		return
	}
	writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Type: "rate_limited"})
}

// Shutdown gracefully shuts down the server and the limiter cleanup loop.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.limiter != nil {
			s.limiter.Stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
