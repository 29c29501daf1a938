package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"civika.it/internal/audit"
	"civika.it/internal/auth"
	"civika.it/internal/obs"
)

const serviceName = "civika-auth"

// Readiness reports whether the service can take traffic.
type Readiness interface {
	Check(ctx context.Context) error
}

// Pinger is satisfied by the PostgreSQL store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the database when one is configured.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// AuditReader lists recent audit entries for the dashboard.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]auth.AuditEntry, error)
}

// Options tunes the transport. Zero values fall back to the defaults below.
type Options struct {
	Version           string
	SecureCookies     bool
	RefreshCookiePath string
	MaxBodyBytes      int64
	RateBurst         int
	RatePerSecond     int
	AllowedOrigins    []string
	Logger            *zap.Logger
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	auditLog   AuditReader
	readyProbe Readiness
	limiter    *ipLimiter
	log        *zap.Logger

	version       string
	secureCookies bool
	cookiePath    string
	cookieMaxAge  int
	maxBodyBytes  int64
	origins       []string
}

func New(svc *auth.Service, auditLog AuditReader, rp Readiness, opts Options) *API {
	if rp == nil {
		rp = ReadyProbe{}
	}
	if opts.RefreshCookiePath == "" {
		opts.RefreshCookiePath = "/api/auth/refresh"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.Logger == nil {
		opts.Logger = obs.Logger()
	}
	a := &API{
		mux:           http.NewServeMux(),
		svc:           svc,
		auditLog:      auditLog,
		readyProbe:    rp,
		limiter:       newIPLimiter(opts.RateBurst, opts.RatePerSecond),
		log:           opts.Logger,
		version:       opts.Version,
		secureCookies: opts.SecureCookies,
		cookiePath:    opts.RefreshCookiePath,
		cookieMaxAge:  int(svc.Tokens().RefreshTTL() / time.Second),
		maxBodyBytes:  opts.MaxBodyBytes,
		origins:       opts.AllowedOrigins,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.Handle("/api/auth/login", a.limiter.wrap(http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("/api/auth/refresh", a.limiter.wrap(http.HandlerFunc(a.handleRefreshPath)))
	a.mux.HandleFunc("/api/auth/logout", a.handleLogout)
	a.mux.Handle("/api/auth/me", a.withAuth(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("/api/audit-logs", a.withAuth(
		RequirePermission(auth.ResourceAuditLogs, auth.ActionRead, auth.ScopeAll)(http.HandlerFunc(a.handleAuditLogs))))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, auth.CodeNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped server handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = withClient(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		a.log.Warn("readiness check failed", zap.String("request_id", audit.RequestIDFromContext(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

var messages = map[string]string{
	auth.CodeValidation:         "invalid request",
	auth.CodeInvalidCredentials: "invalid email or password",
	auth.CodeAccountLocked:      "account temporarily locked",
	auth.CodeAccountDisabled:    "account disabled",
	auth.CodeMissingToken:       "authentication required",
	auth.CodeInvalidToken:       "invalid token",
	auth.CodeRevokedToken:       "token revoked",
	auth.CodeExpiredToken:       "token expired",
	auth.CodeUserUnavailable:    "user unavailable",
	auth.CodeNotFound:           "resource not found",
	auth.CodeForbidden:          "insufficient permissions",
	auth.CodeInternal:           "internal server error",
}

// statusFor maps an external error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case auth.CodeValidation:
		return http.StatusBadRequest
	case auth.CodeInvalidCredentials, auth.CodeMissingToken, auth.CodeInvalidToken,
		auth.CodeRevokedToken, auth.CodeExpiredToken, auth.CodeUserUnavailable:
		return http.StatusUnauthorized
	case auth.CodeAccountDisabled, auth.CodeForbidden:
		return http.StatusForbidden
	case auth.CodeNotFound:
		return http.StatusNotFound
	case auth.CodeAccountLocked:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// handleAuthError writes the envelope for a service error. Internal errors are logged, never echoed.
func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := auth.ErrorCode(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("operation", op),
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.Error(err))
	}
	writeError(w, r, status, code, messages[code])
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, envelope{
		Success:   false,
		Error:     msg,
		Code:      code,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// decodeJSON reads a single JSON value into dst. Unknown fields are ignored.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
