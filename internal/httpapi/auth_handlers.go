package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"civika.it/internal/audit"
	"civika.it/internal/auth"
)

const refreshCookieName = "refresh_token"

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string       `json:"accessToken"`
	User        auth.Profile `json:"user"`
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, auth.CodeValidation, messages[auth.CodeValidation])
		return
	}

	res, err := a.svc.Login(r.Context(), req.Email, req.Password, auth.ClientFrom(r.Context()))
	if err != nil {
		a.handleAuthError(w, r, "login", err)
		return
	}
	a.setRefreshCookie(w, res.Tokens.RefreshToken)
	writeData(w, http.StatusOK, loginResponse{
		AccessToken: res.Tokens.AccessToken,
		User:        res.User,
	})
}

// handleRefreshPath serves the cookie path: POST rotates, DELETE logs out.
func (a *API) handleRefreshPath(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleRefresh(w, r)
	case http.MethodDelete:
		a.logout(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := ""
	if c, err := r.Cookie(refreshCookieName); err == nil {
		raw = c.Value
	}
	pair, err := a.svc.Refresh(r.Context(), raw, auth.ClientFrom(r.Context()))
	if err != nil {
		a.handleAuthError(w, r, "refresh", err)
		return
	}
	a.setRefreshCookie(w, pair.RefreshToken)
	writeData(w, http.StatusOK, refreshResponse{AccessToken: pair.AccessToken})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.logout(w, r)
}

// logout always answers 200 and clears the cookie.
func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	raw := ""
	if c, err := r.Cookie(refreshCookieName); err == nil {
		raw = c.Value
	}
	bearer, _ := extractBearerToken(r.Header.Get(authHeader))
	a.svc.Logout(r.Context(), raw, bearer, auth.ClientFrom(r.Context()))
	a.clearRefreshCookie(w)
	writeData(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	bearer, _ := auth.BearerFrom(r.Context())
	profile, err := a.svc.Me(r.Context(), bearer)
	if err != nil {
		a.handleAuthError(w, r, "me", err)
		return
	}
	writeData(w, http.StatusOK, profile)
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxAuditLimit {
			writeError(w, r, http.StatusBadRequest, auth.CodeValidation, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	if a.auditLog == nil {
		writeData(w, http.StatusOK, []auth.AuditEntry{})
		return
	}
	entries, err := a.auditLog.Recent(r.Context(), limit)
	if err != nil {
		a.log.Error("list audit logs",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, auth.CodeInternal, messages[auth.CodeInternal])
		return
	}
	if entries == nil {
		entries = []auth.AuditEntry{}
	}
	writeData(w, http.StatusOK, entries)
}

func (a *API) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     a.cookiePath,
		MaxAge:   a.cookieMaxAge,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     a.cookiePath,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}
