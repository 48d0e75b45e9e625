package auth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// ContextKey is used for storing the session ID in request context
type ContextKey string

const SessionContextKey ContextKey = "session"

// RefreshCookieName holds the refresh token for browser clients.
const RefreshCookieName = "tb_refresh"

// Authenticator resolves a request's access token to a live session.
type Authenticator struct {
	Tokens   *TokenIssuer
	Sessions *SessionRegistry
}

// Authenticate checks the bearer token and that its session is still active.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	return a.check(bearerToken(r))
}

// AuthenticateUpgrade is Authenticate that also accepts the access_token
// query parameter. Browsers cannot set headers on a WebSocket handshake, so
// only the upgrade route uses it.
func (a *Authenticator) AuthenticateUpgrade(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	return a.check(token)
}

// SessionActive reports whether sid still names a live session.
func (a *Authenticator) SessionActive(sid string) bool {
	return sid != "" && a.Sessions.IsActive(sid)
}

func (a *Authenticator) check(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	sid, err := a.Tokens.Parse(token)
	if err != nil {
		return "", err
	}
	if !a.Sessions.IsActive(sid) {
		return "", ErrSessionNotFound
	}
	return sid, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// WithSession returns ctx carrying sessionID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionContextKey, sessionID)
}

// SessionFromContext returns the session ID stored by the auth gate, or "".
func SessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(SessionContextKey).(string)
	return id
}

// SetRefreshCookie stores the refresh token in an HttpOnly cookie scoped to
// the auth endpoints.
// Mitigation: OWASP A01:2021-Broken Access Control (CSRF prevention)
func SetRefreshCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     "/api/auth",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
	})
}

// ClearRefreshCookie clears the refresh cookie
func ClearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     "/api/auth",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// RefreshTokenFromRequest returns the body token if set, else the cookie.
func RefreshTokenFromRequest(r *http.Request, bodyToken string) string {
	if bodyToken != "" {
		return bodyToken
	}
	if c, err := r.Cookie(RefreshCookieName); err == nil {
		return c.Value
	}
	return ""
}
