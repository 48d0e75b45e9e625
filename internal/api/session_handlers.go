package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"grimm.is/tunnelboard/internal/audit"
	"grimm.is/tunnelboard/internal/auth"
)

type loginRequest struct {
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type setPasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type clearPasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
}

// TokenResponse is returned by login, refresh and first-time password set.
type TokenResponse struct {
	Success          bool      `json:"success"`
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	ExpiresIn        int       `json:"expiresIn"` // seconds
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// AuthStatus reports whether a password is set and whether the caller holds
// a valid access token.
type AuthStatus struct {
	AuthRequired  bool `json:"authRequired"`
	Authenticated bool `json:"authenticated"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	status := AuthStatus{AuthRequired: s.lc.Credential() != ""}
	if status.AuthRequired {
		_, err := s.authn.Authenticate(r)
		status.Authenticated = err == nil
	}
	WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := s.clientIP(r)

	// Mitigation: OWASP A07:2021-Identification and Authentication Failures
	if !s.rateLimiter.Allow(ip) {
		s.recordLogin("rate_limited")
		wait := s.rateLimiter.RetryAfter(ip)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		s.logger.Warn("login rate limited", "ip", ip)
		WriteError(w, http.StatusTooManyRequests, "Too many login attempts")
		return
	}

	var req loginRequest
	if !BindJSON(w, r, &req) {
		return
	}

	record := s.lc.Credential()
	if record == "" {
		s.recordLogin("no_password")
		WriteError(w, http.StatusBadRequest, "No password is set")
		return
	}

	if !s.creds.Verify(r.Context(), req.Password, record) {
		s.recordLogin("failure")
		s.logger.Warn("login failed", "ip", ip)
		s.recordAudit(r, audit.ActionLogin, "", auth.ErrInvalidCredentials, nil)
		WriteError(w, http.StatusUnauthorized, "Invalid password")
		return
	}

	issued, err := s.sessions.CreateSession()
	if errors.Is(err, auth.ErrSessionLimit) {
		s.recordLogin("session_limit")
		s.recordAudit(r, audit.ActionLogin, "", err, nil)
		WriteError(w, http.StatusServiceUnavailable, "Too many active sessions")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	s.rateLimiter.Reset(ip)
	s.recordLogin("success")
	s.logger.Info("login", "ip", ip, "session", issued.SessionID)
	r = r.WithContext(auth.WithSession(r.Context(), issued.SessionID))
	s.recordAudit(r, audit.ActionLogin, "", nil, nil)
	s.writeTokens(w, r, issued)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !bindOptionalJSON(w, r, &req) {
		return
	}

	token := auth.RefreshTokenFromRequest(r, req.RefreshToken)
	issued, err := s.sessions.RefreshSession(token)
	if err != nil {
		s.logger.Warn("refresh rejected", "ip", s.clientIP(r))
		auth.ClearRefreshCookie(w)
		s.recordAudit(r, audit.ActionRefresh, "", err, nil)
		WriteError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	}

	r = r.WithContext(auth.WithSession(r.Context(), issued.SessionID))
	s.recordAudit(r, audit.ActionRefresh, "", nil, nil)
	s.writeTokens(w, r, issued)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !bindOptionalJSON(w, r, &req) {
		return
	}

	if token := auth.RefreshTokenFromRequest(r, req.RefreshToken); token != "" {
		if s.sessions.InvalidateByRefreshToken(token) {
			s.recordAudit(r, audit.ActionLogout, "", nil, nil)
			s.wsManager.Revalidate()
		}
	}
	auth.ClearRefreshCookie(w)
	SuccessResponse(w)
}

// handleSetPassword sets or changes the password. With a password already
// set the caller must be authenticated and prove the current password; in
// open mode anyone may set the first one and is logged in immediately.
func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var req setPasswordRequest
	if !BindJSON(w, r, &req) {
		return
	}

	s.passwordMu.Lock()
	defer s.passwordMu.Unlock()

	current := s.lc.Credential()
	var sid string
	if current != "" {
		var err error
		sid, err = s.authn.Authenticate(r)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		r = r.WithContext(auth.WithSession(r.Context(), sid))
		if !s.creds.Verify(r.Context(), req.CurrentPassword, current) {
			s.logger.Warn("password change rejected", "ip", s.clientIP(r))
			s.recordAudit(r, audit.ActionPassword, "", auth.ErrInvalidCredentials, nil)
			WriteError(w, http.StatusUnauthorized, "Current password is incorrect")
			return
		}
	}

	if err := auth.ValidatePassword(req.NewPassword, s.policy); err != nil {
		WriteError(w, http.StatusBadRequest, "Password does not meet policy", err.Error())
		return
	}

	record, err := s.creds.Hash(r.Context(), req.NewPassword)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}
	if err := s.lc.SetCredential(r.Context(), record); err != nil {
		s.recordAudit(r, audit.ActionPassword, "", err, nil)
		writeLifecycleError(w, err)
		return
	}

	revoked := s.sessions.InvalidateAllExcept(sid)
	s.wsManager.Revalidate()
	s.logger.Info("password set", "ip", s.clientIP(r), "sessions_revoked", revoked)
	s.recordAudit(r, audit.ActionPassword, "", nil, map[string]any{"sessions_revoked": revoked})

	if current != "" {
		SuccessResponse(w)
		return
	}

	issued, err := s.sessions.CreateSession()
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Password set but login failed", err.Error())
		return
	}
	s.writeTokens(w, r, issued)
}

// handleClearPassword removes the password, returning to open mode, and
// ends every session.
func (s *Server) handleClearPassword(w http.ResponseWriter, r *http.Request) {
	var req clearPasswordRequest
	if !BindJSON(w, r, &req) {
		return
	}

	s.passwordMu.Lock()
	defer s.passwordMu.Unlock()

	current := s.lc.Credential()
	if current == "" {
		WriteError(w, http.StatusBadRequest, "No password is set")
		return
	}
	if !s.creds.Verify(r.Context(), req.CurrentPassword, current) {
		s.recordAudit(r, audit.ActionPassword, "", auth.ErrInvalidCredentials, map[string]any{"op": "clear"})
		WriteError(w, http.StatusUnauthorized, "Current password is incorrect")
		return
	}

	if err := s.lc.SetCredential(r.Context(), ""); err != nil {
		writeLifecycleError(w, err)
		return
	}

	revoked := s.sessions.InvalidateAllExcept("")
	auth.ClearRefreshCookie(w)
	s.logger.Info("password cleared", "ip", s.clientIP(r), "sessions_revoked", revoked)
	s.recordAudit(r, audit.ActionPassword, "", nil, map[string]any{"op": "clear"})
	SuccessResponse(w)
}

func (s *Server) writeTokens(w http.ResponseWriter, r *http.Request, issued auth.Issued) {
	access, _, err := s.tokens.Issue(issued.SessionID)
	if err != nil {
		s.sessions.InvalidateSession(issued.SessionID)
		WriteError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	auth.SetRefreshCookie(w, r, issued.RefreshToken, issued.ExpiresAt)
	WriteJSON(w, http.StatusOK, TokenResponse{
		Success:          true,
		AccessToken:      access,
		RefreshToken:     issued.RefreshToken,
		ExpiresIn:        int(s.tokens.TTL().Seconds()),
		RefreshExpiresAt: issued.ExpiresAt,
	})
}

func (s *Server) recordLogin(result string) {
	if s.metrics != nil {
		s.metrics.RecordLogin(result)
	}
}
