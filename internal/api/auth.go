package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-tuya/internal/audit"
	"github.com/nerrad567/gray-logic-tuya/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"` //nolint:gosec // G117: request body, never logged
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

// handleLogin exchanges operator credentials for an access token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	token, expiresAt, err := s.operator.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrLoginDisabled):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "operator login is disabled")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.logger.Warn("operator login failed", "username", req.Username, "remote", r.RemoteAddr)
		s.auditLog(r, audit.ActionLoginFailed, "", map[string]any{"username": req.Username, "remote": r.RemoteAddr})
		writeUnauthorized(w, "invalid credentials")
		return
	case err != nil:
		s.logger.Error("operator login error", "error", err)
		writeInternalError(w, "login failed")
		return
	}

	s.logger.Info("operator logged in", "username", req.Username)
	s.auditLog(r, audit.ActionLogin, "", map[string]any{"username": req.Username})
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
	})
}
