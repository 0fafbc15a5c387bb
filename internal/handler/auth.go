package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sakif/frontdesk/internal/apperror"
	"github.com/sakif/frontdesk/internal/auth"
	"github.com/sakif/frontdesk/internal/service"
)

// AuthHandler handles operator login and logout.
//
// ROUTES:
//
//	POST /auth/login   → check credentials, set the token cookie, return the token
//	POST /auth/logout  → clear the token cookie
//	GET  /api/me       → the operator behind the current token
type AuthHandler struct {
	auth   *service.AuthService
	secure bool
	logger *slog.Logger
}

// NewAuthHandler creates an AuthHandler. secureCookie marks the token cookie
// Secure; leave it off for terminals on plain-HTTP LANs.
func NewAuthHandler(svc *service.AuthService, secureCookie bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: svc, secure: secureCookie, logger: logger}
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// LoginResponse returns the token for clients that cannot use cookies.
type LoginResponse struct {
	Operator string `json:"operator"`
	Token    string `json:"token"`
	Expires  string `json:"expiresAt"`
}

// HandleLogin checks credentials and issues a token.
//
// HTTP: POST /auth/login
// BODY: {"name": "maria", "password": "..."}
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid JSON body"))
		return
	}

	result, err := h.auth.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		logError(h.logger, "login failed", err)
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    result.Token,
		Path:     "/",
		Expires:  result.Operator.TokenExpiresAt,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, LoginResponse{
		Operator: result.Operator.Name,
		Token:    result.Token,
		Expires:  result.Operator.TokenExpiresAt.UTC().Format(http.TimeFormat),
	})
}

// HandleLogout clears the token cookie. JWTs are stateless, so a copied
// token stays valid until it expires.
//
// HTTP: POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe returns the authenticated operator. Requires RequireAuth.
//
// HTTP: GET /api/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	name, ok := auth.OperatorFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"operator": name})
}
