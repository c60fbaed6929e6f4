package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/code-court/courthouse/internal/auth"
	"github.com/code-court/courthouse/internal/models"
	"github.com/code-court/courthouse/internal/store"
)

type contextKey int

const userContextKey contextKey = iota

// userFrom returns the authenticated user injected by an auth wrapper.
func userFrom(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(userContextKey).(*models.User)
	return u, ok
}

// requireBasic authenticates HTTP basic credentials against a stored
// bcrypt hash and requires the executioner role. Writ endpoints only.
func (s *Server) requireBasic(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="courthouse"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		user, err := s.st.UserByUsername(r.Context(), username)
		if err != nil || !auth.CheckPassword(user.HashedPassword, password) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if !user.HasRole(models.RoleExecutioner) {
			writeError(w, http.StatusForbidden, "executioner role required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	}
}

// requireToken authenticates a bearer token issued by login.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		userID, ok := s.tokens.Lookup(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		user, err := s.st.UserByID(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	}
}

// requireRole gates a token-authenticated handler on any of the given
// roles.
func (s *Server) requireRole(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		for _, role := range roles {
			if user.HasRole(role) {
				next(w, r)
				return
			}
		}
		writeError(w, http.StatusForbidden, "insufficient role")
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin exchanges credentials for a bearer token. The login handle
// is the username; clients that send "email" are accepted for
// compatibility with older front-ends.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	handle := req.Username
	if handle == "" {
		handle = req.Email
	}
	if handle == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.st.UserByUsername(r.Context(), handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if !auth.CheckPassword(user.HashedPassword, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"access_token": s.tokens.Issue(user.ID)})
}
