package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/code-court/courthouse/internal/auth"
	"github.com/code-court/courthouse/internal/models"
	"github.com/code-court/courthouse/internal/store"
)

type makeDefendantRequest struct {
	Username    string                 `json:"username"`
	Name        string                 `json:"name"`
	Password    string                 `json:"password"`
	ContestName string                 `json:"contest_name"`
	MiscData    map[string]interface{} `json:"misc_data"`
}

// handleMakeDefendantUser creates a contestant account and enrols it in
// the named contest. Operator or judge only.
func (s *Server) handleMakeDefendantUser(w http.ResponseWriter, r *http.Request) {
	var req makeDefendantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" || req.ContestName == "" {
		writeError(w, http.StatusBadRequest, "username, password and contest_name are required")
		return
	}

	contest, err := s.st.ContestByName(r.Context(), req.ContestName)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "unknown contest")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "contest lookup failed")
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "password hashing failed")
		return
	}

	name := req.Name
	if name == "" {
		name = req.Username
	}
	user := &models.User{
		Username:       req.Username,
		Name:           name,
		HashedPassword: hashed,
		CreationTime:   s.now(),
		MiscData:       req.MiscData,
		Roles:          []string{models.RoleDefendant},
	}
	if err := s.st.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrIntegrity) {
			writeError(w, http.StatusBadRequest, "username already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "user creation failed")
		return
	}
	if err := s.st.AddUserToContest(r.Context(), user.ID, contest.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "contest enrolment failed")
		return
	}

	// New membership changes the standings roster.
	s.scores.Invalidate(r.Context(), contest.ID)
	writeJSON(w, http.StatusOK, user)
}

type updateMetadataRequest struct {
	Username string                 `json:"username"`
	MiscData map[string]interface{} `json:"misc_data"`
}

// handleUpdateUserMetadata merges keys into a user's misc_data. Operator
// or judge only.
func (s *Server) handleUpdateUserMetadata(w http.ResponseWriter, r *http.Request) {
	var req updateMetadataRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.MiscData == nil {
		writeError(w, http.StatusBadRequest, "username and misc_data are required")
		return
	}

	user, err := s.st.UserByUsername(r.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "user lookup failed")
		return
	}

	user.MergeMiscData(req.MiscData)
	if err := s.st.UpdateUserMiscData(r.Context(), user.ID, user.MiscData); err != nil {
		writeError(w, http.StatusInternalServerError, "metadata update failed")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleSignout stamps a signout marker on the user's metadata and
// revokes their outstanding tokens. Operator only.
func (s *Server) handleSignout(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	user, err := s.st.UserByUsername(r.Context(), username)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "user lookup failed")
		return
	}

	user.MergeMiscData(map[string]interface{}{
		"signed_out_at": s.now().Format("2006-01-02T15:04:05Z07:00"),
	})
	if err := s.st.UpdateUserMiscData(r.Context(), user.ID, user.MiscData); err != nil {
		writeError(w, http.StatusInternalServerError, "metadata update failed")
		return
	}
	s.tokens.Revoke(user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
