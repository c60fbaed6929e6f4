// Package api is the courthouse HTTP surface: the writ endpoints executors
// poll, the contestant endpoints the front-end uses, the public scoreboard,
// and the health and metrics handlers.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/code-court/courthouse/internal/auth"
	"github.com/code-court/courthouse/internal/config"
	"github.com/code-court/courthouse/internal/judgecache"
	"github.com/code-court/courthouse/internal/metrics"
	"github.com/code-court/courthouse/internal/queue"
	"github.com/code-court/courthouse/internal/scoreboard"
	"github.com/code-court/courthouse/internal/store"
)

// Options wires a Server. Store, Queue, Scores, Tokens and Values are
// required; Metrics and Logger may be nil.
type Options struct {
	Store   store.Store
	Queue   *queue.Queue
	Scores  *scoreboard.Aggregator
	Tokens  *auth.TokenStore
	Values  *config.Values
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// BaseURL is the externally reachable courthouse address used to build
	// writ return URLs, e.g. "http://localhost:9191".
	BaseURL string
}

// Server handles all courthouse HTTP traffic.
type Server struct {
	st       store.Store
	q        *queue.Queue
	scores   *scoreboard.Aggregator
	tokens   *auth.TokenStore
	values   *config.Values
	met      *metrics.Metrics
	log      *slog.Logger
	runCache *judgecache.RunCache
	baseURL  string
	live     *liveHub
	now      func() time.Time
}

// NewServer builds the server and subscribes the live-score hub to
// scoreboard invalidations.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		st:       opts.Store,
		q:        opts.Queue,
		scores:   opts.Scores,
		tokens:   opts.Tokens,
		values:   opts.Values,
		met:      opts.Metrics,
		log:      logger,
		runCache: judgecache.NewRunCache(),
		baseURL:  opts.BaseURL,
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.live = newLiveHub(s)
	s.scores.AddListener(s.live.broadcast)
	return s
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests, corsHeaders, s.limitBody)

	api := r.PathPrefix("/api").Subrouter()

	// Executor endpoints, basic auth with the executioner role.
	api.HandleFunc("/get-writ", s.requireBasic(s.handleGetWrit)).Methods(http.MethodGet)
	api.HandleFunc("/submit-writ/{run_id:[0-9]+}", s.requireBasic(s.handleSubmitWrit)).Methods(http.MethodPost)
	api.HandleFunc("/return-without-run/{run_id:[0-9]+}", s.requireBasic(s.handleReturnWithoutRun)).Methods(http.MethodPost)

	// Contestant endpoints.
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/submit-run", s.requireToken(s.handleSubmitRun)).Methods(http.MethodPost)
	api.HandleFunc("/problems", s.requireToken(s.handleProblems)).Methods(http.MethodGet)
	api.HandleFunc("/problems/{user_id:[0-9]+}", s.requireToken(s.handleProblems)).Methods(http.MethodGet)
	api.HandleFunc("/problem/{slug}", s.handleProblemBySlug).Methods(http.MethodGet)
	api.HandleFunc("/languages", s.handleLanguages).Methods(http.MethodGet)
	api.HandleFunc("/current-user", s.requireToken(s.handleCurrentUser)).Methods(http.MethodGet)
	api.HandleFunc("/get-contest-info", s.requireToken(s.handleContestInfo)).Methods(http.MethodGet)
	api.HandleFunc("/submit-clarification", s.requireToken(s.handleSubmitClarification)).Methods(http.MethodPost)
	api.HandleFunc("/clarifications", s.requireToken(s.handleClarifications)).Methods(http.MethodGet)

	// Scoreboard, public.
	api.HandleFunc("/scores/{contest_id:[0-9]+}", s.handleScores).Methods(http.MethodGet)
	api.HandleFunc("/live-scores/{contest_id:[0-9]+}", s.handleLiveScores).Methods(http.MethodGet)

	// Operator and judge endpoints.
	api.HandleFunc("/make-defendant-user", s.requireToken(s.requireRole(s.handleMakeDefendantUser, "operator", "judge"))).Methods(http.MethodPost)
	api.HandleFunc("/update-user-metadata", s.requireToken(s.requireRole(s.handleUpdateUserMetadata, "operator", "judge"))).Methods(http.MethodPost)
	api.HandleFunc("/answer-clarification/{clarification_id:[0-9]+}", s.requireToken(s.requireRole(s.handleAnswerClarification, "operator", "judge"))).Methods(http.MethodPost)
	api.HandleFunc("/signout/{username}", s.requireToken(s.requireRole(s.handleSignout, "operator"))).Methods(http.MethodGet)
	api.HandleFunc("/rejudge/{run_id:[0-9]+}", s.requireToken(s.requireRole(s.handleRejudge, "operator"))).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON parses a request body into out; the body size is already
// bounded by the limit middleware.
func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(out)
}
