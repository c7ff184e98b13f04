package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ontocollab/internal/graph"
	"github.com/ontocollab/internal/hub"
	"github.com/ontocollab/internal/jsonx"
	"github.com/ontocollab/internal/permission"
	"github.com/ontocollab/internal/search"
)

// Config configures the HTTP surface.
type Config struct {
	AllowedOrigins []string
}

// Server wires the hub, gate and search index to HTTP and WebSocket
// endpoints.
type Server struct {
	hub      *hub.Hub
	gate     *permission.Gate
	index    *search.Index // optional
	auth     *Auth
	logger   *zap.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

// NewServer creates the HTTP server.
func NewServer(h *hub.Hub, gate *permission.Gate, index *search.Index, auth *Auth, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:    h,
		gate:   gate,
		index:  index,
		auth:   auth,
		logger: logger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the full route tree with CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.SetupRoutes(r)
	return handlers.CORS(
		handlers.AllowedOrigins(s.cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(r)
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	// Public routes
	api.HandleFunc("/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/register", s.handleRegister).Methods("POST")

	protect := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(h)
	}

	api.Handle("/ontologies/{id}/graph", protect(s.handleSnapshot)).Methods("GET")
	api.Handle("/ontologies/{id}/events", protect(s.handleEventsSince)).Methods("GET")
	api.Handle("/ontologies/{id}/presence", protect(s.handlePresence)).Methods("GET")
	api.Handle("/ontologies/{id}/search", protect(s.handleSearch)).Methods("GET")
	api.Handle("/ontologies/{id}/groups/can-create", protect(s.handleCanCreateGroup)).Methods("POST")
	api.Handle("/ontologies/{id}/grants", protect(s.handleSetGrant)).Methods("PUT")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	// WebSocket sync endpoint; one connection per (client, ontology).
	r.Handle("/ws/ontologies/{id}", s.auth.Middleware(http.HandlerFunc(s.handleSync)))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := jsonx.NewReader(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.logger.Warn("login failed", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	s.writeJSON(w, http.StatusOK, loginResponse{Token: token, Username: req.Username})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := jsonx.NewReader(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.auth.Register(r.Context(), req.Username, req.Password); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSnapshot is the resynchronization read: the full committed state of
// one ontology.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ontologyID := mux.Vars(r)["id"]
	userID := GetUserID(r.Context())

	snap, err := s.hub.Snapshot(r.Context(), ontologyID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleEventsSince serves the cheap catch-up read for clients flagged for
// resync. 410 Gone means the retained window no longer covers the gap and
// a full snapshot is required.
func (s *Server) handleEventsSince(w http.ResponseWriter, r *http.Request) {
	ontologyID := mux.Vars(r)["id"]
	userID := GetUserID(r.Context())

	if d := s.gate.Authorize(r.Context(), userID, ontologyID, permission.ActionView); !d.Allowed {
		http.Error(w, d.DeniedReason, http.StatusForbidden)
		return
	}
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	events, ok := s.hub.EventsSince(ontologyID, since)
	if !ok {
		http.Error(w, "retained window exceeded, fetch a snapshot", http.StatusGone)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	ontologyID := mux.Vars(r)["id"]
	userID := GetUserID(r.Context())

	if d := s.gate.Authorize(r.Context(), userID, ontologyID, permission.ActionView); !d.Allowed {
		http.Error(w, d.DeniedReason, http.StatusForbidden)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"presence": s.hub.Presence(ontologyID)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		http.Error(w, "search unavailable", http.StatusServiceUnavailable)
		return
	}
	ontologyID := mux.Vars(r)["id"]
	userID := GetUserID(r.Context())

	if d := s.gate.Authorize(r.Context(), userID, ontologyID, permission.ActionView); !d.Allowed {
		http.Error(w, d.DeniedReason, http.StatusForbidden)
		return
	}
	term := r.URL.Query().Get("q")
	if term == "" {
		http.Error(w, "missing q parameter", http.StatusBadRequest)
		return
	}
	hits, err := s.index.Search(ontologyID, term, 20)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"hits": hits})
}

type canCreateGroupRequest struct {
	ParentConceptID string   `json:"parent_concept_id"`
	ChildConceptIDs []string `json:"child_concept_ids"`
}

// handleCanCreateGroup is the speculative, side-effect-free validity check
// clients call while a drag gesture is in progress.
func (s *Server) handleCanCreateGroup(w http.ResponseWriter, r *http.Request) {
	ontologyID := mux.Vars(r)["id"]
	userID := GetUserID(r.Context())

	var req canCreateGroupRequest
	if err := jsonx.NewReader(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	ok, err := s.hub.CanCreateGroup(r.Context(), ontologyID, userID, req.ParentConceptID, req.ChildConceptIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"can_create": ok})
}

type setGrantRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (s *Server) handleSetGrant(w http.ResponseWriter, r *http.Request) {
	ontologyID := mux.Vars(r)["id"]
	userID := GetUserID(r.Context())

	if d := s.gate.Authorize(r.Context(), userID, ontologyID, permission.ActionManage); !d.Allowed {
		http.Error(w, d.DeniedReason, http.StatusForbidden)
		return
	}
	var req setGrantRequest
	if err := jsonx.NewReader(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		if err := s.gate.RevokeRole(r.Context(), req.UserID, ontologyID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	} else if err := s.gate.SetRole(r.Context(), req.UserID, ontologyID, permission.Role(req.Role)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsonx.EncodeTo(w, v); err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
	}
}

// reasonCode extends the graph taxonomy with the transport-level denial
// code.
func reasonCode(err error) string {
	if errors.Is(err, permission.ErrDenied) {
		return "PERMISSION_DENIED"
	}
	return graph.ReasonCode(err)
}

// writeError maps core error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, permission.ErrDenied):
		status = http.StatusForbidden
	case errors.Is(err, graph.ErrNotFound), errors.Is(err, graph.ErrGroupNotFound):
		status = http.StatusNotFound
	case errors.Is(err, graph.ErrStaleState), errors.Is(err, graph.ErrConflict),
		errors.Is(err, graph.ErrAlreadyGrouped), errors.Is(err, graph.ErrCircularReference),
		errors.Is(err, graph.ErrDepthExceeded):
		status = http.StatusConflict
	case errors.Is(err, graph.ErrInvalidReference):
		status = http.StatusUnprocessableEntity
	}
	http.Error(w, reasonCode(err)+": "+err.Error(), status)
}
