package daemon

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/comms-dev/comms/internal/commserr"
	"github.com/comms-dev/comms/internal/domain"
	"github.com/comms-dev/comms/internal/engine"
	"github.com/comms-dev/comms/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Server is the daemon's local control API. Inbound commands (propose,
// poll-now, resolve) arrive here and run through the same core operations
// as interactive CLI invocations.
type Server struct {
	svc    *engine.Service
	repo   store.Repository
	poller *Poller
}

// NewServer creates the control API handler stack.
func NewServer(svc *engine.Service, repo store.Repository, poller *Poller) *Server {
	return &Server{svc: svc, repo: repo, poller: poller}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Get("/status", s.handleStatus)
	r.Post("/poll", s.handlePoll)
	r.Get("/proposals", s.handleListProposals)
	r.Post("/proposals", s.handlePropose)
	r.Post("/resolve", s.handleResolve)
	r.Get("/ws/audit", s.handleAuditWatch)

	return r
}

type statusResponse struct {
	Running bool       `json:"running"`
	Poll    PollStatus `json:"poll"`
	Pending int        `json:"pending_proposals"`
	LastSeq int64      `json:"last_audit_seq"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.repo.ListProposals(r.Context(), domain.StatusPending)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	lastSeq, err := s.repo.LastAuditSeq(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Running: true,
		Poll:    s.poller.Status(),
		Pending: len(pending),
		LastSeq: lastSeq,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	fetched, err := s.poller.PollOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fetched": fetched})
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(r.URL.Query().Get("status"))
	proposals, err := s.repo.ListProposals(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

type proposeRequest struct {
	Action     domain.Action     `json:"action"`
	EntityType domain.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Reasoning  string            `json:"reasoning"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	p, auto, err := s.svc.Propose(r.Context(), req.Action, req.EntityType, req.EntityID, domain.SourceAgent, req.Reasoning)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, commserr.ErrInvalidAction):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, commserr.ErrEntityNotFound):
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"proposal_id":   p.ID,
		"status":        p.Status,
		"auto_approved": auto,
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	results, err := s.svc.Resolve(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	executed, failed := 0, 0
	for _, res := range results {
		if res.Success {
			executed++
		} else {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executed": executed,
		"failed":   failed,
	})
}

// HTTPServer wraps the router in an http.Server bound to addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
