package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"example.com/scrollmeter/internal/delivery"
	"example.com/scrollmeter/internal/remote"
	"example.com/scrollmeter/internal/scroll"
)

const maxDeltasPerRequest = 500

// Server exposes the agent's local API. The capture layer posts deltas
// here and scrollctl drives everything else.
type Server struct {
	svc    *Service
	logger *slog.Logger
}

func NewServer(svc *Service, logger *slog.Logger) *Server {
	return &Server{svc: svc, logger: logger.With("component", "agent.http")}
}

// Router configures all agent routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", s.handleGetSession)
		r.Post("/session", s.handleLogin)
		r.Delete("/session", s.handleLogout)

		r.Post("/deltas", s.handleDeltas)
		r.Get("/stats", s.handleStats)
		r.Get("/queue", s.handleQueue)
		r.Post("/sync", s.handleSync)
		r.Post("/maintenance", s.handleMaintenance)

		r.Get("/flags", s.handleGetFlags)
		r.Put("/flags", s.handlePutFlags)

		r.Get("/state", s.handleState)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok, err := s.svc.Session(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load session: %v", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not signed in")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    sess.UserID,
		"created_at": sess.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if strings.TrimSpace(payload.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	sess, err := s.svc.Login(r.Context(), payload.UserID, payload.DisplayName)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, remote.ErrUnauthorized):
			status = http.StatusUnauthorized
		case errors.Is(err, ErrPendingDistance):
			status = http.StatusConflict
		}
		writeError(w, status, "sign in: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":    sess.UserID,
		"created_at": sess.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Logout(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "sign out: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeltas accepts one delta object or an array of them.
func (s *Server) handleDeltas(w http.ResponseWriter, r *http.Request) {
	deltas, err := decodeDeltas(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	var (
		accepted, dropped, queued int
		unlocks                   = []string{}
	)
	for _, d := range deltas {
		res, err := s.svc.Ingest(r.Context(), d)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "ingest: %v", err)
			return
		}
		if !res.Accepted {
			dropped++
			continue
		}
		accepted++
		queued += res.Queued
		unlocks = append(unlocks, res.Unlocks...)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"dropped":  dropped,
		"unlocks":  unlocks,
		"queued":   queued,
	})
}

func decodeDeltas(r *http.Request) ([]scroll.Delta, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid json: %v", err)
	}
	raw = bytes.TrimSpace(raw)
	var deltas []scroll.Delta
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &deltas); err != nil {
			return nil, fmt.Errorf("invalid delta array: %v", err)
		}
	} else {
		var d scroll.Delta
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("invalid delta: %v", err)
		}
		deltas = []scroll.Delta{d}
	}
	if len(deltas) > maxDeltasPerRequest {
		return nil, fmt.Errorf("at most %d deltas per request", maxDeltasPerRequest)
	}
	return deltas, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	display, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, "load stats", err)
		return
	}
	writeJSON(w, http.StatusOK, display)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.Queue(r.Context())
	if err != nil {
		s.writeServiceError(w, "list queue", err)
		return
	}
	if jobs == nil {
		jobs = []delivery.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	summary := s.svc.SyncNow(r.Context())
	delivered := s.svc.ProcessQueue(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"sync":     summary,
		"delivery": delivered,
	})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	input := MaintenanceInput{Reason: "api", Sync: true, Deliver: true, Reconcile: true}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if input.Reason == "" {
		input.Reason = "api"
	}
	if input.empty() {
		writeError(w, http.StatusBadRequest, "select at least one of sync, deliver, reconcile")
		return
	}

	if r.URL.Query().Get("async") == "true" {
		id, err := s.svc.MaintainAsync(r.Context(), input)
		if err != nil {
			writeError(w, http.StatusBadGateway, "dispatch maintenance: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": id})
		return
	}

	result, err := s.svc.Maintain(r.Context(), input)
	if err != nil {
		writeError(w, http.StatusBadGateway, "maintenance via workflow: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Flags().Get())
}

// handlePutFlags overrides flags until the flag file next changes. Fields
// left out of the payload keep their current value.
func (s *Server) handlePutFlags(w http.ResponseWriter, r *http.Request) {
	next := s.svc.Flags().Get()
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	s.svc.Flags().Set(next)
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.svc.State(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load state: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleEvents streams hub events as server-sent events until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, cancel, ok := s.svc.Subscribe(32)
	if !ok {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, ErrNoSession) {
		writeError(w, http.StatusUnauthorized, "%s: %v", action, err)
		return
	}
	writeError(w, http.StatusInternalServerError, "%s: %v", action, err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}
