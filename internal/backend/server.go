package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// Error codes carried in the error payload.
const (
	codeDuplicateEventKey = "duplicate_event_key"
	codeSchemaMismatch    = "schema_mismatch"
)

// Options toggles what the backend advertises.
type Options struct {
	// AIBadges mounts the badge generation endpoint.
	AIBadges bool
}

// Server exposes the scrollmeter backend HTTP API.
type Server struct {
	store  *Store
	opts   Options
	logger *slog.Logger
}

// NewServer builds a server backed by the provided store.
func NewServer(store *Store, opts Options, logger *slog.Logger) *Server {
	return &Server{store: store, opts: opts, logger: logger.With("component", "backend.server")}
}

// Router wires all backend routes under a single chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/session", s.handleCreateSession)
		r.Get("/capabilities", s.handleCapabilities)

		r.Group(func(r chi.Router) {
			r.Use(s.requireBearer)
			r.Delete("/auth/session", s.handleRevokeSession)
			r.Post("/sessions/bulk", s.handleInsertSessions)
			r.Get("/sessions/sum", s.handleSumSessions)
			r.Get("/stats/today", s.handleTodayStats)
			r.Get("/totals", s.handleGetTotal)
			r.Put("/totals", s.handleSetTotal)
			r.Route("/achievements", func(r chi.Router) {
				r.Get("/", s.handleListAchievements)
				r.Post("/", s.handleInsertAchievement)
				r.Post("/ai-badge", s.handleGenerateBadge)
				r.Get("/{eventKey}", s.handleGetAchievement)
			})
		})
	})
	return r
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	token, err := s.store.CreateSession(r.Context(), payload.UserID, payload.DisplayName)
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	s.logger.Info("session created", "user_id", payload.UserID)
	writeJSON(w, http.StatusCreated, map[string]any{"user_id": strings.TrimSpace(payload.UserID), "token": token})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RevokeToken(r.Context(), bearerToken(r)); err != nil {
		s.handleStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"achievement_schema": s.store.SchemaVersion(),
		"ai_badges":          s.opts.AIBadges,
	})
}

func (s *Server) handleInsertSessions(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Records []DistanceSession `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	userID := userFromContext(r.Context())
	inserted, skipped, err := s.store.InsertSessions(r.Context(), userID, payload.Records)
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	s.logger.Debug("sessions inserted", "user_id", userID, "inserted", inserted, "skipped", skipped)
	writeJSON(w, http.StatusOK, map[string]any{"inserted": inserted, "skipped": skipped})
}

func (s *Server) handleSumSessions(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.SumSessions(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_meters": total})
}

func (s *Server) handleTodayStats(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "since is required")
		return
	}
	since, err := parseTime(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bySite, err := s.store.MetersBySiteSince(r.Context(), userFromContext(r.Context()), since)
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	today := 0.0
	for _, m := range bySite {
		today += m
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":        since,
		"by_site":      bySite,
		"today_meters": today,
	})
}

func (s *Server) handleGetTotal(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.Total(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, total)
}

func (s *Server) handleSetTotal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TotalMeters *float64 `json:"total_meters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if payload.TotalMeters == nil {
		writeError(w, http.StatusBadRequest, "total_meters is required")
		return
	}
	userID := userFromContext(r.Context())
	if err := s.store.SetTotal(r.Context(), userID, *payload.TotalMeters); err != nil {
		s.handleStoreError(w, err)
		return
	}
	s.logger.Info("total overwritten", "user_id", userID, "total_meters", *payload.TotalMeters)
	w.WriteHeader(http.StatusNoContent)
}

// legacyAchievementFields are the only fields a schema 1 table can store.
var legacyAchievementFields = map[string]bool{"event_key": true, "title": true}

type achievementPayload struct {
	EventKey     string            `json:"event_key"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	TriggerType  string            `json:"trigger_type"`
	TriggerValue float64           `json:"trigger_value"`
	Site         string            `json:"site"`
	Snapshot     json.RawMessage   `json:"snapshot"`
	Meta         map[string]string `json:"meta"`
	Source       string            `json:"source"`
}

func (s *Server) handleInsertAchievement(w http.ResponseWriter, r *http.Request) {
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if s.store.SchemaVersion() < SchemaV2 {
		for name := range fields {
			if !legacyAchievementFields[name] {
				writeCodedError(w, http.StatusUnprocessableEntity, codeSchemaMismatch, "column %q does not exist in achievements", name)
				return
			}
		}
	}
	raw, _ := json.Marshal(fields)
	var payload achievementPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid achievement: %v", err)
		return
	}

	a := Achievement{
		UserID:       userFromContext(r.Context()),
		EventKey:     payload.EventKey,
		Title:        payload.Title,
		Body:         payload.Body,
		TriggerType:  payload.TriggerType,
		TriggerValue: payload.TriggerValue,
		Site:         payload.Site,
		Meta:         payload.Meta,
		Source:       payload.Source,
	}
	if len(payload.Snapshot) > 0 && string(payload.Snapshot) != "null" {
		a.Snapshot = string(payload.Snapshot)
	}
	stored, err := s.store.InsertAchievement(r.Context(), a)
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGenerateBadge(w http.ResponseWriter, r *http.Request) {
	if !s.opts.AIBadges {
		writeError(w, http.StatusNotFound, "badge generation is not available")
		return
	}
	var payload achievementPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if strings.TrimSpace(payload.EventKey) == "" {
		writeError(w, http.StatusBadRequest, "event_key is required")
		return
	}
	ctx := r.Context()
	userID := userFromContext(ctx)
	title, body := composeBadge(payload.TriggerType, payload.TriggerValue, payload.Site)
	a := Achievement{
		UserID:       userID,
		EventKey:     payload.EventKey,
		Title:        title,
		Body:         body,
		TriggerType:  payload.TriggerType,
		TriggerValue: payload.TriggerValue,
		Site:         payload.Site,
		Source:       SourceAI,
	}
	if len(payload.Snapshot) > 0 && string(payload.Snapshot) != "null" {
		a.Snapshot = string(payload.Snapshot)
	}
	stored, err := s.store.InsertAchievement(ctx, a)
	if errors.Is(err, ErrDuplicate) {
		stored, err = s.store.GetAchievement(ctx, userID, payload.EventKey)
		if err != nil {
			s.handleStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stored)
		return
	}
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListAchievements(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListAchievements(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	if list == nil {
		list = []Achievement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"achievements": list})
}

func (s *Server) handleGetAchievement(w http.ResponseWriter, r *http.Request) {
	eventKey := chi.URLParam(r, "eventKey")
	a, err := s.store.GetAchievement(r.Context(), userFromContext(r.Context()), eventKey)
	if err != nil {
		s.handleStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.store.ValidateToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func userFromContext(ctx context.Context) string {
	return ctx.Value(userContextKey{}).(string)
}

type userContextKey struct{}

func (s *Server) handleStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, ErrDuplicate):
		writeCodedError(w, http.StatusConflict, codeDuplicateEventKey, err.Error())
	case errors.Is(err, ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("store operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseTime(value string) (time.Time, error) {
	formats := []string{time.RFC3339Nano, "2006-01-02"}
	for _, format := range formats {
		if ts, err := time.Parse(format, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.New("invalid time format, use RFC3339 or YYYY-MM-DD")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeCodedError(w, status, "", format, args...)
}

func writeCodedError(w http.ResponseWriter, status int, code, format string, args ...any) {
	body := map[string]any{
		"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
		"status":  status,
	}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, map[string]any{"error": body})
}
