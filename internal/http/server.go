package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vantrack/boarding/internal/alert"
	"vantrack/boarding/internal/auth"
	"vantrack/boarding/internal/boarding"
	"vantrack/boarding/internal/config"
	"vantrack/boarding/internal/fanout"
	"vantrack/boarding/internal/geo"
	"vantrack/boarding/internal/qr"
	"vantrack/boarding/internal/ws"
)

type Server struct {
	cfg       config.Config
	tracker   *boarding.Tracker
	validator *boarding.Validator
	alerts    *alert.Service
	registry  *fanout.Registry
}

func NewServer(cfg config.Config, tracker *boarding.Tracker, validator *boarding.Validator, alerts *alert.Service, registry *fanout.Registry) *Server {
	return &Server{
		cfg:       cfg,
		tracker:   tracker,
		validator: validator,
		alerts:    alerts,
		registry:  registry,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.authMiddleware).Post("/sessions", s.handleOpenSession)
	r.With(s.authMiddleware).Get("/routes/{routeId}/session", s.handleGetRouteSession)
	r.With(s.authMiddleware).Get("/sessions/{sessionId}/qr", s.handleSessionQR)
	r.With(s.authMiddleware).Delete("/sessions/{sessionId}", s.handleEndSession)
	r.With(s.authMiddleware).Post("/scans", s.handleRecordScan)
	r.With(s.authMiddleware).Post("/alerts", s.handleCreateAlert)
	r.With(s.authMiddleware).Get("/alerts", s.handleListAlerts)
	r.With(s.authMiddleware).Post("/alerts/{alertId}/acknowledge", s.handleAcknowledgeAlert)
	r.With(s.authMiddleware).Post("/alerts/{alertId}/resolve", s.handleResolveAlert)
	r.With(s.authMiddleware).Get("/ws", s.handleWebSocket)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			// Browsers cannot set headers on WebSocket upgrades.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// Models

type sessionResponse struct {
	ID             string `json:"id"`
	Route          string `json:"route"`
	Captain        string `json:"captain"`
	Token          string `json:"token,omitempty"`
	Status         string `json:"status"`
	OnboardedCount int    `json:"onboarded_count"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at"`
	EndedAt        int64  `json:"ended_at,omitempty"`
}

type boardingEventResponse struct {
	ID        string     `json:"id"`
	Session   string     `json:"session"`
	Student   string     `json:"student"`
	Valid     bool       `json:"valid"`
	Duplicate bool       `json:"duplicate,omitempty"`
	ScannedAt int64      `json:"scanned_at"`
	Location  *geo.Point `json:"location,omitempty"`
}

type alertResponse struct {
	ID              string     `json:"id"`
	Reporter        string     `json:"reporter"`
	ReporterRole    string     `json:"reporter_role"`
	Route           string     `json:"route"`
	Priority        string     `json:"priority"`
	Message         string     `json:"message"`
	Location        *geo.Point `json:"location,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       int64      `json:"created_at"`
	AcknowledgedAt  int64      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string     `json:"acknowledged_by,omitempty"`
	ResolvedAt      int64      `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

type openSessionRequest struct {
	Route   string `json:"route"`
	Captain string `json:"captain"`
}

type recordScanRequest struct {
	Token    string     `json:"token"`
	Location *geo.Point `json:"location"`
}

type createAlertRequest struct {
	Route    string     `json:"route"`
	Priority string     `json:"priority"`
	Message  string     `json:"message"`
	Location *geo.Point `json:"location"`
}

type resolveAlertRequest struct {
	Notes string `json:"notes"`
}

// Session handlers

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "captain" && claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Route == "" {
		writeError(w, http.StatusBadRequest, "missing_route")
		return
	}
	captainID := claims.UserID
	if claims.UserType == "admin" {
		if req.Captain == "" {
			writeError(w, http.StatusBadRequest, "missing_captain")
			return
		}
		captainID = req.Captain
	} else if req.Captain != "" && req.Captain != claims.UserID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	session, err := s.tracker.OpenSession(r.Context(), req.Route, captainID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, mapSession(session, true))
}

func (s *Server) handleGetRouteSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "captain" && claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	routeID := chi.URLParam(r, "routeId")
	if routeID == "" {
		writeError(w, http.StatusBadRequest, "missing_route")
		return
	}

	session, err := s.tracker.OpenSessionForRoute(r.Context(), routeID)
	if errors.Is(err, boarding.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	// The token is only shown to the captain who owns the window.
	withToken := claims.UserType == "captain" && claims.UserID == session.CaptainID
	writeJSON(w, http.StatusOK, mapSession(session, withToken))
}

func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}

	session, err := s.tracker.Session(r.Context(), sessionID)
	if errors.Is(err, boarding.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if claims.UserType != "admin" && claims.UserID != session.CaptainID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if session.Status != boarding.SessionStatusOpen {
		writeError(w, http.StatusConflict, "session_closed")
		return
	}

	size := 0
	if raw := r.URL.Query().Get("size"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			size = parsed
		}
	}
	image, err := qr.PNG(session.Token, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(image)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "captain" && claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}

	if claims.UserType == "captain" {
		session, err := s.tracker.Session(r.Context(), sessionID)
		if errors.Is(err, boarding.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		if session.CaptainID != claims.UserID {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	err = s.tracker.EndSession(r.Context(), sessionID)
	if errors.Is(err, boarding.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Scan handler

func (s *Server) handleRecordScan(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "student" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req recordScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "missing_token_value")
		return
	}

	outcome, err := s.validator.RecordScan(r.Context(), req.Token, claims.UserID, req.Location)
	if err != nil {
		var closed *boarding.SessionClosedError
		switch {
		case errors.Is(err, boarding.ErrUnknownToken):
			writeError(w, http.StatusNotFound, "unknown_token")
		case errors.As(err, &closed):
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":  "session_closed",
				"status": string(closed.Status),
				"event":  mapEvent(closed.Event, false),
			})
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	resp := mapEvent(outcome.Event, outcome.Duplicate)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":           resp,
		"onboarded_count": outcome.Count,
	})
}

// Alert handlers

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "student" && claims.UserType != "captain" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req createAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Route == "" {
		writeError(w, http.StatusBadRequest, "missing_route")
		return
	}
	priority, ok := alert.ParsePriority(req.Priority)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_priority")
		return
	}

	created, err := s.alerts.Create(r.Context(), claims.UserID, claims.UserType, req.Route, priority, req.Message, req.Location)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, mapAlert(created))
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	filter := alert.Filter{RouteID: r.URL.Query().Get("routeId")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := alert.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	alerts, err := s.alerts.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]alertResponse, 0, len(alerts))
	for _, record := range alerts {
		resp = append(resp, mapAlert(record))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	s.handleAlertTransition(w, r, func(ctx context.Context, id uuid.UUID, actor string) (alert.Alert, error) {
		return s.alerts.Acknowledge(ctx, id, actor)
	})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req resolveAlertRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
	}
	s.handleAlertTransition(w, r, func(ctx context.Context, id uuid.UUID, actor string) (alert.Alert, error) {
		return s.alerts.Resolve(ctx, id, actor, req.Notes)
	})
}

func (s *Server) handleAlertTransition(w http.ResponseWriter, r *http.Request, transition func(context.Context, uuid.UUID, string) (alert.Alert, error)) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	alertID, err := uuid.Parse(chi.URLParam(r, "alertId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_alert_id")
		return
	}

	record, err := transition(r.Context(), alertID, claims.UserID)
	if err != nil {
		var invalid *alert.InvalidTransitionError
		switch {
		case errors.Is(err, alert.ErrNotFound):
			writeError(w, http.StatusNotFound, "alert_not_found")
		case errors.As(err, &invalid):
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error": "invalid_transition",
				"alert": mapAlert(record),
			})
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	writeJSON(w, http.StatusOK, mapAlert(record))
}

// WebSocket handler

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	ws.Handler(s.registry)(w, r, claims)
}

// Mapping helpers

func mapSession(session boarding.Session, withToken bool) sessionResponse {
	resp := sessionResponse{
		ID:             session.ID.String(),
		Route:          session.RouteID,
		Captain:        session.CaptainID,
		Status:         string(session.Status),
		OnboardedCount: session.OnboardedCount,
		CreatedAt:      session.CreatedAt.Unix(),
		ExpiresAt:      session.ExpiresAt.Unix(),
	}
	if withToken {
		resp.Token = session.Token
	}
	if session.EndedAt != nil {
		resp.EndedAt = session.EndedAt.Unix()
	}
	return resp
}

func mapEvent(event boarding.Event, duplicate bool) boardingEventResponse {
	return boardingEventResponse{
		ID:        event.ID.String(),
		Session:   event.SessionID.String(),
		Student:   event.StudentID,
		Valid:     event.Valid,
		Duplicate: duplicate,
		ScannedAt: event.ScannedAt.Unix(),
		Location:  event.Location,
	}
}

func mapAlert(record alert.Alert) alertResponse {
	resp := alertResponse{
		ID:              record.ID.String(),
		Reporter:        record.ReporterID,
		ReporterRole:    record.ReporterRole,
		Route:           record.RouteID,
		Priority:        string(record.Priority),
		Message:         record.Message,
		Location:        record.Location,
		Status:          string(record.Status),
		CreatedAt:       record.CreatedAt.Unix(),
		AcknowledgedBy:  record.AcknowledgedBy,
		ResolvedBy:      record.ResolvedBy,
		ResolutionNotes: record.ResolutionNotes,
	}
	if record.AcknowledgedAt != nil {
		resp.AcknowledgedAt = record.AcknowledgedAt.Unix()
	}
	if record.ResolvedAt != nil {
		resp.ResolvedAt = record.ResolvedAt.Unix()
	}
	return resp
}

// Utilities

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
