package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/usecase"
)

const (
	timeFormat      = "2006-01-02T15:04:05.999999999Z07:00"
	maxJSONBodySize = 1 << 20
)

type Intake interface {
	Submit(ctx context.Context, req usecase.SubmitRequest) (usecase.SubmitResult, error)
}

type Queries interface {
	Command(ctx context.Context, id string) (domain.Command, error)
	Occurrence(ctx context.Context, id string) (domain.OccurrenceView, error)
	RequireOccurrence(ctx context.Context, id string) error
	RequireDispatch(ctx context.Context, id string) error
	ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.APIKey, error)
}

type Handler struct {
	intake  Intake
	queries Queries
	auth    Authenticator
	metrics http.Handler
	log     *zap.Logger
}

// NewHandler wires the HTTP surface. metrics may be nil to leave /metrics
// unmounted.
func NewHandler(intake Intake, queries Queries, auth Authenticator, metrics http.Handler, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{intake: intake, queries: queries, auth: auth, metrics: metrics, log: log.Named("http")}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Get("/openapi.json", h.openapi)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireAPIKey)

		pr.Post("/v1/integrations/occurrences", h.integrationOccurrence)
		pr.Post("/v1/occurrences/{id}/start", h.startOccurrence)
		pr.Patch("/v1/occurrences/{id}/status", h.changeOccurrenceStatus)
		pr.Post("/v1/occurrences/{id}/finish", h.finishOccurrence)
		pr.Post("/v1/occurrences/{id}/dispatches", h.createDispatch)
		pr.Patch("/v1/dispatches/{id}/status", h.changeDispatchStatus)

		pr.Get("/v1/commands/{id}", h.getCommand)
		pr.Get("/v1/occurrences/{id}", h.getOccurrence)
		pr.Get("/v1/audit", h.listAudit)
	})

	return r
}

type statusRequest struct {
	Status string `json:"status"`
}

type dispatchRequest struct {
	ResourceCode string `json:"resourceCode"`
}

type acceptedResponse struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
}

type commandResponse struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Type        string  `json:"type"`
	Source      string  `json:"source"`
	ProcessedAt *string `json:"processedAt"`
	Error       *string `json:"error"`
}

type dispatchResponse struct {
	ID           string `json:"id"`
	ResourceCode string `json:"resourceCode"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

type occurrenceResponse struct {
	ID          string             `json:"id"`
	ExternalID  *string            `json:"externalId"`
	Type        string             `json:"type"`
	Status      string             `json:"status"`
	Description *string            `json:"description"`
	ReportedAt  *string            `json:"reportedAt"`
	CreatedAt   string             `json:"createdAt"`
	UpdatedAt   string             `json:"updatedAt"`
	Dispatches  []dispatchResponse `json:"dispatches"`
}

type auditResponse struct {
	ID         int64           `json:"id"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Action     string          `json:"action"`
	Before     json.RawMessage `json:"before"`
	After      json.RawMessage `json:"after"`
	Meta       json.RawMessage `json:"meta"`
	CreatedAt  string          `json:"createdAt"`
}

func (h *Handler) integrationOccurrence(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	var payload json.RawMessage
	if err := decoder.Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	h.submit(w, r, domain.SourceExternalSystem, domain.CommandOccurrenceCreated, payload)
}

func (h *Handler) startOccurrence(w http.ResponseWriter, r *http.Request) {
	h.occurrenceCommand(w, r, domain.CommandOccurrenceStart, nil)
}

func (h *Handler) finishOccurrence(w http.ResponseWriter, r *http.Request) {
	h.occurrenceCommand(w, r, domain.CommandOccurrenceFinish, nil)
}

func (h *Handler) changeOccurrenceStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.occurrenceCommand(w, r, domain.CommandOccurrenceStatus, map[string]any{"status": req.Status})
}

func (h *Handler) createDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.occurrenceCommand(w, r, domain.CommandDispatchCreate, map[string]any{"resourceCode": req.ResourceCode})
}

func (h *Handler) changeDispatchStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.queries.RequireDispatch(r.Context(), id); err != nil {
		h.handleDomainError(w, err)
		return
	}
	payload, err := json.Marshal(map[string]any{"dispatchId": id, "status": req.Status})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.submit(w, r, domain.SourceWebOperator, domain.CommandDispatchStatus, payload)
}

// occurrenceCommand submits an operator command that targets the occurrence
// in the path. Unknown occurrences are rejected before anything is stored.
func (h *Handler) occurrenceCommand(w http.ResponseWriter, r *http.Request, typ domain.CommandType, fields map[string]any) {
	id := chi.URLParam(r, "id")
	if err := h.queries.RequireOccurrence(r.Context(), id); err != nil {
		h.handleDomainError(w, err)
		return
	}
	body := map[string]any{"occurrenceId": id}
	for k, v := range fields {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.submit(w, r, domain.SourceWebOperator, typ, payload)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, source domain.Source, typ domain.CommandType, payload json.RawMessage) {
	res, err := h.intake.Submit(r.Context(), usecase.SubmitRequest{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Source:         source,
		Type:           typ,
		Payload:        payload,
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{CommandID: res.CommandID, Status: "accepted"})
}

func (h *Handler) getCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.queries.Command(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommandResponse(cmd))
}

func (h *Handler) getOccurrence(w http.ResponseWriter, r *http.Request) {
	view, err := h.queries.Occurrence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOccurrenceResponse(view))
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseIntParam(w, q.Get("limit"), "limit", 100)
	if !ok {
		return
	}
	afterID, ok := parseIntParam(w, q.Get("after_id"), "after_id", 0)
	if !ok {
		return
	}

	entries, err := h.queries.ListAudit(r.Context(), domain.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Action:     q.Get("action"),
		AfterID:    int64(afterID),
		Limit:      limit,
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	items := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, toAuditResponse(e))
	}
	body := map[string]any{"items": items}
	if len(entries) > 0 {
		body["nextAfterId"] = entries[len(entries)-1].ID
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) openapi(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, openapiSpec())
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if token == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}

		key, err := h.auth.Authenticate(r.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, usecase.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		case errors.Is(err, usecase.ErrForbidden):
			writeError(w, http.StatusForbidden, "invalid api key")
			return
		case errors.Is(err, usecase.ErrAuthNotConfigured):
			h.log.Error("api key not configured")
			writeError(w, http.StatusInternalServerError, "api key not configured")
			return
		default:
			h.log.Error("authenticate", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		if caller, ok := r.Context().Value(callerContextKey{}).(*string); ok {
			*caller = key.Name
		}
		next.ServeHTTP(w, r.WithContext(usecase.ContextWithAPIKey(r.Context(), key)))
	})
}

// callerContextKey carries a slot the auth guard fills so the outer access
// log can name the caller.
type callerContextKey struct{}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		caller := new(string)
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), callerContextKey{}, caller)))
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("api_key", *caller),
		)
	})
}

func (h *Handler) handleDomainError(w http.ResponseWriter, err error) {
	var (
		conflict *domain.ConflictError
		payload  *domain.PayloadError
	)
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "commandId": conflict.CommandID})
	case errors.As(err, &payload):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": domain.ErrInvalidPayload.Error(), "details": payload.Errors})
	case errors.Is(err, domain.ErrMissingIdempotencyKey),
		errors.Is(err, domain.ErrUnsupportedCommandType),
		errors.Is(err, domain.ErrInvalidSource),
		errors.Is(err, domain.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, domain.ErrNotFound.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func toCommandResponse(cmd domain.Command) commandResponse {
	return commandResponse{
		ID:          cmd.ID,
		Status:      string(cmd.Status),
		Type:        string(cmd.Type),
		Source:      string(cmd.Source),
		ProcessedAt: formatTime(cmd.ProcessedAt),
		Error:       cmd.Error,
	}
}

func toOccurrenceResponse(view domain.OccurrenceView) occurrenceResponse {
	out := occurrenceResponse{
		ID:          view.ID,
		ExternalID:  view.ExternalID,
		Type:        view.Type,
		Status:      string(view.Status),
		Description: view.Description,
		ReportedAt:  formatTime(view.ReportedAt),
		CreatedAt:   view.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:   view.UpdatedAt.UTC().Format(timeFormat),
		Dispatches:  make([]dispatchResponse, 0, len(view.Dispatches)),
	}
	for _, d := range view.Dispatches {
		out.Dispatches = append(out.Dispatches, dispatchResponse{
			ID:           d.ID,
			ResourceCode: d.ResourceCode,
			Status:       string(d.Status),
			CreatedAt:    d.CreatedAt.UTC().Format(timeFormat),
			UpdatedAt:    d.UpdatedAt.UTC().Format(timeFormat),
		})
	}
	return out
}

func toAuditResponse(e domain.AuditEntry) auditResponse {
	return auditResponse{
		ID:         e.ID,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     e.Action,
		Before:     nullIfEmpty(e.Before),
		After:      nullIfEmpty(e.After),
		Meta:       nullIfEmpty(e.Meta),
		CreatedAt:  e.CreatedAt.UTC().Format(timeFormat),
	}
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeFormat)
	return &s
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func parseIntParam(w http.ResponseWriter, raw, name string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be integer")
		return 0, false
	}
	return parsed, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}

func openapiSpec() map[string]any {
	intake := func(summary string) map[string]any {
		return map[string]any{
			"summary": summary,
			"parameters": []map[string]any{
				{"name": "Idempotency-Key", "in": "header", "required": true, "schema": map[string]any{"type": "string"}},
			},
			"responses": map[string]any{
				"202": map[string]any{"description": "Command accepted"},
				"400": map[string]any{"description": "Invalid input"},
				"404": map[string]any{"description": "Target entity not found"},
				"409": map[string]any{"description": "Idempotency key reused with a different request"},
			},
		}
	}
	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "incidentinbox",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"apiKey": map[string]any{"type": "apiKey", "in": "header", "name": "X-API-Key"},
			},
		},
		"security": []map[string]any{{"apiKey": []string{}}},
		"paths": map[string]any{
			"/v1/integrations/occurrences":    map[string]any{"post": intake("Report an occurrence from the integration feed")},
			"/v1/occurrences/{id}/start":      map[string]any{"post": intake("Start an occurrence")},
			"/v1/occurrences/{id}/status":     map[string]any{"patch": intake("Change occurrence status")},
			"/v1/occurrences/{id}/finish":     map[string]any{"post": intake("Resolve an occurrence")},
			"/v1/occurrences/{id}/dispatches": map[string]any{"post": intake("Assign a resource to an occurrence")},
			"/v1/dispatches/{id}/status":      map[string]any{"patch": intake("Change dispatch status")},
			"/v1/commands/{id}":               map[string]any{"get": map[string]any{"summary": "Get command status"}},
			"/v1/occurrences/{id}":            map[string]any{"get": map[string]any{"summary": "Get occurrence with dispatches"}},
			"/v1/audit":                       map[string]any{"get": map[string]any{"summary": "List audit entries"}},
			"/healthz":                        map[string]any{"get": map[string]any{"summary": "Liveness"}},
		},
	}
}
