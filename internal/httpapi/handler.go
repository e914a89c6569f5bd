package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"qline/queue-engine/internal/engine"
	"qline/queue-engine/internal/models"
	"qline/queue-engine/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueueEngine is the slice of the engine the HTTP layer calls.
type QueueEngine interface {
	Join(ctx context.Context, serviceCode, visitorRef string) (engine.JoinResult, error)
	Status(ctx context.Context, ticketID string) (engine.StatusResult, error)
	Cancel(ctx context.Context, ticketID string) error
	CallNext(ctx context.Context, serviceID string) (engine.CallNextResult, error)
	Complete(ctx context.Context, ticketID, code string) error
	VisitorTickets(ctx context.Context, visitorRef string) ([]engine.TicketSummary, error)
	VisitorRisk(ctx context.Context, visitorRef string) (float64, error)
	Services(ctx context.Context) ([]models.Service, error)
}

type Handler struct {
	engine QueueEngine
}

func NewHandler(engine QueueEngine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/queue/join", h.handleJoin)
	mux.HandleFunc("/api/queue/mine", h.handleVisitorTickets)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/", h.handleTickets)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/visitors/", h.handleVisitorRisk)
	return mux
}

type joinRequest struct {
	ServiceCode string `json:"service_code"`
	VisitorRef  string `json:"visitor_ref"`
}

type callNextRequest struct {
	ServiceID string `json:"service_id"`
}

type completeRequest struct {
	Code string `json:"code"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req joinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ServiceCode = strings.TrimSpace(req.ServiceCode)
	if req.ServiceCode == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "service_code is required")
		return
	}

	result, err := h.engine.Join(r.Context(), req.ServiceCode, req.VisitorRef)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleVisitorTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	visitor := strings.TrimSpace(r.URL.Query().Get("visitor"))
	if visitor == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "visitor is required")
		return
	}

	summaries, err := h.engine.VisitorTickets(r.Context(), visitor)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if summaries == nil {
		summaries = []engine.TicketSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.ServiceID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "service_id is required")
		return
	}

	result, err := h.engine.CallNext(r.Context(), req.ServiceID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		h.handleTicketStatus(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "cancel":
		h.handleCancel(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "complete":
		h.handleComplete(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleTicketStatus(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	result, err := h.engine.Status(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := h.engine.Cancel(r.Context(), ticketID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.engine.Complete(r.Context(), ticketID, req.Code); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCompleted})
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	services, err := h.engine.Services(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if services == nil {
		services = []models.Service{}
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleVisitorRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/visitors/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "risk" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	risk, err := h.engine.VisitorRisk(r.Context(), parts[0])
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"no_show_risk": risk})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrServiceInactive):
		return http.StatusConflict, "service_inactive", "service is not accepting new tickets"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket state does not allow this action"
	case errors.Is(err, store.ErrEmptyQueue):
		return http.StatusConflict, "queue_empty", "no waiting tickets"
	case errors.Is(err, engine.ErrInvalidCode):
		return http.StatusForbidden, "invalid_code", "completion code mismatch"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
