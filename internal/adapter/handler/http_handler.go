package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
	"github.com/cie-portal/reservation-engine/internal/core/service"
)

const (
	identityHeader    = "X-User-Id"
	idempotencyHeader = "Idempotency-Key"
)

type HTTPHandler struct {
	commands ReservationCommands
	queries  ReservationQueries
	ready    func(ctx context.Context) error
}

type HTTPOption func(*HTTPHandler)

// WithReadinessCheck makes /health report the result of check.
func WithReadinessCheck(check func(ctx context.Context) error) HTTPOption {
	return func(h *HTTPHandler) { h.ready = check }
}

func NewHTTPHandler(commands ReservationCommands, queries ReservationQueries, opts ...HTTPOption) *HTTPHandler {
	h := &HTTPHandler{commands: commands, queries: queries}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the API mux.
func (h *HTTPHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("POST /api/requests", h.CreateRequest)
	mux.HandleFunc("POST /api/requests/{id}/decision", h.Decide)
	mux.HandleFunc("POST /api/requests/{id}/collect", h.Collect)
	mux.HandleFunc("POST /api/requests/{id}/return", h.Return)
	mux.HandleFunc("POST /api/requests/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/requests/mine", h.ListMine)
	mux.HandleFunc("GET /api/requests/approvals", h.ListApprovals)
	mux.HandleFunc("GET /api/resources/{kind}/{id}/requests", h.ListForResource)
	mux.HandleFunc("GET /api/resources/{kind}/{id}/availability", h.Availability)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	})
	return mux
}

func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var body CreateRequestBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = r.Header.Get(idempotencyHeader)
	}

	in, code, err := body.input(identity)
	if err != nil {
		status := http.StatusBadRequest
		if code == codeResourceNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, code, err.Error())
		return
	}

	req, err := h.commands.CreateRequest(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPayload(req))
}

func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var body DecisionBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}
	if body.Decision == "" {
		writeError(w, http.StatusBadRequest, codeMissingRequiredField, "decision is required")
		return
	}

	req, err := h.commands.Decide(r.Context(), service.DecideInput{
		RequestID: r.PathValue("id"),
		Approver:  identity,
		Decision:  service.Decision(strings.ToLower(body.Decision)),
		Notes:     body.Notes,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayload(req))
}

func (h *HTTPHandler) Collect(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context) (domain.Request, error) {
		return h.commands.Collect(ctx, r.PathValue("id"))
	})
}

func (h *HTTPHandler) Return(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context) (domain.Request, error) {
		return h.commands.Return(ctx, r.PathValue("id"))
	})
}

func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	h.respond(w, r, func(ctx context.Context) (domain.Request, error) {
		return h.commands.Cancel(ctx, r.PathValue("id"), identity)
	})
}

func (h *HTTPHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	h.list(w, r, func(ctx context.Context, statuses []domain.Status) ([]service.RequestView, error) {
		return h.queries.ListForRequester(ctx, identity, statuses...)
	})
}

func (h *HTTPHandler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	h.list(w, r, func(ctx context.Context, statuses []domain.Status) ([]service.RequestView, error) {
		return h.queries.ListForApprover(ctx, identity, statuses...)
	})
}

func (h *HTTPHandler) ListForResource(w http.ResponseWriter, r *http.Request) {
	ref, ok := resourceFromPath(w, r)
	if !ok {
		return
	}
	h.list(w, r, func(ctx context.Context, statuses []domain.Status) ([]service.RequestView, error) {
		return h.queries.ListForResource(ctx, ref, statuses...)
	})
}

func (h *HTTPHandler) Availability(w http.ResponseWriter, r *http.Request) {
	ref, ok := resourceFromPath(w, r)
	if !ok {
		return
	}
	stock, err := h.queries.Stock(r.Context(), ref)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockPayload(stock))
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, codeStorageUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) respond(w http.ResponseWriter, r *http.Request, call func(ctx context.Context) (domain.Request, error)) {
	req, err := call(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayload(req))
}

func (h *HTTPHandler) list(w http.ResponseWriter, r *http.Request, fetch func(ctx context.Context, statuses []domain.Status) ([]service.RequestView, error)) {
	statuses, err := parseStatuses(r.URL.Query()["status"])
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidStatus, err.Error())
		return
	}
	views, err := fetch(r.Context(), statuses)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListPayload{Requests: viewPayloads(views)})
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity := strings.TrimSpace(r.Header.Get(identityHeader))
	if identity == "" {
		writeError(w, http.StatusUnauthorized, codeMissingIdentity, identityHeader+" header is required")
		return "", false
	}
	return identity, true
}

func resourceFromPath(w http.ResponseWriter, r *http.Request) (domain.ResourceRef, bool) {
	kind, err := domain.ParseResourceKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, codeResourceNotFound, err.Error())
		return domain.ResourceRef{}, false
	}
	return domain.ResourceRef{Kind: kind, ID: r.PathValue("id")}, true
}
