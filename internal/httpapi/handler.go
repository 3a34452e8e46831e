package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strings"
	"time"

	"turnero/ticket-service/internal/catalog"
	"turnero/ticket-service/internal/lifecycle"
	"turnero/ticket-service/internal/models"
	"turnero/ticket-service/internal/store"

	"github.com/google/uuid"
)

// Engine is the part of lifecycle.Engine the HTTP surface drives.
type Engine interface {
	IssueTicket(ctx context.Context, req lifecycle.IssueRequest) (models.Ticket, error)
	ServeNext(ctx context.Context, branchID, categoryID string) (models.Ticket, error)
	ServeTicket(ctx context.Context, ticketID string, override bool) (models.Ticket, error)
	AbandonTicket(ctx context.Context, ticketID, reason string) (models.Ticket, error)
	RescheduleTicket(ctx context.Context, ticketID string, at time.Time) (models.Ticket, error)
	GetQueueSnapshot(ctx context.Context, branchID, categoryID string) ([]models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	GetTicketEvents(ctx context.Context, ticketID string) (lifecycle.AuditTrail, error)
	Stats(ctx context.Context, branchID, categoryID string) (lifecycle.QueueStats, error)
	ListTickets(ctx context.Context, filter lifecycle.TicketFilter) ([]models.Ticket, error)
}

type Handler struct {
	engine  Engine
	catalog *catalog.Catalog
	health  func(ctx context.Context) error
}

type Options struct {
	// Health is consulted by /healthz, typically a database ping.
	Health func(ctx context.Context) error
}

type createTicketRequest struct {
	RequestID  string `json:"request_id"`
	BranchID   string `json:"branch_id"`
	CategoryID string `json:"category_id"`
	KioskID    string `json:"kiosk_id"`
	ClientRef  string `json:"client_ref"`
	Notes      string `json:"notes"`
	Priority   string `json:"priority"`
}

type serveNextRequest struct {
	RequestID  string `json:"request_id"`
	BranchID   string `json:"branch_id"`
	CategoryID string `json:"category_id"`
}

type ticketActionRequest struct {
	RequestID    string `json:"request_id"`
	Override     bool   `json:"override"`
	Reason       string `json:"reason"`
	ScheduledFor string `json:"scheduled_for"`
}

type errorResponse struct {
	RequestID string         `json:"request_id"`
	Error     responseError  `json:"error"`
	Ticket    *models.Ticket `json:"ticket,omitempty"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(engine Engine, cat *catalog.Catalog, options Options) *Handler {
	return &Handler{
		engine:  engine,
		catalog: cat,
		health:  options.Health,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", expvar.Handler())

	mux.HandleFunc("POST /api/tickets", h.handleCreateTicket)
	mux.HandleFunc("GET /api/tickets", h.handleListTickets)
	mux.HandleFunc("GET /api/tickets/{id}", h.handleGetTicket)
	mux.HandleFunc("GET /api/tickets/{id}/events", h.handleTicketEvents)
	mux.HandleFunc("POST /api/tickets/{id}/actions/{action}", h.handleTicketAction)
	mux.HandleFunc("POST /api/queues/serve-next", h.handleServeNext)
	mux.HandleFunc("GET /api/queues", h.handleQueueSnapshot)
	mux.HandleFunc("GET /api/queues/stats", h.handleQueueStats)

	if h.catalog != nil {
		registerCatalog(mux, "branches", h.catalog.Branches)
		registerCatalog(mux, "categories", h.catalog.Categories)
		registerCatalog(mux, "kiosks", h.catalog.Kiosks)
		registerCatalog(mux, "roles", h.catalog.Roles)
		registerCatalog(mux, "users", h.catalog.Users)
		mux.HandleFunc("POST /api/users", h.handleCreateUser)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			writeError(w, requestIDFrom(r, ""), http.StatusServiceUnavailable, "unavailable", "dependency check failed")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	requestID := requestIDFrom(r, req.RequestID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.CategoryID = strings.TrimSpace(req.CategoryID)
	req.KioskID = strings.TrimSpace(req.KioskID)
	req.ClientRef = strings.TrimSpace(req.ClientRef)

	if req.BranchID == "" || req.CategoryID == "" || req.ClientRef == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "branch_id, category_id, and client_ref are required")
		return
	}
	var priority models.Priority
	if strings.TrimSpace(req.Priority) != "" {
		parsed, err := models.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "priority must be low, medium, or high")
			return
		}
		priority = parsed
	}

	ticket, err := h.engine.IssueTicket(r.Context(), lifecycle.IssueRequest{
		BranchID:   req.BranchID,
		CategoryID: req.CategoryID,
		KioskID:    req.KioskID,
		ClientRef:  req.ClientRef,
		Notes:      strings.TrimSpace(req.Notes),
		Priority:   priority,
	})
	if err != nil && ticket.TicketID == "" {
		writeMappedError(w, requestID, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	branchID, categoryID, ok := queueParams(w, r)
	if !ok {
		return
	}
	filter := lifecycle.TicketFilter{
		BranchID:   branchID,
		CategoryID: categoryID,
		Search:     r.URL.Query().Get("q"),
	}
	for _, raw := range r.URL.Query()["state"] {
		for _, name := range strings.Split(raw, ",") {
			state, err := models.ParseState(strings.TrimSpace(name))
			if err != nil {
				writeError(w, requestIDFrom(r, ""), http.StatusBadRequest, "invalid_request", "state must be waiting, served, abandoned, or rescheduled")
				return
			}
			filter.States = append(filter.States, state)
		}
	}
	tickets, err := h.engine.ListTickets(r.Context(), filter)
	if err != nil {
		writeMappedError(w, requestIDFrom(r, ""), err, nil)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"branch_id":   branchID,
		"category_id": categoryID,
		"tickets":     tickets,
	})
}

// ticketIDParam returns the {id} path value, answering 404 when it is not
// a UUID.
func ticketIDParam(w http.ResponseWriter, r *http.Request, requestID string) (string, bool) {
	ticketID := r.PathValue("id")
	if !isValidUUID(ticketID) {
		writeError(w, requestID, http.StatusNotFound, "not_found", "ticket not found")
		return "", false
	}
	return ticketID, true
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketIDParam(w, r, requestIDFrom(r, ""))
	if !ok {
		return
	}
	ticket, err := h.engine.GetTicket(r.Context(), ticketID)
	if err != nil {
		writeMappedError(w, requestIDFrom(r, ""), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketIDParam(w, r, requestIDFrom(r, ""))
	if !ok {
		return
	}
	trail, err := h.engine.GetTicketEvents(r.Context(), ticketID)
	if err != nil {
		writeMappedError(w, requestIDFrom(r, ""), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request) {
	var req ticketActionRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	requestID := requestIDFrom(r, req.RequestID)
	ticketID, ok := ticketIDParam(w, r, requestID)
	if !ok {
		return
	}

	var ticket models.Ticket
	var err error
	switch r.PathValue("action") {
	case "serve":
		ticket, err = h.engine.ServeTicket(r.Context(), ticketID, req.Override)
	case "abandon":
		ticket, err = h.engine.AbandonTicket(r.Context(), ticketID, strings.TrimSpace(req.Reason))
	case "reschedule":
		at, parseErr := time.Parse(time.RFC3339, strings.TrimSpace(req.ScheduledFor))
		if parseErr != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "scheduled_for must be an RFC 3339 timestamp")
			return
		}
		ticket, err = h.engine.RescheduleTicket(r.Context(), ticketID, at)
	default:
		writeError(w, requestID, http.StatusNotFound, "not_found", "unknown ticket action")
		return
	}
	if err != nil {
		var attached *models.Ticket
		if ticket.TicketID != "" {
			attached = &ticket
		}
		writeMappedError(w, requestID, err, attached)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleServeNext(w http.ResponseWriter, r *http.Request) {
	var req serveNextRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	requestID := requestIDFrom(r, req.RequestID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.CategoryID = strings.TrimSpace(req.CategoryID)
	if req.BranchID == "" || req.CategoryID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "branch_id and category_id are required")
		return
	}

	ticket, err := h.engine.ServeNext(r.Context(), req.BranchID, req.CategoryID)
	if err != nil && ticket.TicketID == "" {
		writeMappedError(w, requestID, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func queueParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	branchID := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	categoryID := strings.TrimSpace(r.URL.Query().Get("category_id"))
	if branchID == "" || categoryID == "" {
		writeError(w, requestIDFrom(r, ""), http.StatusBadRequest, "invalid_request", "branch_id and category_id are required")
		return "", "", false
	}
	return branchID, categoryID, true
}

func (h *Handler) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	branchID, categoryID, ok := queueParams(w, r)
	if !ok {
		return
	}
	tickets, err := h.engine.GetQueueSnapshot(r.Context(), branchID, categoryID)
	if err != nil {
		writeMappedError(w, requestIDFrom(r, ""), err, nil)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"branch_id":   branchID,
		"category_id": categoryID,
		"tickets":     tickets,
	})
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	branchID, categoryID, ok := queueParams(w, r)
	if !ok {
		return
	}
	stats, err := h.engine.Stats(r.Context(), branchID, categoryID)
	if err != nil {
		writeMappedError(w, requestIDFrom(r, ""), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type createUserRequest struct {
	models.User
	Password string `json:"password"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	user, err := h.catalog.CreateUser(r.Context(), req.User, req.Password)
	if err != nil {
		writeMappedError(w, requestIDFrom(r, ""), err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// registerCatalog wires list, get, create and replace for one catalog
// entity. Users get their own create handler so the password is hashed.
func registerCatalog[T any](mux *http.ServeMux, name string, repo *catalog.Repo[T]) {
	base := "/api/" + name
	mux.HandleFunc("GET "+base, func(w http.ResponseWriter, r *http.Request) {
		items, err := repo.List(r.Context())
		if err != nil {
			writeMappedError(w, requestIDFrom(r, ""), err, nil)
			return
		}
		writeJSON(w, http.StatusOK, items)
	})
	mux.HandleFunc("GET "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		item, err := repo.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeMappedError(w, requestIDFrom(r, ""), err, nil)
			return
		}
		writeJSON(w, http.StatusOK, item)
	})
	if name != "users" {
		mux.HandleFunc("POST "+base, func(w http.ResponseWriter, r *http.Request) {
			var item T
			if !decodeJSON(w, r, &item, false) {
				return
			}
			created, err := repo.Create(r.Context(), item)
			if err != nil {
				writeMappedError(w, requestIDFrom(r, ""), err, nil)
				return
			}
			writeJSON(w, http.StatusCreated, created)
		})
	}
	mux.HandleFunc("PUT "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		var item T
		if !decodeJSON(w, r, &item, false) {
			return
		}
		updated, err := repo.Update(r.Context(), r.PathValue("id"), func(current *T) error {
			// The password hash never travels over JSON; keep the stored one.
			if incoming, ok := any(&item).(*models.User); ok {
				incoming.PasswordHash = any(current).(*models.User).PasswordHash
			}
			*current = item
			return nil
		})
		if err != nil {
			writeMappedError(w, requestIDFrom(r, ""), err, nil)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	})
}

// decodeJSON reads a strict JSON body. allowEmpty accepts a missing body
// for actions whose fields are all optional.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, requestIDFrom(r, ""), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func requestIDFrom(r *http.Request, fromBody string) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(fromBody)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "ticket not found"
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound, "not_found", "catalog entry not found"
	case errors.Is(err, store.ErrInvalidReference):
		return http.StatusUnprocessableEntity, "invalid_reference", "branch, category, or kiosk is unknown or inactive"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket state does not allow this action"
	case errors.Is(err, store.ErrNotHeadOfQueue):
		return http.StatusConflict, "not_head_of_queue", "ticket is not at the head of its queue"
	case errors.Is(err, store.ErrEmptyQueue):
		return http.StatusConflict, "queue_empty", "no tickets waiting in this queue"
	case errors.Is(err, store.ErrRescheduleLimitExceeded):
		return http.StatusConflict, "reschedule_limit_exceeded", "reschedule limit reached, ticket abandoned"
	case errors.Is(err, store.ErrInvalidSchedule):
		return http.StatusBadRequest, "invalid_schedule", "scheduled_for must be in the future"
	case errors.Is(err, lifecycle.ErrInvalidReason):
		return http.StatusBadRequest, "invalid_request", "reason must be no-show, timeout, or cancelled"
	case errors.Is(err, catalog.ErrInvalid):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, catalog.ErrAlreadyExists):
		return http.StatusConflict, "already_exists", "catalog entry already exists"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "queue_busy", "queue is busy, retry shortly"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(w http.ResponseWriter, requestID string, err error, ticket *models.Ticket) {
	status, code, msg := mapError(err)
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error:     responseError{Code: code, Message: msg},
		Ticket:    ticket,
	})
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
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
