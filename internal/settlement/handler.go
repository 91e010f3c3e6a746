package settlement

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/parkwind/parkwind/internal/platform/httpx"
	"github.com/parkwind/parkwind/internal/rbac"
	"github.com/parkwind/parkwind/internal/shared"
)

// Handler manages settlement period endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	rbac     rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New(), rbac: rbac}
}

// MountRoutes registers settlement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermSettlementView))
		r.Get("/", h.list)
		r.Get("/summary", h.summarize)
		r.Get("/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermSettlementEdit))
		r.Post("/", h.create)
		r.Post("/{id}/calculate", h.calculate)
		r.Patch("/{id}", h.updateStatus)
		r.Delete("/{id}", h.del)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermSettlementReview))
		r.Post("/{id}/approve", h.review)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermSettlementEdit, shared.PermInvoicingEdit))
		r.Post("/{id}/invoices", h.generateInvoices)
	})
}

type createPeriodRequest struct {
	ParkID     int64  `json:"parkId" validate:"required"`
	Year       int    `json:"year" validate:"required,gte=2000,lte=2100"`
	Month      *int   `json:"month" validate:"omitempty,gte=1,lte=12"`
	PeriodType string `json:"periodType" validate:"required,oneof=ADVANCE FINAL"`
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type reviewRequest struct {
	Action string `json:"action" validate:"required,oneof=approve reject"`
	Notes  string `json:"notes"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status"))}
	filter.ParkID, _ = strconv.ParseInt(q.Get("parkId"), 10, 64)
	filter.Year, _ = strconv.Atoi(q.Get("year"))
	if filter.Status != "" && !ValidStatus(filter.Status) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown status filter")
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("perPage"))
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > 200 {
		perPage = 20
	}
	filter.Limit = perPage
	filter.Offset = (page - 1) * perPage

	periods, total, err := h.service.List(r.Context(), shared.TenantFromContext(r.Context()), filter)
	if err != nil {
		h.logger.Error("list settlement periods", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"periods":    periods,
		"pagination": shared.NewPagination(page, perPage, total),
	})
}

func (h *Handler) summarize(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		year = time.Now().Year()
	}
	summary, err := h.service.Summarize(r.Context(), shared.TenantFromContext(r.Context()), year)
	if err != nil {
		h.logger.Error("summarize settlement periods", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.Get(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, "get settlement period", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createPeriodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, "invalid period payload", fieldErrors(err))
		return
	}
	period, err := h.service.Create(r.Context(), CreatePeriodInput{
		TenantID:   shared.TenantFromContext(r.Context()),
		ParkID:     req.ParkID,
		Year:       req.Year,
		Month:      req.Month,
		PeriodType: PeriodType(req.PeriodType),
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "park not found")
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, period)
}

func (h *Handler) calculate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	result, err := h.service.Calculate(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, "calculate settlement period", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, "invalid status payload", fieldErrors(err))
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	// Approving through the generic PATCH still requires the review
	// permission, same as the approve endpoint.
	if Status(req.Status) == StatusApproved {
		allowed, err := h.rbac.Granted(r.Context(), principal.UserID, shared.PermSettlementReview)
		if err != nil {
			h.logger.Error("check review permission", slog.Any("error", err), slog.Int64("id", id))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		if !allowed {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission")
			return
		}
	}
	period, err := h.service.UpdateStatus(r.Context(), principal.TenantID, id, principal.UserID, Status(req.Status))
	if err != nil {
		h.respondError(w, "update settlement status", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, "invalid review payload", fieldErrors(err))
		return
	}
	principal := shared.PrincipalFromContext(r.Context())

	var (
		period Period
		err    error
	)
	switch req.Action {
	case "approve":
		period, err = h.service.Approve(r.Context(), principal.TenantID, id, principal.UserID)
	case "reject":
		period, err = h.service.Reject(r.Context(), principal.TenantID, id, principal.UserID, req.Notes)
	}
	if err != nil {
		h.respondError(w, "review settlement period", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *Handler) generateInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	if err := h.service.GenerateInvoices(r.Context(), principal.TenantID, id, principal.UserID); err != nil {
		h.respondError(w, "generate settlement invoices", id, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"periodId": id, "queued": true})
}

func (h *Handler) del(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), shared.TenantFromContext(r.Context()), id); err != nil {
		h.respondError(w, "delete settlement period", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) periodID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid period id")
		return 0, false
	}
	return id, true
}

// respondError translates domain errors into the httpx sentinels so the
// shared RFC7807 mapping applies.
func (h *Handler) respondError(w http.ResponseWriter, op string, id int64, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: settlement period", httpx.ErrNotFound))
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotCalculated),
		errors.Is(err, ErrNotesRequired), errors.Is(err, ErrNotDeletable), errors.Is(err, ErrNotApproved):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	default:
		h.logger.Error(op, slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
	}
}

func fieldErrors(err error) map[string]string {
	fields := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
	}
	return fields
}
