package billing

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

const dateLayout = "2006-01-02"

// Handler manages stakeholder and management billing endpoints.
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

// MountStakeholderRoutes registers stakeholder routes.
func (h *Handler) MountStakeholderRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermBillingView))
		r.Get("/", h.listStakeholders)
		r.Get("/{id}", h.getStakeholder)
		r.Get("/{id}/fee-history", h.listFeeHistory)
		r.Get("/{id}/billings", h.listBillings)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermBillingEdit))
		r.Post("/", h.createStakeholder)
		r.Post("/{id}/fee-history", h.changeFee)
	})
}

// MountBillingRoutes registers the billing calculation route.
func (h *Handler) MountBillingRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermBillingEdit))
		r.Post("/billings", h.calculateBilling)
	})
}

type createStakeholderRequest struct {
	ParkID         int64   `json:"parkId" validate:"required"`
	Name           string  `json:"name" validate:"required"`
	Role           string  `json:"role" validate:"required,oneof=DEVELOPER GRID_OPERATOR TECHNICAL_BF COMMERCIAL_BF OPERATOR"`
	FeePercent     float64 `json:"feePercent" validate:"gte=0,lte=100"`
	BillingEnabled bool    `json:"billingEnabled"`
	ValidFrom      string  `json:"validFrom" validate:"omitempty,datetime=2006-01-02"`
}

type changeFeeRequest struct {
	FeePercent float64 `json:"feePercent" validate:"required,gt=0,lte=100"`
	ValidFrom  string  `json:"validFrom" validate:"omitempty,datetime=2006-01-02"`
	Reason     string  `json:"reason"`
}

type calculateBillingRequest struct {
	StakeholderID int64 `json:"stakeholderId" validate:"required"`
	Year          int   `json:"year" validate:"required,gte=2000,lte=2100"`
	Month         *int  `json:"month" validate:"omitempty,gte=1,lte=12"`
}

func (h *Handler) listStakeholders(w http.ResponseWriter, r *http.Request) {
	parkID, _ := strconv.ParseInt(r.URL.Query().Get("parkId"), 10, 64)
	stakeholders, err := h.service.ListStakeholders(r.Context(), shared.TenantFromContext(r.Context()), parkID)
	if err != nil {
		h.logger.Error("list stakeholders", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"stakeholders": stakeholders})
}

func (h *Handler) getStakeholder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.stakeholderID(w, r)
	if !ok {
		return
	}
	st, err := h.service.GetStakeholder(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, "get stakeholder", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) createStakeholder(w http.ResponseWriter, r *http.Request) {
	var req createStakeholderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, "invalid stakeholder payload", fieldErrors(err))
		return
	}
	var validFrom time.Time
	if req.ValidFrom != "" {
		validFrom, _ = time.Parse(dateLayout, req.ValidFrom)
	}
	st, err := h.service.CreateStakeholder(r.Context(), CreateStakeholderInput{
		TenantID:       shared.TenantFromContext(r.Context()),
		ParkID:         req.ParkID,
		Name:           req.Name,
		Role:           Role(req.Role),
		FeePercent:     req.FeePercent,
		BillingEnabled: req.BillingEnabled,
		ValidFrom:      validFrom,
	})
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, st)
}

func (h *Handler) changeFee(w http.ResponseWriter, r *http.Request) {
	id, ok := h.stakeholderID(w, r)
	if !ok {
		return
	}
	var req changeFeeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, "invalid fee payload", fieldErrors(err))
		return
	}
	var validFrom time.Time
	if req.ValidFrom != "" {
		validFrom, _ = time.Parse(dateLayout, req.ValidFrom)
	}
	principal := shared.PrincipalFromContext(r.Context())
	st, err := h.service.ChangeFeePercent(r.Context(), principal.TenantID, id, req.FeePercent, validFrom, req.Reason, principal.UserID)
	if err != nil {
		if errors.Is(err, ErrInvalidPercent) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.respondError(w, "change stakeholder fee", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) listFeeHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.stakeholderID(w, r)
	if !ok {
		return
	}
	history, err := h.service.ListFeeHistory(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, "list fee history", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"feeHistory": history})
}

func (h *Handler) listBillings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.stakeholderID(w, r)
	if !ok {
		return
	}
	year, _ := strconv.Atoi(r.URL.Query().Get("year"))
	billings, err := h.service.ListBillings(r.Context(), shared.TenantFromContext(r.Context()), id, year)
	if err != nil {
		h.respondError(w, "list billings", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"billings": billings})
}

func (h *Handler) calculateBilling(w http.ResponseWriter, r *http.Request) {
	var req calculateBillingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, "invalid billing payload", fieldErrors(err))
		return
	}
	billing, err := h.service.CalculateBilling(r.Context(), shared.TenantFromContext(r.Context()), req.StakeholderID, req.Year, req.Month)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			httpx.RespondError(w, fmt.Errorf("%w: stakeholder", httpx.ErrNotFound))
		case errors.Is(err, ErrDuplicate):
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrDuplicate, err))
		case errors.Is(err, ErrBillingDisabled):
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
		default:
			h.logger.Error("calculate billing", slog.Any("error", err), slog.Int64("stakeholder_id", req.StakeholderID))
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusCreated, billing)
}

func (h *Handler) stakeholderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid stakeholder id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, id int64, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.RespondError(w, fmt.Errorf("%w: stakeholder", httpx.ErrNotFound))
		return
	}
	h.logger.Error(op, slog.Any("error", err), slog.Int64("id", id))
	httpx.RespondError(w, err)
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
