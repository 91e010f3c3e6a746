package parks

import (
	"errors"
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

// Handler manages park master data endpoints.
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

// MountRoutes registers park routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermParksView))
		r.Get("/", h.listParks)
		r.Get("/{id}", h.getPark)
		r.Get("/{id}/leases", h.listLeases)
		r.Get("/{id}/funds", h.listFunds)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermParksEdit))
		r.Post("/", h.createPark)
		r.Post("/{id}/leases", h.createLease)
		r.Put("/{id}/revenues/{year}", h.recordRevenue)
	})
}

type createParkRequest struct {
	Name           string `json:"name" validate:"required"`
	CommissionedAt string `json:"commissionedAt" validate:"omitempty,datetime=2006-01-02"`
}

type createLeaseRequest struct {
	LessorName          string  `json:"lessorName" validate:"required"`
	TurbineRent         float64 `json:"turbineRent" validate:"gte=0"`
	PlotCount           int     `json:"plotCount" validate:"gte=0"`
	MonthlyMinimumRent  float64 `json:"monthlyMinimumRent" validate:"gte=0"`
	RevenueSharePercent float64 `json:"revenueSharePercent" validate:"gte=0,lte=100"`
}

type recordRevenueRequest struct {
	Revenue float64 `json:"revenue" validate:"gte=0"`
}

func (h *Handler) listParks(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	parks, err := h.service.ListParks(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("list parks", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"parks": parks})
}

func (h *Handler) getPark(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid park id")
		return
	}
	park, err := h.service.GetPark(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "park not found")
			return
		}
		h.logger.Error("get park", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, park)
}

func (h *Handler) createPark(w http.ResponseWriter, r *http.Request) {
	var req createParkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, "invalid park payload", fieldErrors(err))
		return
	}
	var commissioned *time.Time
	if req.CommissionedAt != "" {
		parsed, err := time.Parse("2006-01-02", req.CommissionedAt)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid commissionedAt date")
			return
		}
		commissioned = &parsed
	}
	park, err := h.service.CreatePark(r.Context(), CreateParkInput{
		TenantID:       shared.TenantFromContext(r.Context()),
		Name:           req.Name,
		CommissionedAt: commissioned,
	})
	if err != nil {
		h.logger.Error("create park", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, park)
}

func (h *Handler) listLeases(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid park id")
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	leases, err := h.service.ListLeases(r.Context(), shared.TenantFromContext(r.Context()), id, activeOnly)
	if err != nil {
		h.logger.Error("list leases", slog.Any("error", err), slog.Int64("park_id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"leases": leases})
}

func (h *Handler) listFunds(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid park id")
		return
	}
	year := time.Now().UTC().Year()
	if raw := r.URL.Query().Get("year"); raw != "" {
		year, err = strconv.Atoi(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid year")
			return
		}
	}
	funds, err := h.service.ListFunds(r.Context(), shared.TenantFromContext(r.Context()), id, year)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "park not found")
			return
		}
		h.logger.Error("list funds", slog.Any("error", err), slog.Int64("park_id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"funds": funds, "year": year})
}

func (h *Handler) createLease(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid park id")
		return
	}
	var req createLeaseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, "invalid lease payload", fieldErrors(err))
		return
	}
	lease, err := h.service.CreateLease(r.Context(), CreateLeaseInput{
		TenantID:            shared.TenantFromContext(r.Context()),
		ParkID:              id,
		LessorName:          req.LessorName,
		TurbineRent:         req.TurbineRent,
		PlotCount:           req.PlotCount,
		MonthlyMinimumRent:  req.MonthlyMinimumRent,
		RevenueSharePercent: req.RevenueSharePercent,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "park not found")
			return
		}
		h.logger.Error("create lease", slog.Any("error", err), slog.Int64("park_id", id))
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, lease)
}

func (h *Handler) recordRevenue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid park id")
		return
	}
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year < 2000 || year > 2100 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid year")
		return
	}
	var req recordRevenueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, "invalid revenue payload", fieldErrors(err))
		return
	}
	err = h.service.RecordRevenue(r.Context(), shared.TenantFromContext(r.Context()), ParkRevenue{
		ParkID:  id,
		Year:    year,
		Revenue: req.Revenue,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "park not found")
			return
		}
		h.logger.Error("record revenue", slog.Any("error", err), slog.Int64("park_id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"parkId": id, "year": year, "revenue": req.Revenue})
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
