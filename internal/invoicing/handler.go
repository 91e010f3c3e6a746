package invoicing

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

// Handler manages recurring invoice endpoints.
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

// MountRoutes registers recurring invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermInvoicingView))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermInvoicingEdit))
		r.Post("/", h.create)
		r.Patch("/{id}", h.update)
		r.Delete("/{id}", h.disable)
	})
}

// MountInvoiceRoutes registers the generated document listing.
func (h *Handler) MountInvoiceRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermInvoicingView))
		r.Get("/", h.listInvoices)
	})
}

type positionRequest struct {
	Description string  `json:"description" validate:"required"`
	Quantity    float64 `json:"quantity" validate:"gt=0"`
	UnitPrice   float64 `json:"unitPrice" validate:"gte=0"`
	TaxType     string  `json:"taxType"`
}

type createRequest struct {
	Name             string            `json:"name" validate:"required"`
	RecipientName    string            `json:"recipientName" validate:"required"`
	RecipientAddress string            `json:"recipientAddress"`
	InvoiceType      string            `json:"invoiceType"`
	Positions        []positionRequest `json:"positions" validate:"required,min=1,dive"`
	Frequency        string            `json:"frequency" validate:"required,oneof=MONTHLY QUARTERLY SEMI_ANNUAL ANNUAL"`
	DayOfMonth       *int              `json:"dayOfMonth" validate:"omitempty,gte=1,lte=28"`
	StartDate        string            `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate          string            `json:"endDate" validate:"omitempty,datetime=2006-01-02"`
}

type updateRequest struct {
	Name             *string           `json:"name" validate:"omitempty,min=1"`
	RecipientName    *string           `json:"recipientName" validate:"omitempty,min=1"`
	RecipientAddress *string           `json:"recipientAddress"`
	InvoiceType      *string           `json:"invoiceType"`
	Positions        []positionRequest `json:"positions" validate:"omitempty,min=1,dive"`
	Frequency        *string           `json:"frequency" validate:"omitempty,oneof=MONTHLY QUARTERLY SEMI_ANNUAL ANNUAL"`
	DayOfMonth       *int              `json:"dayOfMonth" validate:"omitempty,gte=1,lte=28"`
	ClearDayOfMonth  bool              `json:"clearDayOfMonth"`
	StartDate        *string           `json:"startDate" validate:"omitempty,datetime=2006-01-02"`
	EndDate          *string           `json:"endDate" validate:"omitempty,datetime=2006-01-02"`
	ClearEndDate     bool              `json:"clearEndDate"`
	Enabled          *bool             `json:"enabled"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	includeDisabled := r.URL.Query().Get("includeDisabled") == "true"
	invoices, err := h.service.List(r.Context(), shared.TenantFromContext(r.Context()), includeDisabled)
	if err != nil {
		h.logger.Error("list recurring invoices", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"recurringInvoices": invoices})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recurringID(w, r)
	if !ok {
		return
	}
	ri, err := h.service.Get(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, "get recurring invoice", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ri)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, "invalid recurring invoice payload", fieldErrors(err))
		return
	}
	startDate, _ := time.Parse(dateLayout, req.StartDate)
	var endDate *time.Time
	if req.EndDate != "" {
		parsed, _ := time.Parse(dateLayout, req.EndDate)
		endDate = &parsed
	}
	ri, err := h.service.Create(r.Context(), CreateInput{
		TenantID:         shared.TenantFromContext(r.Context()),
		Name:             req.Name,
		RecipientName:    req.RecipientName,
		RecipientAddress: req.RecipientAddress,
		InvoiceType:      req.InvoiceType,
		Positions:        toPositions(req.Positions),
		Frequency:        Frequency(req.Frequency),
		DayOfMonth:       req.DayOfMonth,
		StartDate:        startDate,
		EndDate:          endDate,
	})
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, ri)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recurringID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, "invalid recurring invoice payload", fieldErrors(err))
		return
	}

	in := UpdateInput{
		Name:             req.Name,
		RecipientName:    req.RecipientName,
		RecipientAddress: req.RecipientAddress,
		InvoiceType:      req.InvoiceType,
		DayOfMonth:       req.DayOfMonth,
		ClearDayOfMonth:  req.ClearDayOfMonth,
		ClearEndDate:     req.ClearEndDate,
		Enabled:          req.Enabled,
	}
	if req.Positions != nil {
		in.Positions = toPositions(req.Positions)
	}
	if req.Frequency != nil {
		freq := Frequency(*req.Frequency)
		in.Frequency = &freq
	}
	if req.StartDate != nil {
		parsed, _ := time.Parse(dateLayout, *req.StartDate)
		in.StartDate = &parsed
	}
	if req.EndDate != nil {
		parsed, _ := time.Parse(dateLayout, *req.EndDate)
		in.EndDate = &parsed
	}

	ri, err := h.service.Update(r.Context(), shared.TenantFromContext(r.Context()), id, in)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.respondError(w, "update recurring invoice", id, err)
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, ri)
}

func (h *Handler) disable(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recurringID(w, r)
	if !ok {
		return
	}
	if err := h.service.Disable(r.Context(), shared.TenantFromContext(r.Context()), id); err != nil {
		h.respondError(w, "disable recurring invoice", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	invoices, err := h.service.ListInvoices(r.Context(), shared.TenantFromContext(r.Context()), q.Get("source"), limit, offset)
	if err != nil {
		h.logger.Error("list invoices", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (h *Handler) recurringID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid recurring invoice id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, id int64, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.RespondError(w, fmt.Errorf("%w: recurring invoice", httpx.ErrNotFound))
		return
	}
	h.logger.Error(op, slog.Any("error", err), slog.Int64("id", id))
	httpx.RespondError(w, err)
}

func toPositions(reqs []positionRequest) []Position {
	positions := make([]Position, 0, len(reqs))
	for _, p := range reqs {
		positions = append(positions, Position{
			Description: p.Description,
			Quantity:    p.Quantity,
			UnitPrice:   p.UnitPrice,
			TaxType:     p.TaxType,
		})
	}
	return positions
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
