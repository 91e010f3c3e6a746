package invoicing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/parkwind/parkwind/internal/rbac"
	"github.com/parkwind/parkwind/internal/shared"
)

type stubPermissions struct {
	granted []string
}

func (s *stubPermissions) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	return s.granted, nil
}

type handlerEnv struct {
	svc    *Service
	repo   *memoryInvoicingRepo
	router http.Handler
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	repo := newMemoryInvoicingRepo()
	svc := newInvoicingService(repo)
	perms := &stubPermissions{granted: []string{shared.PermInvoicingView, shared.PermInvoicingEdit}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, svc, rbac.Middleware{Service: perms, Logger: logger})
	r := chi.NewRouter()
	r.Route("/recurring-invoices", h.MountRoutes)
	r.Route("/invoices", h.MountInvoiceRoutes)
	return &handlerEnv{svc: svc, repo: repo, router: r}
}

func (e *handlerEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req = req.WithContext(shared.ContextWithPrincipal(req.Context(), &shared.Principal{UserID: 7, TenantID: 1}))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

const createBody = `{
	"name": "Wartung Windpark Nord",
	"recipientName": "Stadtwerke Husum",
	"positions": [{"description": "Technische Betriebsführung", "quantity": 1, "unitPrice": 1200}],
	"frequency": "MONTHLY",
	"startDate": "2026-01-15"
}`

func TestHandlerCreateRecurring(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(t, http.MethodPost, "/recurring-invoices", createBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	var ri RecurringInvoice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ri))
	require.True(t, ri.Enabled)
	require.Equal(t, date(2026, time.January, 15), ri.NextRunAt)
}

func TestHandlerCreateRejectsBadPayload(t *testing.T) {
	env := newHandlerEnv(t)

	// Unknown frequency.
	rec := env.do(t, http.MethodPost, "/recurring-invoices", strings.Replace(createBody, "MONTHLY", "WEEKLY", 1))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Day of month outside the clamp range.
	rec = env.do(t, http.MethodPost, "/recurring-invoices", strings.Replace(createBody, `"frequency": "MONTHLY",`, `"frequency": "MONTHLY", "dayOfMonth": 31,`, 1))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// No positions.
	rec = env.do(t, http.MethodPost, "/recurring-invoices", `{"name":"x","recipientName":"y","positions":[],"frequency":"MONTHLY","startDate":"2026-01-15"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerUpdateFrequency(t *testing.T) {
	env := newHandlerEnv(t)
	ri, err := env.svc.Create(context.Background(), baseInput())
	require.NoError(t, err)
	id := strconv.FormatInt(ri.ID, 10)

	rec := env.do(t, http.MethodPatch, "/recurring-invoices/"+id, `{"frequency":"QUARTERLY"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated RecurringInvoice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, FrequencyQuarterly, updated.Frequency)
	// Recomputed relative to the start date, not the request time.
	require.Equal(t, date(2026, time.January, 15), updated.NextRunAt)
}

func TestHandlerDisable(t *testing.T) {
	env := newHandlerEnv(t)
	ri, err := env.svc.Create(context.Background(), baseInput())
	require.NoError(t, err)
	id := strconv.FormatInt(ri.ID, 10)

	rec := env.do(t, http.MethodDelete, "/recurring-invoices/"+id, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Disabled schedules drop out of the default listing.
	rec = env.do(t, http.MethodGet, "/recurring-invoices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		RecurringInvoices []RecurringInvoice `json:"recurringInvoices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Empty(t, listing.RecurringInvoices)

	rec = env.do(t, http.MethodGet, "/recurring-invoices?includeDisabled=true", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.RecurringInvoices, 1)
	require.False(t, listing.RecurringInvoices[0].Enabled)
}

func TestHandlerListGeneratedInvoices(t *testing.T) {
	env := newHandlerEnv(t)
	_, err := env.svc.Create(context.Background(), baseInput())
	require.NoError(t, err)
	generated, err := env.svc.RunDue(context.Background(), date(2026, time.February, 1))
	require.NoError(t, err)
	require.Equal(t, 1, generated)

	rec := env.do(t, http.MethodGet, "/invoices?source=recurring", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Invoices []Invoice `json:"invoices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Invoices, 1)
	require.Equal(t, "RE-2026-00001", listing.Invoices[0].Number)
}

func TestHandlerGetNotFound(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(t, http.MethodGet, "/recurring-invoices/999", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
