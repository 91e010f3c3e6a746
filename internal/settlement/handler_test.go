package settlement

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
	*testEnv
	router http.Handler
	perms  *stubPermissions
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	env := newTestEnv(t)
	perms := &stubPermissions{granted: []string{
		shared.PermSettlementView,
		shared.PermSettlementEdit,
		shared.PermSettlementReview,
		shared.PermInvoicingEdit,
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, env.svc, rbac.Middleware{Service: perms, Logger: logger})
	r := chi.NewRouter()
	r.Route("/settlement-periods", h.MountRoutes)
	return &handlerEnv{testEnv: env, router: r, perms: perms}
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

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandlerCreatePeriod(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(t, http.MethodPost, "/settlement-periods", `{"parkId":10,"year":2026,"month":1,"periodType":"ADVANCE"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "OPEN", body["status"])
	require.NotEmpty(t, body["ref"])
}

func TestHandlerListPagination(t *testing.T) {
	env := newHandlerEnv(t)
	for month := 1; month <= 3; month++ {
		env.mustCreate(t, advanceInput(month))
	}

	rec := env.do(t, http.MethodGet, "/settlement-periods?page=1&perPage=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Len(t, body["periods"], 2)
	pagination := body["pagination"].(map[string]any)
	require.InDelta(t, 3.0, pagination["total"].(float64), 0.001)
	require.InDelta(t, 2.0, pagination["totalPages"].(float64), 0.001)

	rec = env.do(t, http.MethodGet, "/settlement-periods?page=2&perPage=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["periods"], 1)
}

func TestHandlerCreateValidation(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(t, http.MethodPost, "/settlement-periods", `{"parkId":10,"year":2026,"periodType":"WEEKLY"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/settlement-periods", `{"parkId":10`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerApprovalFlow(t *testing.T) {
	env := newHandlerEnv(t)
	period := env.mustCreate(t, advanceInput(1))
	id := strconv.FormatInt(period.ID, 10)

	rec := env.do(t, http.MethodPost, "/settlement-periods/"+id+"/calculate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	totals := body["totals"].(map[string]any)
	require.InDelta(t, 3500.0, totals["minimumRent"].(float64), 0.001)

	rec = env.do(t, http.MethodPatch, "/settlement-periods/"+id, `{"status":"PENDING_REVIEW"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/settlement-periods/"+id+"/approve", `{"action":"approve"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "APPROVED", decodeBody(t, rec)["status"])

	rec = env.do(t, http.MethodPost, "/settlement-periods/"+id+"/invoices", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, true, decodeBody(t, rec)["queued"])
	require.Equal(t, []int64{period.ID}, env.queue.enqueued)
}

func TestHandlerRejectRequiresNotes(t *testing.T) {
	env := newHandlerEnv(t)
	period := env.mustCreate(t, advanceInput(1))
	_, err := env.svc.Calculate(context.Background(), 1, period.ID)
	require.NoError(t, err)
	_, err = env.svc.SubmitForReview(context.Background(), 1, period.ID, 7)
	require.NoError(t, err)
	id := strconv.FormatInt(period.ID, 10)

	rec := env.do(t, http.MethodPost, "/settlement-periods/"+id+"/approve", `{"action":"reject","notes":"   "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/settlement-periods/"+id+"/approve", `{"action":"reject","notes":"missing revenue report"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "IN_PROGRESS", decodeBody(t, rec)["status"])
}

func TestHandlerPatchApproveRequiresReviewPermission(t *testing.T) {
	env := newHandlerEnv(t)
	period := env.mustCreate(t, advanceInput(1))
	_, err := env.svc.Calculate(context.Background(), 1, period.ID)
	require.NoError(t, err)
	_, err = env.svc.SubmitForReview(context.Background(), 1, period.ID, 7)
	require.NoError(t, err)
	id := strconv.FormatInt(period.ID, 10)

	// An editor without the review permission must not approve through the
	// generic status PATCH either.
	env.perms.granted = []string{shared.PermSettlementView, shared.PermSettlementEdit}
	rec := env.do(t, http.MethodPatch, "/settlement-periods/"+id, `{"status":"APPROVED"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	got, err := env.svc.Get(context.Background(), 1, period.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPendingReview, got.Period.Status)
	require.Nil(t, got.Period.ReviewedBy)

	env.perms.granted = append(env.perms.granted, shared.PermSettlementReview)
	rec = env.do(t, http.MethodPatch, "/settlement-periods/"+id, `{"status":"APPROVED"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "APPROVED", decodeBody(t, rec)["status"])
}

func TestHandlerIllegalTransition(t *testing.T) {
	env := newHandlerEnv(t)
	period := env.mustCreate(t, advanceInput(1))
	id := strconv.FormatInt(period.ID, 10)

	rec := env.do(t, http.MethodPatch, "/settlement-periods/"+id, `{"status":"APPROVED"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerNotFound(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(t, http.MethodGet, "/settlement-periods/999", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerPermissionDenied(t *testing.T) {
	env := newHandlerEnv(t)
	env.perms.granted = []string{shared.PermSettlementView}

	rec := env.do(t, http.MethodPost, "/settlement-periods", `{"parkId":10,"year":2026,"month":1,"periodType":"ADVANCE"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/settlement-periods", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerDelete(t *testing.T) {
	env := newHandlerEnv(t)
	period := env.mustCreate(t, advanceInput(1))
	id := strconv.FormatInt(period.ID, 10)

	rec := env.do(t, http.MethodDelete, "/settlement-periods/"+id, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/settlement-periods/"+id, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
