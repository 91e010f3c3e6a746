package billing

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
	svc    *Service
	router http.Handler
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	svc, _, _ := newBillingEnv()
	perms := &stubPermissions{granted: []string{shared.PermBillingView, shared.PermBillingEdit}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, svc, rbac.Middleware{Service: perms, Logger: logger})
	r := chi.NewRouter()
	r.Route("/stakeholders", h.MountStakeholderRoutes)
	r.Route("/management-billing", h.MountBillingRoutes)
	return &handlerEnv{svc: svc, router: r}
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

func TestHandlerCreateStakeholder(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(t, http.MethodPost, "/stakeholders", `{"parkId":10,"name":"Nordwind BF GmbH","role":"COMMERCIAL_BF","feePercent":2.5,"billingEnabled":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var st Stakeholder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, RoleCommercialBF, st.Role)
	require.Equal(t, 2.5, st.FeePercent)
}

func TestHandlerCreateStakeholderRejectsBFWithoutFee(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(t, http.MethodPost, "/stakeholders", `{"parkId":10,"name":"Nordwind BF GmbH","role":"COMMERCIAL_BF","feePercent":0,"billingEnabled":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/stakeholders", `{"parkId":10,"name":"Netz Nord","role":"UTILITY","feePercent":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerChangeFee(t *testing.T) {
	env := newHandlerEnv(t)
	st, err := env.svc.CreateStakeholder(context.Background(), stakeholderInput())
	require.NoError(t, err)
	id := strconv.FormatInt(st.ID, 10)

	rec := env.do(t, http.MethodPost, "/stakeholders/"+id+"/fee-history", `{"feePercent":3.0,"validFrom":"2026-07-01","reason":"contract renewal"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated Stakeholder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, 3.0, updated.FeePercent)

	rec = env.do(t, http.MethodGet, "/stakeholders/"+id+"/fee-history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		FeeHistory []FeeHistoryEntry `json:"feeHistory"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.FeeHistory, 2)
}

func TestHandlerCalculateBilling(t *testing.T) {
	env := newHandlerEnv(t)
	st, err := env.svc.CreateStakeholder(context.Background(), stakeholderInput())
	require.NoError(t, err)
	id := strconv.FormatInt(st.ID, 10)

	body := `{"stakeholderId":` + id + `,"year":2026}`
	rec := env.do(t, http.MethodPost, "/management-billing/billings", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var billing ManagementBilling
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &billing))
	require.InDelta(t, 2500.0, billing.FeeNet, 0.001)
	require.InDelta(t, 2975.0, billing.FeeGross, 0.001)
	require.Len(t, billing.Breakdown, 2)

	// A second run for the same period conflicts.
	rec = env.do(t, http.MethodPost, "/management-billing/billings", body)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerCalculateBillingUnknownStakeholder(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(t, http.MethodPost, "/management-billing/billings", `{"stakeholderId":999,"year":2026}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
