package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/payments"
	"github.com/mbd888/escrowpay/internal/payout"
	"github.com/mbd888/escrowpay/internal/txlog"
	"github.com/mbd888/escrowpay/internal/withdrawals"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	handler := NewHandler(f.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1.Group(""))
	return r, f
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandler_FundProcessAndBalance(t *testing.T) {
	r, _ := setupHandlerTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/payments", map[string]any{
		"contractRef": "contract_1",
		"payerRef":    brand,
		"payeeRef":    creator,
		"gross":       "200.00",
		"fee":         "20.00",
		"holdPending": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	payment := decode(t, w)["payment"].(map[string]any)
	assert.Equal(t, "180.00", payment["net"])
	id := payment["id"].(string)

	w = doJSON(t, r, http.MethodPost, "/v1/payments/"+id+"/process", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decode(t, w)["payment"].(map[string]any)["status"])

	w = doJSON(t, r, http.MethodGet, "/v1/accounts/creator/"+creator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	acct := decode(t, w)["account"].(map[string]any)
	assert.Equal(t, "180.00", acct["available"])
	assert.Equal(t, "0.00", acct["pending"])
}

func TestHandler_AmountsSettleInLedgerCurrency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	methods, err := withdrawals.DefaultCatalog("eur")
	require.NoError(t, err)
	l := ledger.New(ledger.NewMemoryStore("eur"), "eur")
	svc := NewService(Deps{
		Ledger:      l,
		Payments:    payments.NewMemoryStore(),
		Withdrawals: withdrawals.NewMemoryStore(),
		TxLog:       txlog.NewMemoryStore(),
		Methods:     methods,
		Gateway:     payout.NewMemoryGateway("eur"),
	}, testConfig())
	handler := NewHandler(svc)
	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1.Group(""))

	w := doJSON(t, r, http.MethodPost, "/v1/payments", map[string]any{
		"contractRef": "contract_1",
		"payerRef":    brand,
		"payeeRef":    creator,
		"gross":       "200.00",
		"fee":         "20.00",
		"holdPending": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["payment"].(map[string]any)["id"].(string)

	w = doJSON(t, r, http.MethodPost, "/v1/payments/"+id+"/process", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decode(t, w)["payment"].(map[string]any)["status"])

	acct, err := l.Balance(context.Background(), creator, ledger.RoleCreator)
	require.NoError(t, err)
	assert.Equal(t, "eur", acct.Available.Currency())
	assert.Equal(t, "180.00", acct.Available.String())
}

func TestHandler_RejectsNumericAmounts(t *testing.T) {
	r, _ := setupHandlerTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/v1/payments", map[string]any{
		"contractRef": "contract_1",
		"payerRef":    brand,
		"payeeRef":    creator,
		"gross":       200.0,
		"fee":         "0.00",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["error"])
}

func TestHandler_ValidationError(t *testing.T) {
	r, _ := setupHandlerTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/v1/payments", map[string]any{
		"contractRef": "",
		"payerRef":    brand,
		"payeeRef":    creator,
		"gross":       "200.00",
		"fee":         "0.00",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode(t, w)["error"])
}

func TestHandler_NotFound(t *testing.T) {
	r, _ := setupHandlerTestRouter(t)
	for _, path := range []string{"/v1/payments/pay_missing", "/v1/withdrawals/wd_missing"} {
		w := doJSON(t, r, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestHandler_InvalidRole(t *testing.T) {
	r, _ := setupHandlerTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/accounts/admin/someone", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_role", decode(t, w)["error"])
}

func TestHandler_InsufficientFundsConflict(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	f.fundAndRelease(t, "contract_1")
	w := doJSON(t, r, http.MethodPost, "/v1/withdrawals", map[string]any{
		"payeeRef": creator,
		"amount":   "500.00",
		"method":   "stripe_connect_standard",
		"details":  map[string]string{"accountId": "acct_creator1"},
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "insufficient_funds", body["error"])
	assert.Equal(t, "available", body["bucket"])
}

func TestHandler_WithdrawalLifecycle(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	f.fundAndRelease(t, "contract_1")

	w := doJSON(t, r, http.MethodPost, "/v1/withdrawals", map[string]any{
		"payeeRef": creator,
		"amount":   "80.00",
		"method":   "stripe_connect_standard",
		"details":  map[string]string{"accountId": "acct_creator1"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["withdrawal"].(map[string]any)["id"].(string)

	w = doJSON(t, r, http.MethodPost, "/v1/withdrawals/"+id+"/cancel", map[string]string{"reason": "wrong account"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cancelled", decode(t, w)["withdrawal"].(map[string]any)["status"])

	w = doJSON(t, r, http.MethodPost, "/v1/withdrawals/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state_transition", decode(t, w)["error"])

	f.assertBalance(t, creator, "creator", "180.00", "0.00")
}

func TestHandler_RefundRequiresReason(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	p := f.fundAndRelease(t, "contract_1")

	w := doJSON(t, r, http.MethodPost, "/v1/payments/"+p.ID+"/refund", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/payments/"+p.ID+"/refund", map[string]string{"reason": "dispute"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "refunded", decode(t, w)["payment"].(map[string]any)["status"])
}

func TestHandler_GatewayErrorIsBadGateway(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	f.gw.AddCharge("ch_1", usd("200.00"), "")
	p := f.fund(t, "contract_1", FundRequest{ChargeRef: "ch_1", HoldPending: true})
	_, err := f.svc.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)

	f.gw.FailNext(payout.OpCreateRefund, &payout.GatewayError{Op: payout.OpCreateRefund, Code: "charge_disputed", Reason: "charge is disputed"})
	w := doJSON(t, r, http.MethodPost, "/v1/payments/"+p.ID+"/refund", map[string]string{"reason": "dispute"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, "charge_disputed", body["code"])
}

func TestHandler_ReconcileDryRunAndApply(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	f.fundAndRelease(t, "contract_1")
	require.NoError(t, f.ledger.Credit(context.Background(), creator, "creator", usd("5.00")))

	w := doJSON(t, r, http.MethodPost, "/v1/accounts/creator/"+creator+"/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["drift"].(map[string]any)["changed"])
	f.assertBalance(t, creator, "creator", "185.00", "0.00")

	w = doJSON(t, r, http.MethodPost, "/v1/accounts/creator/"+creator+"/reconcile?apply=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f.assertBalance(t, creator, "creator", "180.00", "0.00")
}

func TestHandler_ListMethods(t *testing.T) {
	r, _ := setupHandlerTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/withdrawal-methods", nil)
	require.Equal(t, http.StatusOK, w.Code)
	methods := decode(t, w)["methods"].([]any)
	assert.Len(t, methods, 4)
}
