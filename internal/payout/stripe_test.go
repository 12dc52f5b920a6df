package payout

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStripeTest(t *testing.T, h http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStripeGatewayWithBackends("sk_test_123", TestBackends(srv.URL), "usd", logger)
}

func TestStripeGateway_CreateTransfer(t *testing.T) {
	var form url.Values
	var idemKey string
	g := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		idemKey = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"tr_123","object":"transfer","amount":8000,"currency":"usd",
			"created":1700000000,"destination":"acct_creator","source_transaction":"ch_1"}`)
	})

	tr, err := g.CreateTransfer(context.Background(), TransferRequest{
		Amount:         usd("80.00"),
		Destination:    "acct_creator",
		SourceCharge:   "ch_1",
		IdempotencyKey: "withdrawal_wd_1_1",
		Metadata:       map[string]string{"withdrawal_id": "wd_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_123", tr.ID)
	assert.Equal(t, "80.00", tr.Amount.String())
	assert.Equal(t, "acct_creator", tr.Destination)
	assert.Equal(t, "ch_1", tr.SourceCharge)

	assert.Equal(t, "8000", form.Get("amount"))
	assert.Equal(t, "usd", form.Get("currency"))
	assert.Equal(t, "acct_creator", form.Get("destination"))
	assert.Equal(t, "ch_1", form.Get("source_transaction"))
	assert.Equal(t, "wd_1", form.Get("metadata[withdrawal_id]"))
	assert.Equal(t, "withdrawal_wd_1_1", idemKey)
}

func TestStripeGateway_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
	}{
		{"declined", http.StatusPaymentRequired, `{"error":{"type":"invalid_request_error","code":"insufficient_funds","message":"Insufficient funds in platform balance"}}`, "insufficient_funds", false},
		{"server error", http.StatusInternalServerError, `{"error":{"type":"api_error","message":"internal"}}`, "", true},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"type":"invalid_request_error","code":"rate_limit","message":"slow down"}}`, "rate_limit", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := g.CreateTransfer(context.Background(), TransferRequest{Amount: usd("1.00"), Destination: "acct_1"})
			var ge *GatewayError
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, OpCreateTransfer, ge.Op)
			assert.Equal(t, tt.code, ge.Code)
			assert.Equal(t, tt.retryable, ge.Retryable)
		})
	}
}

func TestStripeGateway_ListRecentCharges(t *testing.T) {
	g := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/charges", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","url":"/v1/charges","has_more":false,"data":[
			{"id":"ch_2","object":"charge","amount":5000,"amount_refunded":0,"currency":"usd","created":1700000100},
			{"id":"ch_1","object":"charge","amount":20000,"amount_refunded":2000,"currency":"usd","created":1700000000,
			 "transfer_data":{"destination":"acct_creator"}}]}`)
	})

	charges, err := g.ListRecentCharges(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, charges, 2)
	assert.Equal(t, "ch_2", charges[0].ID)
	assert.Equal(t, "200.00", charges[1].Amount.String())
	assert.Equal(t, "20.00", charges[1].Refunded.String())
	assert.Equal(t, "acct_creator", charges[1].Destination)
}

func TestStripeGateway_RefundSendsReasonMetadata(t *testing.T) {
	var form url.Values
	g := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"re_1","object":"refund","amount":20000,"currency":"usd","charge":"ch_1"}`)
	})

	r, err := g.CreateRefund(context.Background(), RefundRequest{ChargeRef: "ch_1", Reason: "dispute"})
	require.NoError(t, err)
	assert.Equal(t, "re_1", r.ID)
	assert.Equal(t, "ch_1", form.Get("charge"))
	assert.Equal(t, "dispute", form.Get("metadata[reason]"))
	assert.Equal(t, "requested_by_customer", form.Get("reason"))
}
