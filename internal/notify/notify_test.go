package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWebhookNotifier_SignsAndRetries(t *testing.T) {
	var attempts atomic.Int32
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, string(WithdrawalFailed), r.Header.Get(HeaderEvent))
		assert.Equal(t, Sign(body, "whsec"), r.Header.Get(HeaderSignature))
		assert.NotEmpty(t, r.Header.Get(HeaderTimestamp))
		var e Event
		assert.NoError(t, json.Unmarshal(body, &e))
		received <- e
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "whsec", discard()).WithRetry(3, time.Millisecond)
	n.Notify(context.Background(), WithdrawalFailed, "creator_1", map[string]string{"withdrawalId": "wd_1", "reason": "declined"})
	n.Wait()

	require.Len(t, received, 1)
	e := <-received
	assert.Equal(t, "creator_1", e.OwnerRef)
	assert.Equal(t, "declined", e.Payload["reason"])
	assert.Equal(t, int32(2), attempts.Load())
}

func TestWebhookNotifier_ClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", discard()).WithRetry(5, time.Millisecond)
	n.Notify(context.Background(), PaymentFailed, "brand_1", nil)
	n.Wait()
	assert.Equal(t, int32(1), attempts.Load())
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, nil, b, Nop{}, NewLogNotifier(discard())}
	payload := map[string]string{"paymentId": "pay_1"}
	m.Notify(context.Background(), PaymentCompleted, "creator_1", payload)
	payload["paymentId"] = "mutated"

	assert.Equal(t, 1, a.Count(PaymentCompleted))
	assert.Equal(t, 1, b.Count(PaymentCompleted))
	assert.Equal(t, 0, a.Count(PaymentFailed))
	assert.Equal(t, "pay_1", a.Events()[0].Payload["paymentId"])
}
