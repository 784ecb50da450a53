package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeGateway(t *testing.T, handler http.HandlerFunc) *MidtransClient {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewMidtransClient(srv.URL, "server-key", 2*time.Second, nil)
}

func TestMidtransQueryStatus_Found(t *testing.T) {
	c := fakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "server-key", user)
		assert.Equal(t, "/v2/ORD-1/status", r.URL.Path)
		w.Write([]byte(`{"status_code":"200","transaction_status":"settlement","fraud_status":"accept",
			"transaction_id":"tx-9","payment_type":"qris","gross_amount":"300000.00",
			"transaction_time":"2025-03-01 19:00:00","order_id":"ORD-1"}`))
	})

	ts, err := c.QueryStatus(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "settlement", ts.EffectiveStatus())
	assert.Equal(t, "tx-9", ts.TransactionID)
	assert.Equal(t, "qris", ts.PaymentType)
	require.NotNil(t, ts.TransactionTime)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), ts.TransactionTime.UTC())
	assert.Contains(t, ts.Raw, "tx-9")
}

func TestMidtransQueryStatus_NotFound(t *testing.T) {
	c := fakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status_code":"404","status_message":"Transaction doesn't exist."}`))
	})
	_, err := c.QueryStatus(context.Background(), "ORD-404")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	c = fakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err = c.QueryStatus(context.Background(), "ORD-404")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestMidtransQueryStatus_Unavailable(t *testing.T) {
	c := fakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.QueryStatus(context.Background(), "ORD-1")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	c = fakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	_, err = c.QueryStatus(context.Background(), "ORD-1")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestMidtransQueryStatus_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewMidtransClient(srv.URL, "server-key", 50*time.Millisecond, nil)
	start := time.Now()
	_, err := c.QueryStatus(context.Background(), "ORD-1")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}
