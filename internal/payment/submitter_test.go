package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSubmitterSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var o Order
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&o))
		assert.Equal(t, "https://api.example.com/data", o.Endpoint)
		assert.Equal(t, "0.01 SOL", o.Amount)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"signature":"4vJ9"}`))
	}))
	defer srv.Close()

	sub, err := NewHTTPSubmitter(HTTPSubmitterConfig{URL: srv.URL, Token: "secret"}, nil)
	require.NoError(t, err)

	receipt, err := sub.Submit(context.Background(), Order{Endpoint: "https://api.example.com/data", Amount: "0.01 SOL"})
	require.NoError(t, err)
	assert.Equal(t, "4vJ9", receipt.TxRef)
}

func TestHTTPSubmitterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"insufficient balance"}`))
	}))
	defer srv.Close()

	sub, err := NewHTTPSubmitter(HTTPSubmitterConfig{URL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = sub.Submit(context.Background(), Order{Endpoint: "https://a.test", Amount: "1"})
	var se *SubmissionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusPaymentRequired, se.StatusCode)
	assert.Contains(t, se.Error(), "insufficient balance")
}

func TestHTTPSubmitterClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sub, err := NewHTTPSubmitter(HTTPSubmitterConfig{URL: srv.URL, MaxFailures: 2}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := sub.Submit(context.Background(), Order{Endpoint: "https://a.test", Amount: "1"})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, sub.State())
}

func TestHTTPSubmitterOpensCircuit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sub, err := NewHTTPSubmitter(HTTPSubmitterConfig{URL: srv.URL, MaxFailures: 2, OpenTimeout: time.Minute}, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := sub.Submit(context.Background(), Order{Endpoint: "https://a.test", Amount: "1"})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, sub.State())

	_, err = sub.Submit(context.Background(), Order{Endpoint: "https://a.test", Amount: "1"})
	var se *SubmissionError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Error(), "circuit open")
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPSubmitterRequiresURL(t *testing.T) {
	_, err := NewHTTPSubmitter(HTTPSubmitterConfig{}, nil)
	assert.Error(t, err)
}

func TestUnconfiguredSubmitterFails(t *testing.T) {
	f, _ := newTestFlow(Unconfigured{})
	req, _ := f.Detect("https://api.example.com/a", "1 SOL")

	thread, err := f.Approve(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Contains(t, thread.Error, "not configured")
}
