package pager

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"akidetect/pkg/logging"
	"akidetect/pkg/monitoring"
)

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := New(addr, logging.NewLogger(), monitoring.NewMetrics("test", "dev", "none"),
		WithRetryDelay(10*time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare host and port", "pager:8441", "http://pager:8441/page"},
		{"scheme without path", "http://pager:8441", "http://pager:8441/page"},
		{"already complete", "http://pager:8441/page", "http://pager:8441/page"},
		{"https preserved", "https://pager.example.com/page", "https://pager.example.com/page"},
		{"trailing slash", "http://pager:8441/", "http://pager:8441/page"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeAddress(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := normalizeAddress("")
	assert.Error(t, err)
}

func TestNotifySuccess(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	outcome := c.Notify(context.Background(), "1001", "20250205123000")

	assert.Equal(t, Success, outcome)
	assert.Equal(t, "1001,20250205123000", gotBody.Load())
}

func TestNotifyTransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	outcome := c.Notify(context.Background(), "1001", "20250205123000")

	assert.Equal(t, Success, outcome)
	assert.Equal(t, int32(2), calls.Load(), "expected exactly two POSTs")
}

func TestNotifyDroppedAfterSecondTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	outcome := c.Notify(context.Background(), "1001", "20250205123000")

	assert.Equal(t, TransientFailure, outcome)
	assert.Equal(t, int32(2), calls.Load(), "retry budget is exactly one")
}

func TestNotifyPermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	outcome := c.Notify(context.Background(), "1001", "20250205123000")

	assert.Equal(t, PermanentFailure, outcome)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNotifyNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := newTestClient(t, srv.URL)
	outcome := c.Notify(context.Background(), "1001", "20250205123000")

	assert.Equal(t, TransientFailure, outcome)
}

func TestNotifyTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release // outlive the 200 ms client timeout
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL)
	outcome := c.Notify(context.Background(), "1001", "20250205123000")

	assert.Equal(t, TransientFailure, outcome)
}

func TestNotifyObservesCancellationDuringRetryDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(srv.URL, logging.NewLogger(), monitoring.NewMetrics("test", "dev", "none"),
		WithRetryDelay(10*time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan Outcome, 1)
	go func() { done <- c.Notify(ctx, "1001", "20250205123000") }()

	select {
	case outcome := <-done:
		assert.Equal(t, TransientFailure, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("Notify did not observe cancellation during the retry delay")
	}
}
