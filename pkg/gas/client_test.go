package gas

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc, opts ...Option) (*httptest.Server, Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithUserAgent("diagnosis-test/1.0"), WithOrigin("https://diagnosis.example.com")}, opts...)
	c := NewClient(srv.URL+"/exec", opts...)
	return srv, c
}

func TestStatus_Success(t *testing.T) {
	var calls atomic.Int32
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "diagnosis-test/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "https://diagnosis.example.com", r.Header.Get("Origin"))
		assert.Equal(t, "DX-1", r.Header.Get("X-Correlation-ID"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "getProgress", body["action"])
		assert.Equal(t, "DX-1", body["jobId"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"message":"ok","jobId":"DX-1","status":"processing"}`))
	})

	resp, err := c.Status(context.Background(), "DX-1")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.IsDegraded)
	assert.Equal(t, "DX-1", resp.JobID)
	assert.Equal(t, "ok", resp.Message)
	assert.JSONEq(t, `{"success":true,"message":"ok","jobId":"DX-1","status":"processing"}`, string(resp.RawPayload))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmit_BodyCarriesJobID(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "submitDiagnosis", body["action"])
		assert.Equal(t, "DX-42", body["jobId"])
		assert.Equal(t, "Acme", body["companyName"])
		w.Write([]byte(`{"success":true}`))
	})

	resp, err := c.Submit(context.Background(), SubmitRequest{JobID: "DX-42", Company: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "DX-42", resp.JobID, "job id falls back to the request id")
}

func TestStatus_FollowsRedirects(t *testing.T) {
	var hops atomic.Int32
	var srv *httptest.Server
	srv, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/exec":
			http.Redirect(w, r, srv.URL+"/hop1", http.StatusFound)
		case "/hop1":
			hops.Add(1)
			assert.Equal(t, "diagnosis-test/1.0", r.Header.Get("User-Agent"))
			http.Redirect(w, r, srv.URL+"/echo", http.StatusFound)
		case "/echo":
			hops.Add(1)
			w.Write([]byte(`{"success":true,"jobId":"DX-9"}`))
		}
	})

	resp, err := c.Status(context.Background(), "DX-9")
	require.NoError(t, err)
	assert.Equal(t, "DX-9", resp.JobID)
	assert.Equal(t, int32(2), hops.Load())
}

func TestStatus_TooManyRedirects(t *testing.T) {
	var requests atomic.Int32
	var srv *httptest.Server
	srv, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Redirect(w, r, srv.URL+"/loop", http.StatusFound)
	}, WithMaxRedirects(3))

	resp, err := c.Status(context.Background(), "DX-loop")
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, errors.Is(err, ErrTooManyRedirects), "got %v", err)
	// Initial request plus three followed redirects.
	assert.Equal(t, int32(4), requests.Load())
}

func TestStatus_TimeoutIsDegradedSuccess(t *testing.T) {
	release := make(chan struct{})
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithTimeout(50*time.Millisecond), WithClock(func() time.Time { return time.UnixMilli(1700000000000) }))
	defer close(release)

	resp, err := c.Status(context.Background(), "DX-slow")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, resp.IsDegraded)
	assert.Equal(t, "TIMEOUT-1700000000000", resp.JobID)
	assert.True(t, strings.Contains(resp.JobID, "TIMEOUT"))
	assert.Greater(t, resp.EstimatedTimeRemaining, time.Duration(0))
}

func TestStatus_ServerErrorIsDegradedSuccess(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
			})

			resp, err := c.Status(context.Background(), "DX-busy")
			require.NoError(t, err)
			assert.True(t, resp.Success)
			assert.True(t, resp.IsDegraded)
			assert.Equal(t, status, resp.StatusCode)
			assert.Greater(t, resp.EstimatedTimeRemaining, time.Duration(0))
			assert.Equal(t, int32(1), calls.Load(), "no internal retry")
		})
	}
}

func TestStatus_ClientErrorIsHardFailure(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"forbidden"}`))
	})

	resp, err := c.Status(context.Background(), "DX-denied")
	require.Error(t, err)
	assert.Nil(t, resp)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "forbidden")
}

func TestStatus_RemoteReportsFailure(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":"unknown job"}`))
	})

	_, err := c.Status(context.Background(), "DX-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
}

func TestStatus_NonJSONBody(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>Sign in</html>`))
	})

	_, err := c.Status(context.Background(), "DX-html")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestRecord(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "recordSubmission", body["action"])
		assert.Equal(t, "high", body["risk"])
		w.Write([]byte(`{"success":true}`))
	})

	err := c.Record(context.Background(), Record{JobID: "DX-1", Risk: "high"})
	require.NoError(t, err)
}
