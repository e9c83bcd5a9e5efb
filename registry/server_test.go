package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTP(t *testing.T, mutate func(*Config), opts ...Option) (*httptest.Server, *Service) {
	t.Helper()
	svc, _ := newTestService(t, mutate, opts...)
	ts := httptest.NewServer(NewServer(svc).Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func postRaw(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_RegisterResolve(t *testing.T) {
	ts, _ := newTestHTTP(t, nil)

	resp := postRaw(t, ts.URL+"/register", []byte("abc"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
	reg := decode[RegisterResponse](t, resp)
	assert.Len(t, reg.Code, DefaultCodeLength)
	assert.Equal(t, int64(DefaultTTL/time.Second), reg.ExpiresInSeconds)
	assert.NotEmpty(t, reg.OwnerToken)

	resp, err := http.Get(ts.URL + "/resolve/" + reg.Code)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("abc"), decode[ResolveResponse](t, resp).Ticket)
}

func TestServer_RegisterJSON(t *testing.T) {
	ts, _ := newTestHTTP(t, nil)

	body, err := json.Marshal(RegisterRequest{Ticket: []byte{0, 1, 2, 255}})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/register", "application/json; charset=utf-8", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reg := decode[RegisterResponse](t, resp)

	resp, err = http.Get(ts.URL + "/resolve/" + reg.Code)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, []byte{0, 1, 2, 255}, decode[ResolveResponse](t, resp).Ticket)
}

func TestServer_RegisterMalformedJSON(t *testing.T) {
	ts, _ := newTestHTTP(t, nil)

	resp, err := http.Post(ts.URL+"/register", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_PayloadBoundary(t *testing.T) {
	ts, _ := newTestHTTP(t, func(c *Config) { c.MaxTicketSize = 128 })

	resp := postRaw(t, ts.URL+"/register", bytes.Repeat([]byte{'x'}, 128))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postRaw(t, ts.URL+"/register", bytes.Repeat([]byte{'x'}, 129))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, resp).Error, "payload too large")

	resp = postRaw(t, ts.URL+"/register", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	postJSON := func(size int) *http.Response {
		body, err := json.MarshalIndent(RegisterRequest{Ticket: bytes.Repeat([]byte{'x'}, size)}, "  ", "        ")
		require.NoError(t, err)
		body = append(append([]byte("\n\n"), body...), "\n\n"...)
		resp, err := http.Post(ts.URL+"/register", "application/json; charset=utf-8", bytes.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, postJSON(128).StatusCode)
	assert.Equal(t, http.StatusRequestEntityTooLarge, postJSON(129).StatusCode)
}

func TestServer_ResolveErrors(t *testing.T) {
	ts, _ := newTestHTTP(t, nil)

	tests := []struct {
		code   string
		status int
	}{
		{"k3j9qz", http.StatusNotFound},
		{"k3j9q1", http.StatusBadRequest},
		{"abc", http.StatusBadRequest},
		{"kilo-three-juliet-nine-quebec-zulu", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/resolve/" + tt.code)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestServer_SingleUseHidesConsumed(t *testing.T) {
	ts, _ := newTestHTTP(t, func(c *Config) { c.SingleUse = true })

	reg := decode[RegisterResponse](t, postRaw(t, ts.URL+"/register", []byte("abc")))

	resp, err := http.Get(ts.URL + "/resolve/" + reg.Code)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/resolve/" + reg.Code)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrNotFound.Error(), decode[ErrorResponse](t, resp).Error)
}

func TestServer_RateLimited(t *testing.T) {
	ts, _ := newTestHTTP(t, func(c *Config) { c.RateLimit = 1 })

	resp := postRaw(t, ts.URL+"/register", []byte("abc"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postRaw(t, ts.URL+"/register", []byte("abc"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestServer_CodeSpaceExhausted(t *testing.T) {
	ts, _ := newTestHTTP(t, nil, WithGenerator(&seqGenerator{codes: []string{"aaaaaa"}}))

	resp := postRaw(t, ts.URL+"/register", []byte("abc"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postRaw(t, ts.URL+"/register", []byte("abc"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_AnswerFlow(t *testing.T) {
	ts, _ := newTestHTTP(t, nil)

	reg := decode[RegisterResponse](t, postRaw(t, ts.URL+"/register", []byte("offer")))

	// No answer before the code is resolved.
	resp := postRaw(t, ts.URL+"/answer/"+reg.Code, []byte("answer"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	getAnswer := func(token, wait string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/answer/"+reg.Code+"?wait="+wait, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusNoContent, getAnswer(reg.OwnerToken, "10ms").StatusCode)

	resp, err := http.Get(ts.URL + "/resolve/" + reg.Code)
	require.NoError(t, err)
	resp.Body.Close()

	resp = postRaw(t, ts.URL+"/answer/"+reg.Code, []byte("answer"))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = postRaw(t, ts.URL+"/answer/"+reg.Code, []byte("answer"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = getAnswer(reg.OwnerToken, "1s")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("answer"), decode[AnswerResponse](t, resp).Answer)

	assert.Equal(t, http.StatusNotFound, getAnswer("bogus", "1s").StatusCode)
	assert.Equal(t, http.StatusBadRequest, getAnswer(reg.OwnerToken, "soon").StatusCode)
}

func TestServer_AwaitAnswerChecksCodeFirst(t *testing.T) {
	ts, _ := newTestHTTP(t, nil)

	resp, err := http.Get(ts.URL + "/answer/!!!")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/answer/k3j9qz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	ts, _ := newTestHTTP(t, nil)

	postRaw(t, ts.URL+"/register", []byte("abc"))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Entries)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `beam_registry_registrations_total{result="ok"} 1`)
	assert.Contains(t, string(body), "beam_registry_entries 1")
}

func TestServer_MethodNotAllowed(t *testing.T) {
	ts, _ := newTestHTTP(t, nil)

	resp, err := http.Get(ts.URL + "/register")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_TrustProxySource(t *testing.T) {
	ts, _ := newTestHTTP(t, func(c *Config) {
		c.RateLimit = 1
		c.TrustProxy = true
	})

	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/register", strings.NewReader("abc"))
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d, 10.0.0.1", i))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "client %d", i)
	}
}

func TestServer_Lifecycle(t *testing.T) {
	svc, _ := newTestService(t, func(c *Config) { c.Addr = "127.0.0.1:0" })
	srv := NewServer(svc)
	require.NoError(t, srv.Start())

	base := "http://" + srv.Addr().String()

	resp, err := http.Get(base + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	reg := decode[RegisterResponse](t, postRaw(t, base+"/register", []byte("abc")))

	// A long-polling waiter must not hold up shutdown.
	waiter := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, base+"/answer/"+reg.Code+"?wait=30s", nil)
		req.Header.Set("Authorization", "Bearer "+reg.OwnerToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			waiter <- 0
			return
		}
		resp.Body.Close()
		waiter <- resp.StatusCode
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	select {
	case status := <-waiter:
		assert.Equal(t, http.StatusNoContent, status)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter still blocked after Stop")
	}

	_, err = http.Get(base + "/health")
	assert.Error(t, err)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	svc, _ := newTestService(t, func(c *Config) { c.Addr = "127.0.0.1:0" })
	srv := NewServer(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.ready.Load() }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, srv.ready.Load())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusFor(fmt.Errorf("wrapped: %w", ErrNotFound)))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(io.ErrUnexpectedEOF))
}
