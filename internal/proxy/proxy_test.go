package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"croxyrelay/config"
	"croxyrelay/internal/metrics"
	"croxyrelay/internal/router"
)

func newTestState(t *testing.T, upstreamURL string) *AppState {
	t.Helper()
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"up": {URL: upstreamURL},
		},
		Default: config.DefaultConfig{Provider: "up"},
	}
	r, err := router.FromConfig(cfg, nil, http.DefaultClient, nil)
	require.NoError(t, err)

	return &AppState{
		Router:      r,
		Client:      http.DefaultClient,
		Metrics:     metrics.New(time.Hour),
		MaxBodySize: 1 << 20,
	}
}

func TestHandleRequest_ForwardsAndRecordsSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"model":"rewritten"`)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	state := newTestState(t, upstream.URL)
	state.Router, _ = router.FromConfig(&config.Config{
		Providers: map[string]config.ProviderConfig{"up": {URL: upstream.URL}},
		Routes:    []config.RouteConfig{{Pattern: "^m", Provider: "up", ModelRewrite: "rewritten"}},
		Default:   config.DefaultConfig{Provider: "up"},
	}, nil, http.DefaultClient, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m1","messages":[]}`))
	rec := httptest.NewRecorder()

	state.HandleRequest(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)

	snapshot := state.Metrics.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "up", snapshot[0].Provider)
	assert.Equal(t, 200, snapshot[0].Status)
}

func TestHandleRequest_UpstreamUnreachableRecords502(t *testing.T) {
	state := newTestState(t, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m1"}`))
	rec := httptest.NewRecorder()

	state.HandleRequest(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)

	snapshot := state.Metrics.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, http.StatusBadGateway, snapshot[0].Status)
	assert.Contains(t, snapshot[0].ErrorBody, "HTTP 502")
}

func TestHandleRequest_UpstreamErrorStatusCapturesErrorBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer upstream.Close()

	state := newTestState(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m1"}`))
	rec := httptest.NewRecorder()

	state.HandleRequest(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	snapshot := state.Metrics.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Contains(t, snapshot[0].ErrorBody, "HTTP 401")
}

func TestHandleRequest_StubCountTokens(t *testing.T) {
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{"up": {URL: "http://unused", StubCountTokens: true}},
		Default:   config.DefaultConfig{Provider: "up"},
	}
	r, err := router.FromConfig(cfg, nil, http.DefaultClient, nil)
	require.NoError(t, err)

	state := &AppState{Router: r, Client: http.DefaultClient, Metrics: metrics.New(time.Hour), MaxBodySize: 1 << 20}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(`{"model":"m1"}`))
	rec := httptest.NewRecorder()

	state.HandleRequest(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"input_tokens":0}`, rec.Body.String())
	assert.Empty(t, state.Metrics.Snapshot())
}

func TestHandleRequest_BodyTooLarge(t *testing.T) {
	state := newTestState(t, "http://unused")
	state.MaxBodySize = 4

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m1"}`))
	rec := httptest.NewRecorder()

	state.HandleRequest(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuildForwardingHeaders_StripsAuthWhenConfigured(t *testing.T) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer secret")
	headers.Set("Connection", "keep-alive")
	headers.Set("Host", "example.com")
	headers.Set("Accept-Encoding", "gzip")

	route := router.ResolvedRoute{StripAuth: true, APIKey: "sk-upstream"}
	out := buildForwardingHeaders(headers, route, 10)

	assert.Empty(t, out.Get("Authorization"))
	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("Host"))
	assert.Empty(t, out.Get("Accept-Encoding"))
	assert.Equal(t, "sk-upstream", out.Get("x-api-key"))
	assert.Equal(t, "10", out.Get("Content-Length"))
}

func TestFilterResponseHeaders_DropsContentEncodingAndHopByHop(t *testing.T) {
	upstream := http.Header{}
	upstream.Set("Content-Type", "application/json")
	upstream.Set("Content-Encoding", "gzip")
	upstream.Set("Transfer-Encoding", "chunked")

	out := filterResponseHeaders(upstream)

	assert.Equal(t, "application/json", out.Get("Content-Type"))
	assert.Empty(t, out.Get("Content-Encoding"))
	assert.Empty(t, out.Get("Transfer-Encoding"))
}

func TestBuildForwardingHeaders_SkipsInvalidAPIKeyCharacters(t *testing.T) {
	headers := http.Header{}
	route := router.ResolvedRoute{APIKey: "bad\nkey"}

	out := buildForwardingHeaders(headers, route, 0)

	assert.Empty(t, out.Get("x-api-key"))
}

func TestPathAndQuery_PreservesQueryString(t *testing.T) {
	u, err := url.Parse("/v1/chat?stream=true")
	require.NoError(t, err)
	req := &http.Request{URL: u}
	assert.Equal(t, "/v1/chat?stream=true", pathAndQuery(req))
}
