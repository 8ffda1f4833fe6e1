// Package proxy implements the catch-all forwarding pipeline: it resolves a
// route for the inbound request, rewrites the model field if configured,
// forwards the request upstream, and streams the response back while
// recording a metrics record for every forwarding attempt. Requests answered
// locally (rejected bodies, stubbed count_tokens) are not recorded.
package proxy

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/net/http/httpguts"

	"croxyrelay/internal/metrics"
	"croxyrelay/internal/router"
)

// hopByHopHeaders are stripped from both the forwarded request and the
// returned response; they describe the connection itself, not the payload.
var hopByHopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// AppState holds everything the forwarding pipeline needs per request.
type AppState struct {
	Router      *router.Router
	Client      *http.Client
	Metrics     *metrics.Store
	MaxBodySize int64
}

// HandleRequest implements the catch-all proxy handler as a plain
// net/http.HandlerFunc so it can be mounted under Echo's echo.WrapHandler
// or served directly.
func (s *AppState) HandleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	wallClock := start

	bodyBytes, err := readCappedRequestBody(r.Body, s.MaxBodySize)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
		return
	}

	var model string
	var messages []router.Message
	if len(bodyBytes) > 0 {
		if !gjson.ValidBytes(bodyBytes) {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		model = gjson.GetBytes(bodyBytes, "model").String()
		messages = extractMessages(bodyBytes)
	}

	route := s.Router.Resolve(r.Context(), model, messages)

	if strings.Contains(r.URL.Path, "/count_tokens") && route.StubCountTokens {
		writeStubCountTokens(w)
		return
	}

	slog.Info("routing request",
		"model", model,
		"provider", route.ProviderURL,
		"rewrite", route.ModelRewrite,
		"path", r.URL.Path,
		"estimated_tokens", EstimateTokens(len(bodyBytes)),
	)

	finalBody, err := rewriteModelInBody(bodyBytes, route.ModelRewrite)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to serialize body: %v", err), http.StatusInternalServerError)
		return
	}

	url := strings.TrimRight(route.ProviderURL, "/") + pathAndQuery(r)
	headers := buildForwardingHeaders(r.Header, route, len(finalBody))

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(finalBody))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to build upstream request: %v", err), http.StatusInternalServerError)
		return
	}
	upstreamReq.Header = headers

	slog.Debug("forwarding to provider", "url", url)
	logOutgoingHeaders(headers)

	upstreamResp, err := s.Client.Do(upstreamReq)
	if err != nil {
		slog.Error("provider request failed", "url", url, "error", err)
		reason := fmt.Sprintf("provider unreachable: %v", err)
		record := metrics.RequestRecord{
			MonoTS: start, WallTS: wallClock, Model: model, Provider: route.ProviderName,
			RoutingMethod: route.RoutingMethod, Status: http.StatusBadGateway, Duration: time.Since(start),
			InputTokens: EstimateTokens(len(bodyBytes)), ErrorBody: fmt.Sprintf("HTTP %d (%d bytes)", http.StatusBadGateway, len(reason)),
		}
		s.Metrics.Record(record)
		http.Error(w, reason, http.StatusBadGateway)
		return
	}
	defer upstreamResp.Body.Close()

	slog.Info("provider responded", "status", upstreamResp.StatusCode, "url", url)

	inputTokens := parseTokenHeader(upstreamResp.Header, "X-Usage-Input-Tokens", EstimateTokens(len(bodyBytes)))
	outputTokens := parseTokenHeader(upstreamResp.Header, "X-Usage-Output-Tokens", 0)

	responseHeaders := filterResponseHeaders(upstreamResp.Header)

	baseRecord := metrics.RequestRecord{
		MonoTS: start, WallTS: wallClock, Model: model, Provider: route.ProviderName,
		RoutingMethod: route.RoutingMethod, Status: upstreamResp.StatusCode, Duration: time.Since(start),
		InputTokens: inputTokens, OutputTokens: outputTokens,
	}

	if upstreamResp.StatusCode >= 400 {
		handleErrorResponse(w, upstreamResp, s.MaxBodySize, responseHeaders, baseRecord, s.Metrics)
		return
	}

	recordID := s.Metrics.RecordPending(baseRecord)
	streamResponse(w, upstreamResp, responseHeaders, recordID, outputTokens, start, s.Metrics)
}

func pathAndQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

func readCappedRequestBody(body io.ReadCloser, maxSize int64) ([]byte, error) {
	limited := io.LimitReader(body, maxSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("body exceeds maximum of %d bytes", maxSize)
	}
	return data, nil
}

func extractMessages(body []byte) []router.Message {
	result := gjson.GetBytes(body, "messages")
	if !result.IsArray() {
		return nil
	}
	var messages []router.Message
	result.ForEach(func(_, value gjson.Result) bool {
		messages = append(messages, router.Message{
			Role:    value.Get("role").String(),
			Content: value.Get("content").String(),
		})
		return true
	})
	return messages
}

func rewriteModelInBody(body []byte, newModel string) ([]byte, error) {
	if newModel == "" || len(body) == 0 {
		return body, nil
	}
	return sjson.SetBytes(body, "model", newModel)
}

func writeStubCountTokens(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"input_tokens":0}`))
}

func isHopByHop(header string) bool {
	return hopByHopHeaders[strings.ToLower(header)]
}

// buildForwardingHeaders copies the inbound headers, drops hop-by-hop and
// Host, strips Authorization/x-api-key when the route calls for it,
// installs the route's own api key, sets Content-Length for the rewritten
// body, and strips Accept-Encoding so the provider can't compress the
// response out from under the streaming passthrough.
func buildForwardingHeaders(original http.Header, route router.ResolvedRoute, bodyLen int) http.Header {
	headers := make(http.Header, len(original))
	for key, values := range original {
		if strings.EqualFold(key, "Host") || isHopByHop(key) {
			continue
		}
		if route.StripAuth && (strings.EqualFold(key, "Authorization") || strings.EqualFold(key, "x-api-key")) {
			continue
		}
		headers[key] = values
	}

	if route.APIKey != "" {
		if httpguts.ValidHeaderFieldValue(route.APIKey) {
			headers.Set("x-api-key", route.APIKey)
		} else {
			slog.Warn("skipping api key injection: invalid header value characters", "provider", route.ProviderName)
		}
	}

	if bodyLen > 0 {
		headers.Set("Content-Length", strconv.Itoa(bodyLen))
	}

	headers.Del("Accept-Encoding")
	return headers
}

// sensitiveHeaders are logged as [REDACTED] in the outgoing-header debug dump.
var sensitiveHeaders = map[string]bool{
	"x-api-key":           true,
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
}

func logOutgoingHeaders(headers http.Header) {
	for key, values := range headers {
		if sensitiveHeaders[strings.ToLower(key)] {
			slog.Debug("outgoing header", "header", key, "value", "[REDACTED]")
			continue
		}
		for _, v := range values {
			slog.Debug("outgoing header", "header", key, "value", v)
		}
	}
}

func filterResponseHeaders(upstream http.Header) http.Header {
	headers := make(http.Header, len(upstream))
	for key, values := range upstream {
		if isHopByHop(key) || strings.EqualFold(key, "Content-Encoding") {
			continue
		}
		headers[key] = values
	}
	return headers
}

func parseTokenHeader(headers http.Header, name string, fallback uint64) uint64 {
	raw := headers.Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func handleErrorResponse(w http.ResponseWriter, upstream *http.Response, maxBodySize int64, headers http.Header, record metrics.RequestRecord, store *metrics.Store) {
	errorBytes := readCappedBody(upstream.Body, maxBodySize)
	record.ErrorBody = fmt.Sprintf("HTTP %d (%d bytes)", upstream.StatusCode, len(errorBytes))
	store.Record(record)

	copyHeaders(w.Header(), headers)
	w.Header().Set("Content-Length", strconv.Itoa(len(errorBytes)))
	w.WriteHeader(upstream.StatusCode)
	_, _ = w.Write(errorBytes)
}

func readCappedBody(body io.Reader, maxSize int64) []byte {
	limited := io.LimitReader(body, maxSize)
	data, _ := io.ReadAll(limited)
	return data
}

// streamingReader counts bytes as they pass through, so the caller can
// estimate output tokens when the upstream didn't report a usage header.
type streamingReader struct {
	io.Reader
	bytesRead uint64
}

func (s *streamingReader) Read(p []byte) (int, error) {
	n, err := s.Reader.Read(p)
	s.bytesRead += uint64(n)
	return n, err
}

// streamResponse copies the upstream body to the client as it arrives, then
// finalizes the pending metrics record once the copy completes (on success,
// client disconnect, or upstream EOF alike).
func streamResponse(w http.ResponseWriter, upstream *http.Response, headers http.Header, recordID uint64, headerOutputTokens uint64, start time.Time, store *metrics.Store) {
	copyHeaders(w.Header(), headers)
	w.WriteHeader(upstream.StatusCode)

	counted := &streamingReader{Reader: upstream.Body}
	if flusher, ok := w.(http.Flusher); ok {
		_, _ = io.Copy(flushWriter{w: w, flusher: flusher}, counted)
	} else {
		_, _ = io.Copy(w, counted)
	}

	estimated := headerOutputTokens
	if estimated == 0 {
		estimated = EstimateTokens(int(counted.bytesRead))
	}
	store.FinalizeStream(recordID, estimated, time.Since(start))
}

type flushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.flusher.Flush()
	return n, err
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// EstimateTokens exposes the same body_len/4 heuristic used for the initial
// routing log line and the request-side input token fallback.
func EstimateTokens(bodyLen int) uint64 {
	return uint64(bodyLen / 4)
}
