// Package autoclassifier implements the LLM-based "auto" routing fallback:
// it asks a configured chat-completion endpoint to pick a route name out of
// the configured candidates, with a decision cache in front of it.
package autoclassifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"croxyrelay/internal/cache"
	"croxyrelay/internal/router"
)

const taskInstruction = `You are a helpful assistant designed to find the best suited route.
You are provided with route description within <routes></routes> XML tags:
<routes>

%s

</routes>

<conversation>

%s

</conversation>
`

const formatPrompt = `Your task is to decide which route is best suit with user intent on the conversation in <conversation></conversation> XML tags.  Follow the instruction:
1. If the latest intent from user is irrelevant or user intent is full filled, response with other route {"route": "other"}.
2. You must analyze the route descriptions and find the best match route for user latest intent.
3. You only response the name of the route that best matches the user's request, use the exact name in the <routes></routes>.

Based on your analysis, provide your response in the following JSON formats if you decide to match any route:
{"route": "route_name"}
`

var routeJSONPattern = regexp.MustCompile(`\{"route"\s*:\s*"([^"]+)"\}`)

// Config configures one classify call.
type Config struct {
	URL       string
	Model     string
	TimeoutMs int
}

// Classifier classifies "auto" requests against a chat-completion endpoint,
// caching decisions so identical conversations skip the round trip.
type Classifier struct {
	cfg   Config
	cache cache.Cache
	ttl   time.Duration
}

// New builds a Classifier. cache may be nil to disable decision caching.
func New(cfg Config, decisionCache cache.Cache, ttl time.Duration) *Classifier {
	return &Classifier{cfg: cfg, cache: decisionCache, ttl: ttl}
}

// Classify implements router.Classifier. It returns (name, true) when a
// route was chosen, (_, false) on any failure or "other" response, in which
// case the caller falls through to its pattern and default routes.
func (c *Classifier) Classify(ctx context.Context, client *http.Client, candidates []router.RouteCandidate, messages []router.Message) (string, bool) {
	if len(candidates) == 0 || len(messages) == 0 {
		return "", false
	}

	key := cacheKey(candidates, messages)
	if c.cache != nil {
		if decision, hit, err := c.cache.Get(ctx, key); err == nil && hit {
			return decision.Route, decision.Route != ""
		}
	}

	name, ok := c.classifyUncached(ctx, client, candidates, messages)

	if c.cache != nil {
		route := ""
		if ok {
			route = name
		}
		_ = c.cache.Set(ctx, key, cache.Decision{Route: route, ExpiresAt: time.Now().Add(c.ttl)}, c.ttl)
	}

	return name, ok
}

func (c *Classifier) classifyUncached(ctx context.Context, client *http.Client, candidates []router.RouteCandidate, messages []router.Message) (string, bool) {
	prompt := buildPrompt(candidates, messages)
	validNames := make(map[string]bool, len(candidates))
	for _, r := range candidates {
		validNames[r.Name] = true
	}

	body, err := buildRequestBody(c.cfg.Model, prompt)
	if err != nil {
		slog.Warn("auto-router request encode failed", "error", err)
		return "", false
	}

	timeout := time.Duration(c.cfg.TimeoutMs) * time.Millisecond
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("auto-router request build failed", "error", err)
		return "", false
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Info("auto-routing request", "route_count", len(candidates), "model", c.cfg.Model)

	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("auto-router request failed, falling through to default", "error", err)
		return "", false
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		slog.Warn("auto-router response read failed, falling through to default", "error", err)
		return "", false
	}

	content := gjson.GetBytes(respBody, "choices.0.message.content").String()
	if content == "" {
		slog.Warn("auto-router returned no content, falling through to default")
		return "", false
	}

	name, ok := parseRouteName(content, validNames)
	if ok {
		slog.Info("auto-router selected route", "route", name)
	} else {
		slog.Warn("auto-router returned no match, falling through to default", "response", content)
	}
	return name, ok
}

func buildRequestBody(model, prompt string) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	body, err = sjson.SetBytes(body, "model", model)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "messages.0.role", "user")
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "messages.0.content", prompt)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "max_tokens", 64)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "temperature", 0.0)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "response_format.type", "json_object")
	if err != nil {
		return nil, err
	}
	return body, nil
}

func buildPrompt(candidates []router.RouteCandidate, messages []router.Message) string {
	type routeDef struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	defs := make([]routeDef, len(candidates))
	for i, r := range candidates {
		defs[i] = routeDef{Name: r.Name, Description: r.Description}
	}
	routesJSON, _ := json.Marshal(defs)

	type turn struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	var turns []turn
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		turns = append(turns, turn{Role: m.Role, Content: m.Content})
	}
	conversationJSON, _ := json.Marshal(turns)

	return fmt.Sprintf(taskInstruction, routesJSON, conversationJSON) + formatPrompt
}

// parseRouteName tries a clean JSON decode first, then falls back to
// regex extraction for responses with surrounding prose.
func parseRouteName(text string, validNames map[string]bool) (string, bool) {
	trimmed := bytes.TrimSpace([]byte(text))
	if gjson.ValidBytes(trimmed) {
		name := gjson.GetBytes(trimmed, "route").String()
		if name == "" {
			return "", false
		}
		if name != "other" && validNames[name] {
			return name, true
		}
		return "", false
	}

	match := routeJSONPattern.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	name := match[1]
	if name != "other" && validNames[name] {
		return name, true
	}
	return "", false
}

// cacheKey hashes the candidate set and non-system conversation turns into a
// stable key so identical conversations reuse a prior decision.
func cacheKey(candidates []router.RouteCandidate, messages []router.Message) string {
	h := xxhash.New()
	for _, r := range candidates {
		_, _ = h.WriteString(r.Name)
		_, _ = h.WriteString("\x1f")
		_, _ = h.WriteString(r.Description)
		_, _ = h.WriteString("\x1e")
	}
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		_, _ = h.WriteString(m.Role)
		_, _ = h.WriteString("\x1f")
		_, _ = h.WriteString(m.Content)
		_, _ = h.WriteString("\x1e")
	}
	return fmt.Sprintf("%x", h.Sum64())
}
