// Package router compiles the proxy's configured routes and resolves each
// inbound request's model string to a concrete upstream.
package router

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"croxyrelay/config"
	"croxyrelay/internal/metrics"
)

// Classifier is the subset of internal/autoclassifier the router depends
// on, kept as an interface so the router package never imports an HTTP
// client or cache concern directly.
type Classifier interface {
	Classify(ctx context.Context, client *http.Client, candidates []RouteCandidate, messages []Message) (string, bool)
}

// Message is the minimal shape the classifier needs from a chat message.
type Message struct {
	Role    string
	Content string
}

// RouteCandidate is what the auto-classifier chooses between.
type RouteCandidate struct {
	Name        string
	Description string
}

// ResolvedRoute is the immutable per-request view a forwarding pipeline
// acts on.
type ResolvedRoute struct {
	ProviderName    string
	ProviderURL     string
	ModelRewrite    string
	StripAuth       bool
	APIKey          string
	StubCountTokens bool
	RoutingMethod   metrics.RoutingMethod
}

type compiledRoute struct {
	pattern         *regexp.Regexp
	providerName    string
	providerURL     string
	modelRewrite    string
	stripAuth       bool
	apiKey          string
	stubCountTokens bool
}

type autoRouteEntry struct {
	providerName    string
	providerURL     string
	modelRewrite    string
	stripAuth       bool
	apiKey          string
	stubCountTokens bool
}

// Router holds the compiled route tables and the default fallback.
type Router struct {
	patternRoutes    []compiledRoute
	autoRoutes       map[string]autoRouteEntry
	autoCandidates   []RouteCandidate
	autoRouterConfig *autoRouterSettings
	classifier       Classifier
	httpClient       *http.Client
	defaultRoute     ResolvedRoute
}

type autoRouterSettings struct {
	model     string
	timeoutMs int
}

// FromConfig builds a Router from cfg, validating every invariant fatally
// (returns an error rather than panicking, so main can print and exit 1).
// Validation order:
//  1. default provider must exist
//  2. each route needs pattern or description; description needs name;
//     provider must exist; pattern must compile; duplicate names rejected
//  3. auto_router.enabled requires a non-empty url; zero candidates is a
//     warning, not a fatal error
func FromConfig(cfg *config.Config, classifier Classifier, httpClient *http.Client, logf func(string, ...any)) (*Router, error) {
	defaultProvider, ok := cfg.Providers[cfg.Default.Provider]
	if !ok {
		return nil, fmt.Errorf("default provider '%s' not found in providers", cfg.Default.Provider)
	}

	r := &Router{
		autoRoutes: make(map[string]autoRouteEntry),
		classifier: classifier,
		httpClient: httpClient,
		defaultRoute: ResolvedRoute{
			ProviderName:    cfg.Default.Provider,
			ProviderURL:     defaultProvider.URL,
			StripAuth:       defaultProvider.StripAuth,
			APIKey:          defaultProvider.APIKey,
			StubCountTokens: defaultProvider.StubCountTokens,
			RoutingMethod:   metrics.RoutingDefault,
		},
	}

	seenNames := make(map[string]bool)

	for _, rt := range cfg.Routes {
		if rt.Pattern == "" && rt.Description == "" {
			return nil, fmt.Errorf("route for provider '%s' has neither pattern nor description", rt.Provider)
		}
		if rt.Description != "" && rt.Name == "" {
			return nil, fmt.Errorf("route for provider '%s' has description but no name", rt.Provider)
		}

		provider, ok := cfg.Providers[rt.Provider]
		if !ok {
			return nil, fmt.Errorf("route provider '%s' not found in providers", rt.Provider)
		}

		if rt.Pattern != "" {
			re, err := regexp.Compile(rt.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid regex '%s': %w", rt.Pattern, err)
			}
			r.patternRoutes = append(r.patternRoutes, compiledRoute{
				pattern:         re,
				providerName:    rt.Provider,
				providerURL:     provider.URL,
				modelRewrite:    rt.ModelRewrite,
				stripAuth:       provider.StripAuth,
				apiKey:          provider.APIKey,
				stubCountTokens: provider.StubCountTokens,
			})
		}

		if rt.Name != "" && rt.Description != "" {
			if seenNames[rt.Name] {
				return nil, fmt.Errorf("duplicate route name '%s'", rt.Name)
			}
			seenNames[rt.Name] = true

			r.autoRoutes[rt.Name] = autoRouteEntry{
				providerName:    rt.Provider,
				providerURL:     provider.URL,
				modelRewrite:    rt.ModelRewrite,
				stripAuth:       provider.StripAuth,
				apiKey:          provider.APIKey,
				stubCountTokens: provider.StubCountTokens,
			}
			r.autoCandidates = append(r.autoCandidates, RouteCandidate{
				Name:        rt.Name,
				Description: rt.Description,
			})
		}
	}

	if cfg.AutoRouter.Enabled {
		if cfg.AutoRouter.URL == "" {
			return nil, fmt.Errorf("auto_router.enabled is true but url is empty")
		}
		if len(r.autoCandidates) == 0 {
			if logf != nil {
				logf("auto_router is enabled but no routes have descriptions")
			}
		} else {
			r.autoRouterConfig = &autoRouterSettings{
				model:     cfg.AutoRouter.Model,
				timeoutMs: cfg.AutoRouter.TimeoutMs,
			}
		}
	}

	return r, nil
}

// Resolve picks a route for model, given the inbound conversation. It tries
// Auto (if configured and applicable), then Pattern, then Default, exactly
// in that fall-through order.
func (r *Router) Resolve(ctx context.Context, model string, messages []Message) ResolvedRoute {
	if model == "auto" {
		if r.autoRouterConfig != nil && len(messages) > 0 && len(r.autoCandidates) > 0 {
			if name, ok := r.classifier.Classify(ctx, r.httpClient, r.autoCandidates, messages); ok {
				if entry, found := r.autoRoutes[name]; found {
					return ResolvedRoute{
						ProviderName:    entry.providerName,
						ProviderURL:     entry.providerURL,
						ModelRewrite:    entry.modelRewrite,
						StripAuth:       entry.stripAuth,
						APIKey:          entry.apiKey,
						StubCountTokens: entry.stubCountTokens,
						RoutingMethod:   metrics.RoutingAuto,
					}
				}
			}
		}
	}

	return r.resolvePattern(model)
}

func (r *Router) resolvePattern(model string) ResolvedRoute {
	for _, route := range r.patternRoutes {
		if route.pattern.MatchString(model) {
			return ResolvedRoute{
				ProviderName:    route.providerName,
				ProviderURL:     route.providerURL,
				ModelRewrite:    route.modelRewrite,
				StripAuth:       route.stripAuth,
				APIKey:          route.apiKey,
				StubCountTokens: route.stubCountTokens,
				RoutingMethod:   metrics.RoutingPattern,
			}
		}
	}
	return r.makeDefault()
}

func (r *Router) makeDefault() ResolvedRoute {
	d := r.defaultRoute
	d.RoutingMethod = metrics.RoutingDefault
	return d
}
