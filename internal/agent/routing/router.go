// Package routing resolves user input to a handler before the model is
// involved: exact phrases first, then regular expressions, and finally a
// fallback that hands the input to the LLM.
package routing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/cloudflare/ahocorasick"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/openintentos/openintent/internal/observability"
)

// RouteKind is the cascade level that produced a route.
type RouteKind string

const (
	KindExact       RouteKind = "exact"
	KindPattern     RouteKind = "pattern"
	KindLLMFallback RouteKind = "llm_fallback"
)

// Route is the outcome of routing one input.
type Route struct {
	Kind RouteKind
	// Handler is empty for KindLLMFallback.
	Handler string
	// Phrase is the matched phrase for KindExact.
	Phrase string
	// Captures holds named groups for KindPattern.
	Captures map[string]string
	// Intent is the original, unmodified input for KindLLMFallback.
	Intent string
}

// ErrEmptyPhrase is returned when registering a blank phrase.
var ErrEmptyPhrase = errors.New("routing: empty phrase")

type phrase struct {
	text    string
	handler string
}

type pattern struct {
	re      *regexp.Regexp
	handler string
}

// Router is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	phrases  []phrase
	index    map[string]int
	patterns []pattern
	matcher  *ahocorasick.Matcher
	dirty    bool
	metrics  *observability.Metrics
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics counts routes per level.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{index: make(map[string]int)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func lower(s string) string {
	return cases.Lower(language.Und).String(s)
}

// AddExact maps phrase to handler. Phrases match anywhere in the input,
// case-insensitively. Re-adding a phrase replaces its handler but keeps its
// original registration order.
func (r *Router) AddExact(text, handler string) error {
	key := lower(strings.TrimSpace(text))
	if key == "" {
		return ErrEmptyPhrase
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[key]; ok {
		r.phrases[i].handler = handler
		return nil
	}
	r.index[key] = len(r.phrases)
	r.phrases = append(r.phrases, phrase{text: key, handler: handler})
	r.dirty = true
	return nil
}

// RemoveExact drops a phrase. It reports whether the phrase was registered.
func (r *Router) RemoveExact(text string) bool {
	key := lower(strings.TrimSpace(text))
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[key]
	if !ok {
		return false
	}
	r.phrases = append(r.phrases[:i], r.phrases[i+1:]...)
	delete(r.index, key)
	for j := i; j < len(r.phrases); j++ {
		r.index[r.phrases[j].text] = j
	}
	r.dirty = true
	return true
}

// AddPattern maps a regular expression to handler. Expressions are tried in
// registration order against the lowercased input.
func (r *Router) AddPattern(expr, handler string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("routing: compile %q: %w", expr, err)
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, pattern{re: re, handler: handler})
	r.mu.Unlock()
	return nil
}

// Route resolves input. Exact phrases always win over patterns; among
// overlapping phrases the longest wins, then the earliest registered.
func (r *Router) Route(input string) Route {
	normalized := lower(input)
	matcher, phrases, patterns := r.snapshot()

	if matcher != nil {
		best := -1
		for _, i := range matcher.MatchThreadSafe([]byte(normalized)) {
			if best < 0 || len(phrases[i].text) > len(phrases[best].text) ||
				(len(phrases[i].text) == len(phrases[best].text) && i < best) {
				best = i
			}
		}
		if best >= 0 {
			r.metrics.RecordRoute(string(KindExact))
			return Route{Kind: KindExact, Handler: phrases[best].handler, Phrase: phrases[best].text}
		}
	}

	for _, p := range patterns {
		m := p.re.FindStringSubmatch(normalized)
		if m == nil {
			continue
		}
		captures := make(map[string]string)
		for i, name := range p.re.SubexpNames() {
			if i > 0 && name != "" {
				captures[name] = m[i]
			}
		}
		r.metrics.RecordRoute(string(KindPattern))
		return Route{Kind: KindPattern, Handler: p.handler, Captures: captures}
	}

	r.metrics.RecordRoute(string(KindLLMFallback))
	return Route{Kind: KindLLMFallback, Intent: input}
}

// snapshot returns the matcher, rebuilding it after mutations, plus copies of
// the phrase and pattern tables it indexes.
func (r *Router) snapshot() (*ahocorasick.Matcher, []phrase, []pattern) {
	r.mu.RLock()
	if !r.dirty {
		defer r.mu.RUnlock()
		return r.matcher, append([]phrase(nil), r.phrases...), append([]pattern(nil), r.patterns...)
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty {
		r.matcher = nil
		if len(r.phrases) > 0 {
			dict := make([]string, len(r.phrases))
			for i, p := range r.phrases {
				dict[i] = p.text
			}
			r.matcher = ahocorasick.NewStringMatcher(dict)
		}
		r.dirty = false
	}
	return r.matcher, append([]phrase(nil), r.phrases...), append([]pattern(nil), r.patterns...)
}

// Len returns the number of registered phrases and patterns.
func (r *Router) Len() (phrases, patterns int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.phrases), len(r.patterns)
}
