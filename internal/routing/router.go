package routing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
)

type Router struct {
	classifier *Classifier
	logger     *slog.Logger
	routes     map[string]map[string]routeEntry
	patterns   []patternRoute
}

type routeEntry struct {
	rc      RouteClass
	handler http.Handler
}

type patternRoute struct {
	pattern PathPattern
	methods map[string]routeEntry
}

func NewRouter(classifier *Classifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		classifier: classifier,
		logger:     logger,
		routes:     make(map[string]map[string]routeEntry),
	}
}

// Handle registers h for method and path. Paths may contain {name}
// segments, read back with Param.
func (r *Router) Handle(rc RouteClass, method string, path string, h http.Handler) {
	entry := routeEntry{rc: rc, handler: r.recoverer(rc, h)}
	if p, ok := parsePathPattern(path); ok {
		for i := range r.patterns {
			if r.patterns[i].pattern.raw == path {
				r.patterns[i].methods[method] = entry
				return
			}
		}
		r.patterns = append(r.patterns, patternRoute{pattern: p, methods: map[string]routeEntry{method: entry}})
		return
	}
	if r.routes[path] == nil {
		r.routes[path] = make(map[string]routeEntry)
	}
	r.routes[path][method] = entry
}

func (r *Router) recoverer(rc RouteClass, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("handler panicked",
					"event", "http_handler_panic",
					"method", req.Method,
					"path", req.URL.Path,
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
				)
				WriteError(w, req, rc, http.StatusInternalServerError, "internal_error", "internal error")
			}
		}()
		h.ServeHTTP(w, req)
	})
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	methods, ok := r.routes[req.URL.Path]
	var params map[string]string
	if !ok {
		for _, p := range r.patterns {
			if got, match := p.pattern.Params(req.URL.Path); match {
				methods, params, ok = p.methods, got, true
				break
			}
		}
	}
	if !ok {
		WriteError(w, req, r.classifier.Classify(req.URL.Path), http.StatusNotFound, "not_found", "not found")
		return
	}
	entry, ok := methods[req.Method]
	if !ok {
		WriteError(w, req, entrypointClass(methods, r.classifier.Classify(req.URL.Path)), http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if params != nil {
		req = req.WithContext(context.WithValue(req.Context(), paramsCtxKey{}, params))
	}
	entry.handler.ServeHTTP(w, req)
}

// Verify returns an error naming every registered route the allowlist does
// not declare for the router's entrypoint.
func (r *Router) Verify(a Allowlist) error {
	var missing []string
	check := func(path string, methods map[string]routeEntry) {
		for m := range methods {
			if !a.Allows(r.classifier.Entrypoint(), m, path) {
				missing = append(missing, m+" "+path)
			}
		}
	}
	for path, methods := range r.routes {
		check(path, methods)
	}
	for _, p := range r.patterns {
		check(p.pattern.raw, p.methods)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("routing: routes missing from allowlist: %v", missing)
	}
	return nil
}

type paramsCtxKey struct{}

// Param returns the value of the {name} path segment matched for r.
func Param(r *http.Request, name string) string {
	params, _ := r.Context().Value(paramsCtxKey{}).(map[string]string)
	return params[name]
}

func entrypointClass(methods map[string]routeEntry, fallback RouteClass) RouteClass {
	for _, e := range methods {
		return e.rc
	}
	return fallback
}
