// http_transport.go: HTTP gateway for the compute host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxRequestBodySize bounds dispatch and management request bodies.
const maxRequestBodySize = 4 << 20

// HTTPGateway exposes a Host over HTTP.
//
// Routes:
//
//	POST   /v1/functions/{name}[/path...]  dispatch; JSON body is the payload
//	GET    /v1/functions                   describe every function
//	GET    /v1/functions/{name}            describe one function
//	POST   /v1/functions                   load and register {name, path, replace}
//	DELETE /v1/functions/{name}            unregister
//	GET    /healthz                        liveness
//	GET    /metrics                        Prometheus metrics, when configured
type HTTPGateway struct {
	host           *Host
	logger         Logger
	metrics        MetricsCollector
	metricsHandler http.Handler
	router         chi.Router
	server         *http.Server
}

// HTTPGatewayOption configures an HTTPGateway.
type HTTPGatewayOption func(*HTTPGateway)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) HTTPGatewayOption {
	return func(g *HTTPGateway) {
		g.metricsHandler = h
	}
}

// NewHTTPGateway builds the router for host.
func NewHTTPGateway(host *Host, opts ...HTTPGatewayOption) *HTTPGateway {
	g := &HTTPGateway{
		host:    host,
		logger:  host.Logger().With("component", "http_gateway"),
		metrics: host.Metrics(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metricsHandler == nil {
		if pm, ok := g.metrics.(*PrometheusMetrics); ok {
			g.metricsHandler = pm.Handler()
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(g.recoverer)
	r.Use(g.collect)

	r.Get("/healthz", g.handleHealth)
	if g.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", g.metricsHandler)
	}

	r.Route("/v1/functions", func(r chi.Router) {
		r.Get("/", g.handleList)
		r.Post("/", g.handleLoad)
		r.Get("/{name}", g.handleDescribe)
		r.Delete("/{name}", g.handleUnregister)
		r.Post("/{name}", g.handleDispatch)
		r.Post("/{name}/*", g.handleDispatch)
	})

	g.router = r
	g.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler returns the gateway's router.
func (g *HTTPGateway) Handler() http.Handler { return g.router }

// Serve accepts connections on lis until Shutdown is called.
func (g *HTTPGateway) Serve(lis net.Listener) error {
	g.logger.Info("HTTP gateway listening", "address", lis.Addr().String())
	if err := g.server.Serve(lis); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return NewHTTPTransportError("HTTP server stopped", err)
	}
	return nil
}

// Shutdown stops the server, waiting for active requests until ctx ends.
func (g *HTTPGateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

func (g *HTTPGateway) collect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := timecache.CachedTime()

		defer func() {
			if r.URL.Path == "/metrics" {
				return
			}
			// route pattern, not path, to keep label cardinality bounded
			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			labels := map[string]string{
				"route":  route,
				"method": r.Method,
				"code":   strconv.Itoa(ww.Status()),
			}
			g.metrics.IncrementCounter(MetricHTTPRequests, labels, 1)
			g.metrics.RecordHistogram(MetricHTTPDuration, map[string]string{"route": route}, time.Since(start).Seconds())
		}()

		next.ServeHTTP(ww, r)
	})
}

func (g *HTTPGateway) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				g.logger.Error("Panic in HTTP handler",
					"path", r.URL.Path,
					"panic", rec,
					"request_id", middleware.GetReqID(r.Context()),
					"stack", string(captureStack()))
				g.writeError(w, r, NewHTTPTransportError("internal error", fmt.Errorf("panic: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (g *HTTPGateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"functions": g.host.Registry().Len(),
	})
}

func (g *HTTPGateway) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"functions": g.host.Functions()})
}

func (g *HTTPGateway) handleDescribe(w http.ResponseWriter, r *http.Request) {
	info, err := g.host.Describe(chi.URLParam(r, "name"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type loadRequest struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Replace bool   `json:"replace"`
}

func (g *HTTPGateway) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		g.writeError(w, r, NewMalformedPayloadError(err))
		return
	}
	if err := g.host.LoadAndRegister(r.Context(), req.Name, req.Path, req.Replace); err != nil {
		g.writeError(w, r, err)
		return
	}
	info, err := g.host.Describe(req.Name)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (g *HTTPGateway) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if err := g.host.Unregister(r.Context(), chi.URLParam(r, "name")); err != nil {
		g.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *HTTPGateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	target := NewTarget(name, splitPath(chi.URLParam(r, "*"))...)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			target = target.WithQuery(key, values[0])
		}
	}

	payload, err := decodePayload(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	resp, err := g.host.Dispatch(r.Context(), NewComputeRequest(target, payload))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if !resp.HasData() {
		w.WriteHeader(resp.Status.HTTPStatus())
		return
	}
	writeJSON(w, resp.Status.HTTPStatus(), resp.Data)
}

// decodePayload reads a JSON payload. An empty body is a nil payload.
func decodePayload(body io.Reader) (any, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, NewMalformedPayloadError(err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, NewMalformedPayloadError(err)
	}
	return payload, nil
}

// errorBody is the JSON shape of every gateway error.
type errorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	UserMessage string `json:"user_message,omitempty"`
	Sender      string `json:"sender,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

func (g *HTTPGateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{
		Code:      ErrorCodeOf(err),
		Message:   err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
	}
	var goErr *errors.Error
	if stderrors.As(err, &goErr) {
		body.UserMessage = goErr.UserMessage()
	}
	if br, ok := BadRequestFrom(err); ok {
		body.Sender = br.Sender
		body.UserMessage = br.Message
	}
	if status == StatusInternalError {
		g.logger.Warn("HTTP request failed", "path", r.URL.Path, "error", err, "request_id", body.RequestID)
	}
	writeJSON(w, status.HTTPStatus(), map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":{"code":"`+ErrCodeHTTPTransportError+`","message":"response is not JSON-encodable"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
