package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/angeloszaimis/service-mesh/internal/circuitbreaker"
	"github.com/angeloszaimis/service-mesh/internal/metrics"
)

const maxAggregateBody = 4 << 20

type attemptKey struct{}

// attempt carries one proxied call through the ReverseProxy hooks.
type attempt struct {
	service   string
	target    *url.URL
	caller    context.Context
	err       error
	cancelled bool
}

func attemptFrom(ctx context.Context) *attempt {
	att, _ := ctx.Value(attemptKey{}).(*attempt)
	return att
}

// Proxy forwards r to service. The request path is sent as is, so callers
// rewrite it beforehand.
func (g *Gateway) Proxy(service string, w http.ResponseWriter, r *http.Request) {
	breaker := g.breakers.GetBreaker(service)
	ticket, ok := breaker.Allow()
	if !ok {
		g.reject(service)
		writeError(w, http.StatusServiceUnavailable, "service unavailable (circuit open)", service, circuitbreaker.ErrOpen)
		return
	}

	var target *url.URL
	rec, err := g.registry.Discover(r.Context(), service)
	if err == nil {
		target, err = url.Parse(rec.URL)
	}
	if err != nil {
		if r.Context().Err() != nil {
			breaker.Release(ticket)
			return
		}
		breaker.RecordFailure(ticket)
		g.logger.Warn("Service discovery failed",
			slog.String("service", service),
			slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, "service unavailable", service, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	att := &attempt{service: service, target: target, caller: r.Context()}
	out := r.WithContext(context.WithValue(ctx, attemptKey{}, att))

	g.collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived, Service: service})

	up := g.upstreams.get(service)
	up.begin()

	w.Header().Set("X-Backend-Service", service)
	recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	start := time.Now()

	completed := false
	defer func() {
		duration := time.Since(start)
		if (!completed || ctx.Err() != nil) && att.err == nil && !att.cancelled {
			// The call ended while the body was streaming.
			att.cancelled = att.caller.Err() != nil
			if !att.cancelled {
				att.err = classify(ctx, context.Cause(ctx))
			}
		}
		up.end(duration, att.err == nil && !att.cancelled)

		switch {
		case att.cancelled:
			breaker.Release(ticket)
			return
		case att.err != nil:
			breaker.RecordFailure(ticket)
			g.logger.Warn("Upstream call failed",
				slog.String("service", service),
				slog.Any("err", att.err))
		default:
			breaker.RecordSuccess(ticket)
		}

		g.collector.Emit(metrics.MetricEvent{
			Type:       metrics.EventResponseCompleted,
			Service:    service,
			Duration:   duration,
			StatusCode: recorder.statusCode,
		})
	}()

	g.logger.Debug("Forwarding to service",
		slog.String("service", service),
		slog.String("url", target.String()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))

	g.proxy.ServeHTTP(recorder, out)
	completed = true
}

func (g *Gateway) rewrite(pr *httputil.ProxyRequest) {
	att := attemptFrom(pr.In.Context())

	pr.Out.URL.Scheme = att.target.Scheme
	pr.Out.URL.Host = att.target.Host
	pr.Out.URL.Path = joinPath(att.target.Path, pr.In.URL.Path)
	pr.Out.URL.RawPath = ""
	pr.Out.Host = ""
	pr.Out.Header.Del("Content-Length")
	pr.SetXForwarded()
}

func (g *Gateway) modifyResponse(resp *http.Response) error {
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrUpstreamError, resp.StatusCode)
	}
	return nil
}

func (g *Gateway) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	att := attemptFrom(r.Context())
	if att.caller.Err() != nil {
		att.cancelled = true
		return
	}

	att.err = classify(r.Context(), err)
	if errors.Is(att.err, ErrUpstreamTimeout) {
		writeError(w, http.StatusGatewayTimeout, "upstream timeout", att.service, att.err)
		return
	}
	writeError(w, http.StatusBadGateway, "upstream error", att.service, att.err)
}

// classify maps an upstream failure onto ErrUpstreamTimeout or
// ErrUpstreamError.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrUpstreamTimeout
	}
	if errors.Is(err, ErrUpstreamError) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstreamError, err)
}

func (g *Gateway) reject(service string) {
	g.collector.Emit(metrics.MetricEvent{Type: metrics.EventCircuitRejected, Service: service})
	g.logger.Warn("Circuit open, rejecting call", slog.String("service", service))
}

// fetch performs a guarded GET against service and returns its JSON body.
func (g *Gateway) fetch(ctx context.Context, service, path, rawQuery string) (json.RawMessage, error) {
	breaker := g.breakers.GetBreaker(service)
	ticket, ok := breaker.Allow()
	if !ok {
		g.reject(service)
		return nil, circuitbreaker.ErrOpen
	}

	rec, err := g.registry.Discover(ctx, service)
	if err != nil {
		if ctx.Err() != nil {
			breaker.Release(ticket)
			return nil, ctx.Err()
		}
		breaker.RecordFailure(ticket)
		return nil, err
	}

	target, err := url.Parse(rec.URL)
	if err != nil {
		breaker.RecordFailure(ticket)
		return nil, err
	}
	target.Path = joinPath(target.Path, path)
	target.RawQuery = rawQuery

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		breaker.Release(ticket)
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	g.collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived, Service: service})
	up := g.upstreams.get(service)
	up.begin()
	start := time.Now()

	fail := func(err error) (json.RawMessage, error) {
		up.end(time.Since(start), false)
		if ctx.Err() != nil {
			breaker.Release(ticket)
			return nil, ctx.Err()
		}
		breaker.RecordFailure(ticket)
		return nil, classify(callCtx, err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAggregateBody))
	if err != nil {
		return fail(err)
	}

	duration := time.Since(start)
	up.end(duration, true)
	g.collector.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Service:    service,
		Duration:   duration,
		StatusCode: resp.StatusCode,
	})

	if resp.StatusCode >= http.StatusInternalServerError {
		breaker.RecordFailure(ticket)
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamError, resp.StatusCode)
	}
	breaker.RecordSuccess(ticket)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamError, resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: response is not JSON", ErrUpstreamError)
	}
	return body, nil
}
