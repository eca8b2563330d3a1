package interceptors

import (
	"context"
	"net/http"
	"strconv"
)

type runKey struct{}

type runInfo struct {
	runID string
	step  int
}

// WithRun attaches the run and step being executed to ctx
func WithRun(ctx context.Context, runID string, step int) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey{}, runInfo{runID: runID, step: step})
}

// RunFromContext returns the run and step attached by WithRun
func RunFromContext(ctx context.Context) (runID string, step int, ok bool) {
	info, ok := ctx.Value(runKey{}).(runInfo)
	if !ok {
		return "", -1, false
	}
	return info.runID, info.step, true
}

// RunHTTPRoundTripper adds run metadata to outgoing HTTP requests
type RunHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewRunHTTPRoundTripper creates a new HTTP interceptor that adds run metadata
func NewRunHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RunHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper and injects run headers
func (r *RunHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if runID, step, ok := RunFromContext(req.Context()); ok {
		// RoundTrippers must not modify the caller's request
		req = req.Clone(req.Context())
		req.Header.Set("X-Run-ID", runID)
		req.Header.Set("X-Step-Index", strconv.Itoa(step))
	}
	return r.base.RoundTrip(req)
}
