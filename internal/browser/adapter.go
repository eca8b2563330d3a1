package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/interceptors"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/tracing"
)

// maxErrorBody bounds how much of an error response ends up in messages
const maxErrorBody = 512

// Config for the remote automation service
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Token, when set, is sent as a bearer token
	Token string
}

// HTTPAdapter forwards actions to a remote automation service over HTTP/JSON
type HTTPAdapter struct {
	executor.FuncAdapter
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

type actionRequest struct {
	RunID  string          `json:"run_id,omitempty"`
	Step   *int            `json:"step,omitempty"`
	Kind   actions.Kind    `json:"kind"`
	Params json.RawMessage `json:"params"`
}

type actionResponse struct {
	Data  map[string]interface{} `json:"data"`
	Error string                 `json:"error,omitempty"`
}

// NewHTTPAdapter creates an adapter for cfg.BaseURL
func NewHTTPAdapter(cfg Config, logger *zap.Logger) *HTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &HTTPAdapter{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: interceptors.NewRunHTTPRoundTripper(nil),
		},
		logger: logger,
	}
	a.FuncAdapter = a.do
	return a
}

func (a *HTTPAdapter) do(ctx context.Context, act actions.Action) (map[string]interface{}, error) {
	env, err := actions.Encode(act)
	if err != nil {
		return nil, executor.Permanent(err)
	}
	body := actionRequest{Kind: env.Kind, Params: env.Params}
	if runID, step, ok := interceptors.RunFromContext(ctx); ok {
		body.RunID = runID
		body.Step = &step
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, executor.Permanent(fmt.Errorf("failed to encode request: %w", err))
	}

	url := fmt.Sprintf("%s/actions/%s", a.cfg.BaseURL, env.Kind)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()
	span.SetAttributes(attribute.String("autopilot.action_kind", string(env.Kind)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, executor.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := a.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("browser request failed: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read browser response: %w", err)
	}
	var out actionResponse
	if len(raw) > 0 {
		if uerr := json.Unmarshal(raw, &out); uerr != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("invalid browser response: %w", uerr)
		}
	}

	switch {
	case resp.StatusCode >= 500:
		err = fmt.Errorf("browser service returned %d: %s", resp.StatusCode, errorText(out, raw))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		err = fmt.Errorf("browser service returned %d: %s", resp.StatusCode, errorText(out, raw))
	case resp.StatusCode >= 400:
		err = executor.Permanent(fmt.Errorf("browser service rejected %s (%d): %s", env.Kind, resp.StatusCode, errorText(out, raw)))
	case out.Error != "":
		// 2xx with an error payload is an action that ran and failed in the page
		err = fmt.Errorf("browser action failed: %s", out.Error)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		a.logger.Debug("Browser call failed",
			zap.String("kind", string(env.Kind)),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		return nil, err
	}
	if out.Data == nil {
		out.Data = map[string]interface{}{}
	}
	return out.Data, nil
}

func errorText(out actionResponse, raw []byte) string {
	if out.Error != "" {
		return out.Error
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}

// Ping checks the automation service's /health endpoint
func (a *HTTPAdapter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("browser service health status %d", resp.StatusCode)
	}
	return nil
}
