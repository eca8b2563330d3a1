package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// runView is the subset of a run the CLI prints
type runView struct {
	ID   string `json:"id"`
	Task struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
	} `json:"task"`
	State       string     `json:"state"`
	PauseReason string     `json:"pause_reason"`
	CurrentStep int        `json:"current_step"`
	CreatedAt   time.Time  `json:"created_at"`
	EndedAt     *time.Time `json:"ended_at"`
	Outcome     string     `json:"outcome"`
	Error       string     `json:"error"`
	Steps       []struct {
		Index      int    `json:"index"`
		Status     string `json:"status"`
		Retries    int    `json:"retries"`
		Error      string `json:"error"`
		SkipReason string `json:"skip_reason"`
		Action     *struct {
			Kind string `json:"kind"`
		} `json:"action"`
	} `json:"steps"`
	Summary struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
		Skipped   int `json:"skipped"`
		Pending   int `json:"pending"`
	} `json:"summary"`
}

type approvalView struct {
	ID         string          `json:"id"`
	StepIndex  int             `json:"step_index"`
	ActionKind string          `json:"action_kind"`
	CreatedAt  time.Time       `json:"created_at"`
	Preview    json.RawMessage `json:"preview"`
	Status     string          `json:"status"`
	ResolvedBy string          `json:"resolved_by"`
	Reason     string          `json:"reason"`
}

type approvalsResponse struct {
	RunID   string         `json:"run_id"`
	Pending []approvalView `json:"pending"`
	History []approvalView `json:"history"`
}

type listResponse struct {
	Runs        []runView `json:"runs"`
	Count       int       `json:"count"`
	QueueLength int       `json:"queue_length"`
}

// apiError is a non-2xx answer of the service
type apiError struct {
	Status  int
	Message string
	State   string
}

func (e *apiError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("%s (HTTP %d, run is %s)", e.Message, e.Status, e.State)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(base, token string, timeout time.Duration) *client {
	return &client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case []byte:
			rdr = bytes.NewReader(b)
		default:
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			rdr = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			State string `json:"state"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error, State: e.State}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) submit(ctx context.Context, task []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodPost, "/api/runs", task, &out)
	return out, err
}

func (c *client) list(ctx context.Context, state string, limit int) (*listResponse, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out listResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) get(ctx context.Context, id string) (*runView, error) {
	var out runView
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// control posts pause, resume, stop or cancel and returns the new state
func (c *client) control(ctx context.Context, id, op string, immediate bool) (string, error) {
	path := "/api/runs/" + url.PathEscape(id) + "/" + op
	if immediate {
		path += "?immediate=true"
	}
	var out struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

func (c *client) approvals(ctx context.Context, id string) (*approvalsResponse, error) {
	var out approvalsResponse
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id)+"/approvals", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) decide(ctx context.Context, runID, approvalID string, approved bool, reason, by string) (string, error) {
	body := map[string]interface{}{
		"run_id":      runID,
		"approval_id": approvalID,
		"approved":    approved,
	}
	if reason != "" {
		body["reason"] = reason
	}
	if by != "" {
		body["approved_by"] = by
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/approvals/decision", body, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}
