package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/interceptors"
)

func newServer(t *testing.T, h http.HandlerFunc) (*HTTPAdapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPAdapter(Config{BaseURL: srv.URL + "/", Timeout: time.Second, Token: "tkn"}, zaptest.NewLogger(t)), srv
}

func TestPostsActionEnvelope(t *testing.T) {
	type captured struct {
		path   string
		header http.Header
		body   actionRequest
	}
	got := make(chan captured, 1)
	ad, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		c := captured{path: r.URL.Path, header: r.Header.Clone()}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		got <- c
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"sent": true}})
	})

	ctx := interceptors.WithRun(context.Background(), "run-1", 2)
	data, err := ad.SendMessage(ctx, actions.SendMessage{Recipient: "ada", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, true, data["sent"])

	c := <-got
	body, header := c.body, c.header
	assert.Equal(t, "/actions/send_message", c.path)
	assert.Equal(t, "Bearer tkn", header.Get("Authorization"))
	assert.Equal(t, "run-1", header.Get("X-Run-ID"))
	assert.Equal(t, "run-1", body.RunID)
	require.NotNil(t, body.Step)
	assert.Equal(t, 2, *body.Step)
	assert.Equal(t, actions.KindSendMessage, body.Kind)

	decoded, err := actions.Decode(actions.Envelope{Kind: body.Kind, Params: body.Params})
	require.NoError(t, err)
	assert.Equal(t, actions.SendMessage{Recipient: "ada", Body: "hi"}, decoded)
}

func TestClientErrorsArePermanent(t *testing.T) {
	ad, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "selector not found"})
	})
	_, err := ad.Click(context.Background(), actions.Click{Selector: "#missing"})
	require.Error(t, err)
	assert.True(t, executor.IsPermanent(err))
	assert.Contains(t, err.Error(), "selector not found")
}

func TestServerErrorsAreRetryable(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusTooManyRequests} {
		ad, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", status)
		})
		_, err := ad.Navigate(context.Background(), actions.Navigate{URL: "https://example.com"})
		require.Error(t, err)
		assert.False(t, executor.IsPermanent(err), "status %d", status)
		assert.Contains(t, err.Error(), "upstream down")
	}
}

func TestTransportErrorIsRetryable(t *testing.T) {
	ad, srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()
	_, err := ad.Screenshot(context.Background(), actions.Screenshot{})
	require.Error(t, err)
	assert.False(t, executor.IsPermanent(err))
}

func TestErrorPayloadOnSuccessStatus(t *testing.T) {
	ad, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"element detached"}`))
	})
	_, err := ad.Click(context.Background(), actions.Click{Selector: "#x"})
	require.Error(t, err)
	assert.False(t, executor.IsPermanent(err))
	assert.Contains(t, err.Error(), "element detached")
}

func TestEmptyBodyYieldsEmptyData(t *testing.T) {
	ad, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	data, err := ad.Follow(context.Background(), actions.Follow{ProfileURL: "p"})
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestThroughExecutor(t *testing.T) {
	var calls int32
	ad, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"ok":true}}`))
	})
	e := executor.New(ad, executor.Config{ActionTimeout: time.Second, MaxRetries: 2, BackoffBase: time.Millisecond}, zaptest.NewLogger(t))
	res := e.Execute(context.Background(), actions.Extract{Selector: "h1"}, executor.ExecContext{RunID: "r", StepIndex: 0})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, true, res.Data["ok"])
}

func TestPing(t *testing.T) {
	ad, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	})
	assert.NoError(t, ad.Ping(context.Background()))
}
