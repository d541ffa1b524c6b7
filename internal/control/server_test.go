package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zivhm/MAHORAGA/internal/budget"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/engine"
	"github.com/zivhm/MAHORAGA/internal/observ"
)

type fakeAgent struct {
	cfg        config.Root
	enabled    bool
	killed     bool
	triggerErr error
	logsAsked  int
}

func (f *fakeAgent) Enable(context.Context) error {
	f.enabled = true
	return nil
}

func (f *fakeAgent) Disable(context.Context) error {
	f.enabled = false
	return nil
}

func (f *fakeAgent) Status(context.Context) engine.Status {
	return engine.Status{Enabled: f.enabled, TradingMode: f.cfg.TradingMode}
}

func (f *fakeAgent) Config() config.Root { return f.cfg }

func (f *fakeAgent) UpdateConfig(cfg config.Root) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	f.cfg = cfg
	return nil
}

func (f *fakeAgent) Logs(n int) []observ.Entry {
	f.logsAsked = n
	return []observ.Entry{{Event: "tick"}}
}

func (f *fakeAgent) Costs() budget.Costs { return budget.Costs{TotalUSD: 1.25, Calls: 3} }

func (f *fakeAgent) Signals() engine.SignalView { return engine.SignalView{} }

func (f *fakeAgent) TriggerOnce(context.Context) error { return f.triggerErr }

func (f *fakeAgent) Kill(context.Context) error {
	f.killed = true
	f.enabled = false
	return nil
}

const token = "s3cret"

const hookURL = "https://hooks.example.com/services/T000/B000/s3cr3t"

func newServer() (*Server, *fakeAgent) {
	cfg := config.Default()
	cfg.LLM.APIKey = "sk-live"
	cfg.Control.APIToken = token
	cfg.Notify.WebhookURL = hookURL
	a := &fakeAgent{cfg: cfg}
	return New(a, cfg.Control), a
}

func do(t *testing.T, s *Server, method, path, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s, _ := newServer()
	rec := do(t, s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentRoutesRequireToken(t *testing.T) {
	s, a := newServer()
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPost, "/agent/enable", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPost, "/agent/enable", "wrong", "").Code)
	assert.False(t, a.enabled)

	rec := do(t, s, http.MethodPost, "/agent/enable", token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, a.enabled)
}

func TestNoConfiguredTokenRefusesEverything(t *testing.T) {
	a := &fakeAgent{cfg: config.Default()}
	s := New(a, config.Control{})
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/agent/status", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/agent/status", "anything", "").Code)
}

func TestStatusAndCosts(t *testing.T) {
	s, a := newServer()
	a.enabled = true

	rec := do(t, s, http.MethodGet, "/agent/status", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data engine.Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Data.Enabled)
	assert.Equal(t, "paper", body.Data.TradingMode)

	rec = do(t, s, http.MethodGet, "/agent/costs", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_usd":1.25`)
}

func TestGetConfigMasksSecrets(t *testing.T) {
	s, _ := newServer()
	rec := do(t, s, http.MethodGet, "/agent/config", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-live")
	assert.NotContains(t, rec.Body.String(), token)
	assert.NotContains(t, rec.Body.String(), "s3cr3t")
	assert.Contains(t, rec.Body.String(), redacted)
}

func TestConfigRoundTripKeepsWebhook(t *testing.T) {
	s, a := newServer()
	got := do(t, s, http.MethodGet, "/agent/config", token, "")
	require.Equal(t, http.StatusOK, got.Code)

	rec := do(t, s, http.MethodPut, "/agent/config", token, got.Body.String())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, hookURL, a.cfg.Notify.WebhookURL)
	assert.Equal(t, "sk-live", a.cfg.LLM.APIKey)
	assert.Equal(t, token, a.cfg.Control.APIToken)
}

func TestPutConfigOverlaysAndKeepsSecrets(t *testing.T) {
	s, a := newServer()
	rec := do(t, s, http.MethodPut, "/agent/config", token, "trading:\n  max_positions: 3\nllm:\n  api_key: \""+redacted+"\"\n")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, a.cfg.Trading.MaxPositions)
	assert.Equal(t, 5000.0, a.cfg.Trading.MaxPositionValue, "fields left out keep their value")
	assert.Equal(t, "sk-live", a.cfg.LLM.APIKey)
}

func TestPutConfigRejectsInvalid(t *testing.T) {
	s, a := newServer()
	rec := do(t, s, http.MethodPut, "/agent/config", token, "signals:\n  source_weights:\n    stocktwits: 0.1\ntrading:\n  max_positions: 0\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 5, a.cfg.Trading.MaxPositions)
	assert.Equal(t, 0.85, a.cfg.Signals.SourceWeights["stocktwits"], "a rejected update leaves the tables alone")

	rec = do(t, s, http.MethodPut, "/agent/config", token, "trading: [not, a, map]")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogsParam(t *testing.T) {
	s, a := newServer()
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/agent/logs?n=5", token, "").Code)
	assert.Equal(t, 5, a.logsAsked)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/agent/logs", token, "").Code)
	assert.Equal(t, defaultLogLines, a.logsAsked)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/agent/logs?n=-1", token, "").Code)
}

func TestTriggerAndKill(t *testing.T) {
	s, a := newServer()
	a.triggerErr = errors.New("broker down")
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodPost, "/agent/trigger", token, "").Code)
	a.triggerErr = nil
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/agent/trigger", token, "").Code)

	a.enabled = true
	rec := do(t, s, http.MethodPost, "/agent/kill", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, a.killed)
	assert.False(t, a.enabled)
	assert.Contains(t, rec.Body.String(), `"positions_closed":false`)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newServer()
	observ.IncCounter("control_test_hits_total", nil)
	rec := do(t, s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "control_test_hits_total")
}
