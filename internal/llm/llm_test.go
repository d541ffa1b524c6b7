package llm

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

	"github.com/zivhm/MAHORAGA/internal/config"
)

func newTestClient(url string) *HTTPClient {
	cfg := config.Default().LLM
	cfg.BaseURL = url
	cfg.APIKey = "k"
	c := NewHTTPClient(cfg)
	c.backoffBase = time.Millisecond
	return c
}

func okBody(text string) []byte {
	b, _ := json.Marshal(map[string]any{
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": text}}},
		"usage":   map[string]int{"prompt_tokens": 120, "completion_tokens": 40},
	})
	return b
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(okBody(`{"ok":true}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Complete(context.Background(), Request{Model: "gpt-4o-mini", User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, `{"ok":true}`, out.Text)
	assert.Equal(t, 120, out.TokensIn)
	assert.Equal(t, 40, out.TokensOut)
}

func TestHTTPClient_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

type verdict struct {
	Verdict    string   `json:"verdict" validate:"required,oneof=BUY SKIP WAIT"`
	Confidence *float64 `json:"confidence" validate:"required,gte=0,lte=1"`
	Flags      []string `json:"flags"`
}

func TestDecode(t *testing.T) {
	var v verdict
	require.NoError(t, Decode("```json\n{\"verdict\":\"BUY\",\"confidence\":0.7}\n```", &v))
	assert.Equal(t, "BUY", v.Verdict)
	assert.Equal(t, 0.7, *v.Confidence)

	v = verdict{}
	require.NoError(t, Decode(`Sure! Here it is: {"verdict":"WAIT","confidence":0,"flags":["x"]} hope that helps`, &v))
	assert.Equal(t, 0.0, *v.Confidence)

	bad := []string{
		"",
		"no json here",
		`{"verdict":"BUY"`,
		`{"verdict":"MAYBE","confidence":0.5}`,
		`{"verdict":"BUY","confidence":1.5}`,
		`{"verdict":"BUY"}`,
	}
	for _, text := range bad {
		err := Decode(text, &verdict{})
		assert.ErrorIs(t, err, ErrMalformed, "input %q", text)
	}
}
