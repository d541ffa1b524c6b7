package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/observ"
)

// Request is one chat completion.
type Request struct {
	Model     string
	System    string
	User      string
	MaxTokens int
}

// Completion is the raw model output plus usage for the cost ledger.
type Completion struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// Completer is the completion capability research depends on.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// HTTPClient talks to an OpenAI-compatible /chat/completions endpoint.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	// initial backoff interval; tests shrink it
	backoffBase time.Duration
}

func NewHTTPClient(cfg config.LLM) *HTTPClient {
	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		maxRetries:  cfg.MaxRetries,
		backoffBase: 500 * time.Millisecond,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("llm http %d: %s", e.code, e.body)
}

// Complete retries network errors, 429 and 5xx with exponential backoff. Other 4xx are permanent.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (Completion, error) {
	body, err := json.Marshal(chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens:      req.MaxTokens,
		Temperature:    0.3,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return Completion{}, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.backoffBase
	eb.MaxElapsedTime = 0
	retries := c.maxRetries - 1
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	var out Completion
	attempt := 0
	op := func() error {
		attempt++
		res, err := c.do(ctx, body)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && se.code != http.StatusTooManyRequests && se.code < 500 {
				return backoff.Permanent(err)
			}
			observ.Warn("llm_request_retry", map[string]any{"model": req.Model, "attempt": attempt, "error": err})
			return err
		}
		out = res
		return nil
	}

	start := time.Now()
	if err := backoff.Retry(op, policy); err != nil {
		observ.IncCounter("llm_errors_total", map[string]string{"model": req.Model})
		return Completion{}, fmt.Errorf("llm complete: %w", err)
	}
	observ.Observe("llm_latency_seconds", time.Since(start).Seconds(), map[string]string{"model": req.Model})
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, body []byte) (Completion, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Completion{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Completion{}, &statusError{code: resp.StatusCode, body: truncate(string(raw), 200)}
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return Completion{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return Completion{}, fmt.Errorf("chat response has no choices")
	}
	return Completion{
		Text:      cr.Choices[0].Message.Content,
		Model:     cr.Model,
		TokensIn:  cr.Usage.PromptTokens,
		TokensOut: cr.Usage.CompletionTokens,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
