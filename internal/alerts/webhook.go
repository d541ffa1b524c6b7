package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/observ"
)

const maxAttempts = 3

type webhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type webhookAttachment struct {
	Color  string         `json:"color"`
	Fields []webhookField `json:"fields"`
}

// webhookMessage is Slack-compatible; most chat webhooks accept the text field.
type webhookMessage struct {
	Text        string              `json:"text"`
	Content     string              `json:"content,omitempty"`
	Attachments []webhookAttachment `json:"attachments,omitempty"`
}

type queuedEvent struct {
	ev        Event
	attempts  int
	nextRetry time.Time
}

type WebhookMetrics struct {
	Sent    int64 `json:"sent"`
	Errors  int64 `json:"errors"`
	Dropped int64 `json:"dropped"`
}

// Webhook posts events from a bounded queue on a background worker with retry.
type Webhook struct {
	url        string
	httpClient *http.Client
	queue      chan queuedEvent
	mu         sync.Mutex
	metrics    WebhookMetrics
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	// base retry delay; tests shrink it
	retryBase time.Duration
}

func NewWebhook(cfg config.Notify) *Webhook {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		url:        cfg.WebhookURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		queue:      make(chan queuedEvent, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		retryBase:  time.Second,
	}
	go w.worker()
	return w
}

// Notify enqueues and returns immediately. A full queue drops the event.
func (w *Webhook) Notify(_ context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case w.queue <- queuedEvent{ev: ev, nextRetry: time.Now()}:
		observ.SetGauge("notify_queue_depth", float64(len(w.queue)), nil)
		return nil
	default:
		w.bump(func(m *WebhookMetrics) { m.Dropped++ })
		observ.IncCounter("notify_dropped_total", map[string]string{"kind": ev.Kind})
		return fmt.Errorf("notify queue full, dropped %s", ev.Kind)
	}
}

func (w *Webhook) bump(f func(*WebhookMetrics)) {
	w.mu.Lock()
	f(&w.metrics)
	w.mu.Unlock()
}

func (w *Webhook) worker() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case q := <-w.queue:
			if wait := time.Until(q.nextRetry); wait > 0 {
				select {
				case <-time.After(wait):
				case <-w.ctx.Done():
					return
				}
			}
			if err := w.post(q.ev); err != nil {
				q.attempts++
				if q.attempts >= maxAttempts {
					w.bump(func(m *WebhookMetrics) { m.Errors++ })
					observ.Warn("notify_failed", map[string]any{"kind": q.ev.Kind, "symbol": q.ev.Symbol, "error": err})
					continue
				}
				delay := time.Duration(math.Pow(2, float64(q.attempts))) * w.retryBase
				jitter := time.Duration(rand.Float64() * float64(delay) * 0.1)
				q.nextRetry = time.Now().Add(delay + jitter)
				select {
				case w.queue <- q:
				default:
					w.bump(func(m *WebhookMetrics) { m.Dropped++ })
				}
				continue
			}
			w.bump(func(m *WebhookMetrics) { m.Sent++ })
			observ.IncCounter("notify_sent_total", map[string]string{"kind": q.ev.Kind})
		}
	}
}

func (w *Webhook) post(ev Event) error {
	payload, err := json.Marshal(formatMessage(ev))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(w.ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func formatMessage(ev Event) webhookMessage {
	color := "good"
	switch ev.Kind {
	case KindExit:
		color = "warning"
	case KindKill:
		color = "danger"
	}
	text := fmt.Sprintf("[%s] %s", ev.Kind, ev.Symbol)
	if ev.Symbol == "" {
		text = fmt.Sprintf("[%s]", ev.Kind)
	}

	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]webhookField, 0, len(keys)+1)
	for _, k := range keys {
		fields = append(fields, webhookField{Title: k, Value: fmt.Sprint(ev.Payload[k]), Short: true})
	}
	fields = append(fields, webhookField{Title: "time", Value: ev.Time.Format("15:04:05 MST"), Short: true})

	return webhookMessage{
		Text:        text,
		Content:     text,
		Attachments: []webhookAttachment{{Color: color, Fields: fields}},
	}
}

// Close stops the worker. Queued events are abandoned.
func (w *Webhook) Close() {
	w.cancel()
	<-w.done
}

func (w *Webhook) Metrics() WebhookMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}
