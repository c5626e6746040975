package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/platform/middleware"
	"github.com/bloodbank/bloodbank/internal/platform/telemetry"
)

const (
	defaultTimeout = 5 * time.Second
	retryCount     = 2
)

// Envelope is the JSON body posted to the webhook.
type Envelope struct {
	Event  string      `json:"event"`
	SentAt time.Time   `json:"sent_at"`
	Data   interface{} `json:"data"`
}

// Webhook posts inventory events to a single HTTP endpoint.
type Webhook struct {
	httpClient *resty.Client
	url        string
	metrics    *telemetry.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

func NewWebhook(url string, logger zerolog.Logger) *Webhook {
	restyClient := resty.New()
	restyClient.
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "bloodbank-notifier").
		SetTimeout(defaultTimeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Webhook{
		httpClient: restyClient,
		url:        url,
		logger:     logger.With().Str("component", "notify").Logger(),
		now:        time.Now,
	}
}

func (w *Webhook) SetMetrics(m *telemetry.Metrics) { w.metrics = m }

// Notify posts event with payload. Server errors are retried; any status of
// 400 or above after retries is an error.
func (w *Webhook) Notify(ctx context.Context, event string, payload interface{}) (err error) {
	defer func() { w.metrics.ObserveNotification(err) }()

	req := w.httpClient.R().
		SetContext(ctx).
		SetBody(Envelope{Event: event, SentAt: w.now().UTC(), Data: payload})
	if rid := middleware.RequestIDFromContext(ctx); rid != "" {
		req.SetHeader(middleware.RequestIDHeader, rid)
	}

	resp, err := req.Post(w.url)
	if err != nil {
		return fmt.Errorf("post %s webhook: %w", event, err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("post %s webhook: status %d", event, resp.StatusCode())
	}
	w.logger.Debug().Str("event", event).Int("status", resp.StatusCode()).Msg("notification delivered")
	return nil
}
