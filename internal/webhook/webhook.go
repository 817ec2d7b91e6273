// Package webhook posts flow events to user-configured HTTP endpoints.
package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/bjo163/zapflow/internal/errs"
	"github.com/bjo163/zapflow/internal/metrics"
	"github.com/guonaihong/gout"
	"go.uber.org/zap"
)

// Envelope is the JSON body of every webhook call.
type Envelope struct {
	FlowID         int64     `json:"flowId,string"`
	ConversationID int64     `json:"conversationId,string"`
	ContactID      int64     `json:"contactId,string"`
	MessageContent string    `json:"messageContent"`
	Timestamp      time.Time `json:"timestamp"`
}

type Client struct {
	http    *http.Client
	metrics *metrics.Metrics
}

func NewClient(timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}, metrics: m}
}

// Deliver posts env to url once. Any transport error or non-2xx answer comes
// back as a *errs.WebhookDeliveryError.
func (c *Client) Deliver(ctx context.Context, url string, env Envelope) error {
	code := 0
	err := gout.New(c.http).
		POST(url).
		WithContext(ctx).
		SetHeader(gout.H{"User-Agent": "zapflow-webhook/1"}).
		SetJSON(env).
		Code(&code).
		Do()
	if err != nil {
		c.metrics.WebhookDelivery("error")
		return &errs.WebhookDeliveryError{URL: url, StatusCode: code, Err: err}
	}
	if code < 200 || code > 299 {
		c.metrics.WebhookDelivery("rejected")
		return &errs.WebhookDeliveryError{URL: url, StatusCode: code}
	}
	c.metrics.WebhookDelivery("ok")
	zap.L().Debug("webhook: delivered", zap.String("url", url), zap.Int("status", code),
		zap.Int64("flow_id", env.FlowID))
	return nil
}
