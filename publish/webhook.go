package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"
)

// Webhook POSTs the full report to an HTTP endpoint, retrying
// transient failures.
type Webhook struct {
	URL      string
	Token    string
	MaxTries uint

	client  *http.Client
	backoff backoff.BackOff
}

func NewWebhook(url, token string) *Webhook {
	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = 2 * time.Second
	expback.MaxInterval = 30 * time.Second

	return &Webhook{
		URL:      url,
		Token:    token,
		MaxTries: 5,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   60 * time.Second,
		},
		backoff: expback,
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Publish(ctx context.Context, n *Notification, report []byte) error {
	log := logger.FromContext(ctx)

	op := func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(report))
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "dnshealth/"+version.Version())
		req.Header.Set("X-Report-Name", n.Report)
		if len(w.Token) > 0 {
			req.Header.Set("Authorization", "Bearer "+w.Token)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			log.DebugContext(ctx, "webhook request failed", "err", err)
			return 0, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp.StatusCode, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return resp.StatusCode, fmt.Errorf("webhook status %d", resp.StatusCode)
		default:
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
		}
	}

	w.backoff.Reset()
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(w.backoff),
		backoff.WithMaxTries(w.MaxTries),
	)
	return err
}
