package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jaliph/wa-relay/config"
	"github.com/jaliph/wa-relay/metrics"
	"github.com/jaliph/wa-relay/models"
	"github.com/jaliph/wa-relay/utils"
)

// Webhook headers
const (
	HeaderFrom     = "X-From"
	HeaderPhone    = "X-Phone"
	HeaderFilename = "X-Filename"
	HeaderText     = "X-Text"
)

// Target identifies the party responsible for a failed delivery
type Target string

const (
	TargetOrchestrator Target = "orchestrator"
	TargetRelay        Target = "relay"
)

// DeliveryError is a failed webhook POST. Status is zero when no response
// was received.
type DeliveryError struct {
	Target Target
	Status int
	URL    string
	Body   string
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s rejected delivery: %s returned %d", e.Target, e.URL, e.Status)
	}
	return fmt.Sprintf("delivery to %s failed: %v", e.URL, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Dispatcher posts normalized inbound messages to the orchestrator webhook.
// Deliveries are never retried.
type Dispatcher struct {
	url          string
	client       *http.Client
	limiter      *rate.Limiter
	textTimeout  time.Duration
	mediaTimeout time.Duration
	metrics      *metrics.Metrics
}

func NewDispatcher(cfg config.OrchestratorConfig, m *metrics.Metrics) *Dispatcher {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Dispatcher{
		url:          cfg.WebhookURL(),
		client:       &http.Client{},
		limiter:      rate.NewLimiter(limit, burst),
		textTimeout:  cfg.TextTimeout,
		mediaTimeout: cfg.MediaTimeout,
		metrics:      m,
	}
}

// URL returns the webhook endpoint
func (d *Dispatcher) URL() string {
	return d.url
}

// Forward delivers msg: media bytes when present, the normalized text otherwise.
func (d *Dispatcher) Forward(ctx context.Context, msg *models.InboundMessage) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return &DeliveryError{Target: TargetRelay, URL: d.url, Err: err}
	}

	var (
		body    []byte
		timeout time.Duration
		headers = http.Header{}
	)
	headers.Set(HeaderFrom, headerValue(msg.From))
	headers.Set(HeaderPhone, headerValue(msg.Phone))

	if msg.IsMedia() {
		body = msg.Data
		timeout = d.mediaTimeout
		headers.Set("Content-Type", msg.MimeType)
		headers.Set(HeaderFilename, headerValue(msg.FileName))
		headers.Set(HeaderText, headerValue(msg.Caption))
	} else {
		body = []byte(msg.Text)
		timeout = d.textTimeout
		headers.Set("Content-Type", "text/plain")
	}

	start := time.Now()
	err := d.post(ctx, body, headers, timeout)
	if err != nil {
		d.metrics.Delivery("failed", time.Since(start))
		return err
	}
	d.metrics.Delivery("delivered", time.Since(start))
	return nil
}

func (d *Dispatcher) post(ctx context.Context, body []byte, headers http.Header, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Target: TargetRelay, URL: d.url, Err: err}
	}
	req.Header = headers

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %s: %w", timeout, err)
		}
		return &DeliveryError{Target: TargetRelay, URL: d.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &DeliveryError{
			Target: TargetOrchestrator,
			Status: resp.StatusCode,
			URL:    d.url,
			Body:   string(snippet),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	utils.Logger.Debug("Orchestrator accepted delivery", "component", "relay", "status", resp.StatusCode)
	return nil
}

// headerValue replaces control characters, which HTTP header values cannot carry.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
}
