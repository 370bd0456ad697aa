package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jaliph/wa-relay/metrics"
	"github.com/jaliph/wa-relay/models"
	"github.com/jaliph/wa-relay/relay"
	"github.com/jaliph/wa-relay/utils"
)

const mediaHost = "mmg.whatsapp.net"

// Forwarder delivers a normalized message to the orchestrator
type Forwarder interface {
	Forward(ctx context.Context, msg *models.InboundMessage) error
}

// MediaSource resolves a media reference into bytes
type MediaSource interface {
	Resolve(ctx context.Context, media *MediaPayload) ([]byte, error)
}

// DeliveryJournal records relay outcomes
type DeliveryJournal interface {
	RecordDelivery(ctx context.Context, d *models.Delivery) error
}

// MessageHandlerOptions wires a MessageHandler. Journal and Metrics are optional.
type MessageHandlerOptions struct {
	Normalize NormalizeOptions
	Media     MediaSource
	Forwarder Forwarder
	Activity  *ActivityRing
	Journal   DeliveryJournal
	Dedup     *DedupWindow
	Metrics   *metrics.Metrics
	QueueSize int
}

// MessageHandler runs the inbound pipeline: normalize, resolve media, record
// activity and forward. Batches are processed one at a time in arrival order
// and a failing message never stops the rest of its batch.
type MessageHandler struct {
	opts     NormalizeOptions
	media    MediaSource
	forward  Forwarder
	activity *ActivityRing
	journal  DeliveryJournal
	dedup    *DedupWindow
	metrics  *metrics.Metrics
	queue    chan []RawMessage
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(o MessageHandlerOptions) *MessageHandler {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Activity == nil {
		o.Activity = NewActivityRing(20)
	}
	return &MessageHandler{
		opts:     o.Normalize,
		media:    o.Media,
		forward:  o.Forwarder,
		activity: o.Activity,
		journal:  o.Journal,
		dedup:    o.Dedup,
		metrics:  o.Metrics,
		queue:    make(chan []RawMessage, o.QueueSize),
	}
}

// Activity returns the recent activity ring
func (mh *MessageHandler) Activity() *ActivityRing {
	return mh.activity
}

// Enqueue hands a batch to the worker without blocking. It returns false
// when the queue is full.
func (mh *MessageHandler) Enqueue(batch []RawMessage) bool {
	select {
	case mh.queue <- batch:
		mh.metrics.SetQueueLength(len(mh.queue))
		return true
	default:
		return false
	}
}

// Run consumes queued batches until ctx is cancelled.
func (mh *MessageHandler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-mh.queue:
			mh.metrics.SetQueueLength(len(mh.queue))
			mh.HandleBatch(ctx, batch)
		}
	}
}

// HandleBatch processes every message of batch sequentially.
func (mh *MessageHandler) HandleBatch(ctx context.Context, batch []RawMessage) {
	for _, raw := range batch {
		mh.handleIsolated(ctx, raw)
	}
}

func (mh *MessageHandler) handleIsolated(ctx context.Context, raw RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			utils.Logger.Error("Panic while processing message", "component", "relay", "id", raw.ID, "panic", fmt.Sprint(r))
		}
	}()
	_ = mh.HandleMessage(ctx, raw)
}

// HandleMessage runs the pipeline for one message. Failures are logged and
// journaled before being returned.
func (mh *MessageHandler) HandleMessage(ctx context.Context, raw RawMessage) error {
	msg, media, ok := Normalize(raw, mh.opts)
	if !ok {
		return nil
	}
	log := utils.Logger.With("component", "relay", "from", msg.From, "kind", string(msg.Kind), "id", msg.ID)

	if mh.dedup != nil && mh.dedup.IsDuplicate(msg.ID) {
		log.Debug("Skipping redelivered message")
		return nil
	}
	mh.metrics.Inbound(string(msg.Kind))

	if media != nil {
		log.Info("Media received", "type", msg.Tag)
		data, err := mh.media.Resolve(ctx, media)
		if err != nil {
			var mediaErr *MediaError
			if errors.As(err, &mediaErr) {
				mh.metrics.MediaFailure(mediaErr.Stage)
			}
			mh.activity.Add(models.ActivityEntry{From: msg.From, Text: UnavailableText(msg.Tag), Timestamp: msg.Timestamp})
			mh.record(ctx, msg, models.DeliveryMediaLost, err)
			logFailure(log, err)
			return err
		}
		msg.Data = data
		log.Info("Media downloaded", "bytes", len(data))
	}

	mh.activity.Add(models.ActivityEntry{From: msg.From, Text: msg.Text, Timestamp: msg.Timestamp})

	if err := mh.forward.Forward(ctx, msg); err != nil {
		mh.record(ctx, msg, models.DeliveryFailed, err)
		logFailure(log, err)
		return err
	}

	mh.record(ctx, msg, models.DeliveryDelivered, nil)
	log.Info("Message relayed to orchestrator")
	return nil
}

func (mh *MessageHandler) record(ctx context.Context, msg *models.InboundMessage, status string, cause error) {
	if mh.journal == nil {
		return
	}
	d := &models.Delivery{
		MessageID: msg.ID,
		Sender:    msg.From,
		Phone:     msg.Phone,
		Kind:      string(msg.Kind),
		Text:      msg.Text,
		MimeType:  msg.MimeType,
		Status:    status,
		Timestamp: msg.Timestamp,
	}
	if msg.Kind == models.KindMedia && msg.Caption != "" {
		d.Text = msg.Caption
	}
	if cause != nil {
		d.Error = cause.Error()
		d.HTTPStatus = failureStatus(cause)
	}
	if err := mh.journal.RecordDelivery(ctx, d); err != nil {
		utils.Logger.Warn("Failed to journal delivery", "component", "relay", "id", msg.ID, "error", err)
	}
}

func failureStatus(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	var delivery *relay.DeliveryError
	if errors.As(err, &delivery) {
		return delivery.Status
	}
	return 0
}

// logFailure separates media host failures, orchestrator rejections and
// local processing errors.
func logFailure(log *slog.Logger, err error) {
	var statusErr *HTTPStatusError
	var delivery *relay.DeliveryError

	switch {
	case errors.As(err, &statusErr) && strings.Contains(statusErr.URL, mediaHost):
		log.Error("WhatsApp media host error", "status", statusErr.Status, "url", statusErr.URL)
	case errors.As(err, &delivery) && delivery.Target == relay.TargetOrchestrator:
		log.Error("Orchestrator rejected message", "status", delivery.Status, "url", delivery.URL, "body", delivery.Body)
	default:
		log.Error("Failed to process message", "error", err)
	}
}
