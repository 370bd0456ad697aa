package whatsapp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaliph/wa-relay/config"
	"github.com/jaliph/wa-relay/models"
	"github.com/jaliph/wa-relay/relay"
)

type webhookCall struct {
	Header http.Header
	Body   string
}

type webhookStub struct {
	mu     sync.Mutex
	calls  []webhookCall
	status int
}

func (s *webhookStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.calls = append(s.calls, webhookCall{Header: r.Header.Clone(), Body: string(body)})
	status := s.status
	s.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (s *webhookStub) Calls() []webhookCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webhookCall(nil), s.calls...)
}

type memoryJournal struct {
	mu         sync.Mutex
	deliveries []*models.Delivery
}

func (j *memoryJournal) RecordDelivery(ctx context.Context, d *models.Delivery) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.deliveries = append(j.deliveries, d)
	return nil
}

type pipelineRig struct {
	handler *MessageHandler
	stub    *webhookStub
	dl      *fakeDownloader
	journal *memoryJournal
}

func newPipelineRig(t *testing.T, refresher MediaRefresher) *pipelineRig {
	t.Helper()
	stub := &webhookStub{}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	dispatcher := relay.NewDispatcher(config.OrchestratorConfig{
		BaseURL:      srv.URL,
		WebhookPath:  "/webhook/orquestador",
		TextTimeout:  2 * time.Second,
		MediaTimeout: 2 * time.Second,
	}, nil)

	dl := &fakeDownloader{data: []byte("%PDF-1.7")}
	journal := &memoryJournal{}
	handler := NewMessageHandler(MessageHandlerOptions{
		Normalize: DefaultNormalizeOptions(),
		Media:     NewMediaResolver(dl, refresher, DefaultMediaConfig()),
		Forwarder: dispatcher,
		Activity:  NewActivityRing(20),
		Journal:   journal,
		Dedup:     NewDedupWindow(16),
	})
	return &pipelineRig{handler: handler, stub: stub, dl: dl, journal: journal}
}

func TestPipelineTextMessage(t *testing.T) {
	rig := newPipelineRig(t, nil)

	rig.handler.HandleBatch(context.Background(), []RawMessage{{
		ID:      "3EB0A1",
		Chat:    "5215512345678:4@s.whatsapp.net",
		Payload: &Payload{Kind: PayloadText, Tag: "conversation", Text: "hola"},
	}})

	calls := rig.stub.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "text/plain", calls[0].Header.Get("Content-Type"))
	assert.Equal(t, "5215512345678@s.whatsapp.net", calls[0].Header.Get("X-From"))
	assert.Equal(t, "5215512345678", calls[0].Header.Get("X-Phone"))
	assert.Equal(t, "hola", calls[0].Body)

	entries := rig.handler.Activity().Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "hola", entries[0].Text)

	require.Len(t, rig.journal.deliveries, 1)
	assert.Equal(t, models.DeliveryDelivered, rig.journal.deliveries[0].Status)
}

func TestPipelineEphemeralDocument(t *testing.T) {
	rig := newPipelineRig(t, &fakeRefresher{})

	rig.handler.HandleBatch(context.Background(), []RawMessage{{
		ID:   "3EB0A2",
		Chat: "5215512345678@s.whatsapp.net",
		Payload: &Payload{Kind: PayloadEphemeral, Tag: "ephemeralMessage", Inner: &Payload{
			Kind: PayloadDocument,
			Tag:  "documentMessage",
			Media: &MediaPayload{
				URL:      mediaURL(time.Now().Add(time.Hour)),
				MimeType: "application/pdf",
				FileName: "factura.pdf",
				Caption:  "factura",
			},
		}},
	}})

	calls := rig.stub.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "application/pdf", calls[0].Header.Get("Content-Type"))
	assert.Equal(t, "factura.pdf", calls[0].Header.Get("X-Filename"))
	assert.Equal(t, "factura", calls[0].Header.Get("X-Text"))
	assert.Equal(t, "%PDF-1.7", calls[0].Body)

	entries := rig.handler.Activity().Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "[documentMessage] received", entries[0].Text)
}

func TestPipelineExpiredMediaWithoutRefresh(t *testing.T) {
	rig := newPipelineRig(t, nil)

	rig.handler.HandleBatch(context.Background(), []RawMessage{{
		ID:   "3EB0A3",
		Chat: "5215512345678@s.whatsapp.net",
		Payload: &Payload{Kind: PayloadImage, Tag: "imageMessage", Media: &MediaPayload{
			URL:      mediaURL(time.Now().Add(-time.Hour)),
			MimeType: "image/jpeg",
		}},
	}})

	assert.Empty(t, rig.stub.Calls(), "no webhook POST for unrecoverable media")
	assert.Empty(t, rig.dl.calls)

	entries := rig.handler.Activity().Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "[imageMessage] unavailable", entries[0].Text)

	require.Len(t, rig.journal.deliveries, 1)
	assert.Equal(t, models.DeliveryMediaLost, rig.journal.deliveries[0].Status)
}

func TestPipelineIsolatesFailures(t *testing.T) {
	rig := newPipelineRig(t, nil)
	rig.stub.status = http.StatusInternalServerError

	batch := []RawMessage{
		{ID: "1", Chat: testSender, Payload: textPayload("first")},
		{ID: "2", Chat: testSender, Payload: &Payload{Kind: PayloadImage, Tag: "imageMessage",
			Media: &MediaPayload{URL: mediaURL(time.Now().Add(-time.Hour))}}},
		{ID: "3", Chat: testSender, Payload: textPayload("third")},
	}
	rig.handler.HandleBatch(context.Background(), batch)

	calls := rig.stub.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Body)
	assert.Equal(t, "third", calls[1].Body)

	require.Len(t, rig.journal.deliveries, 3)
	assert.Equal(t, models.DeliveryFailed, rig.journal.deliveries[0].Status)
	assert.Equal(t, http.StatusInternalServerError, rig.journal.deliveries[0].HTTPStatus)
}

func TestPipelineSkipsFilteredAndDuplicates(t *testing.T) {
	rig := newPipelineRig(t, nil)

	rig.handler.HandleBatch(context.Background(), []RawMessage{
		{ID: "g", Chat: "120363025246125486@g.us", Payload: textPayload("group")},
		{ID: "s", Chat: "status@broadcast", Payload: textPayload("status")},
		{ID: "m", Chat: testSender, FromMe: true, Payload: textPayload("mine")},
		{ID: "d", Chat: testSender, Payload: textPayload("once")},
		{ID: "d", Chat: testSender, Payload: textPayload("once")},
	})

	calls := rig.stub.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "once", calls[0].Body)
	assert.Equal(t, 1, rig.handler.Activity().Len())
}

type panickingForwarder struct{}

func (panickingForwarder) Forward(ctx context.Context, msg *models.InboundMessage) error {
	if msg.Text == "boom" {
		panic("nil map")
	}
	return nil
}

func TestPipelineRecoversPanics(t *testing.T) {
	handler := NewMessageHandler(MessageHandlerOptions{
		Normalize: DefaultNormalizeOptions(),
		Forwarder: panickingForwarder{},
	})

	handler.HandleBatch(context.Background(), []RawMessage{
		{ID: "1", Chat: testSender, Payload: textPayload("boom")},
		{ID: "2", Chat: testSender, Payload: textPayload("fine")},
	})

	entries := handler.Activity().Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "fine", entries[0].Text)
}

func TestPipelineRunPreservesOrder(t *testing.T) {
	rig := newPipelineRig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.handler.Run(ctx)

	require.True(t, rig.handler.Enqueue([]RawMessage{{ID: "a", Chat: testSender, Payload: textPayload("uno")}}))
	require.True(t, rig.handler.Enqueue([]RawMessage{
		{ID: "b", Chat: testSender, Payload: textPayload("dos")},
		{ID: "c", Chat: testSender, Payload: textPayload("tres")},
	}))

	require.Eventually(t, func() bool { return len(rig.stub.Calls()) == 3 }, 2*time.Second, 10*time.Millisecond)
	calls := rig.stub.Calls()
	assert.Equal(t, []string{"uno", "dos", "tres"}, []string{calls[0].Body, calls[1].Body, calls[2].Body})
}

func TestEnqueueFullQueue(t *testing.T) {
	handler := NewMessageHandler(MessageHandlerOptions{QueueSize: 1, Forwarder: panickingForwarder{}})
	assert.True(t, handler.Enqueue([]RawMessage{{ID: "1"}}))
	assert.False(t, handler.Enqueue([]RawMessage{{ID: "2"}}))
}
