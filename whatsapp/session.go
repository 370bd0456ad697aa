package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaliph/wa-relay/models"
)

var (
	// ErrNotConnected is returned when no live session can serve a request.
	ErrNotConnected = errors.New("whatsapp session not connected")
	// ErrRefreshUnavailable is returned by sessions that cannot refresh media.
	ErrRefreshUnavailable = errors.New("media refresh not available")
)

// Session is one live connection to WhatsApp. The supervisor owns it and
// replaces it on every reconnect.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect()

	SendText(ctx context.Context, to, text string) error
	SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error
	SendDocument(ctx context.Context, to string, data []byte, mimeType, fileName string) error
	SendOptions(ctx context.Context, to, text string, options []models.Option) error

	Download(ctx context.Context, media *MediaPayload) ([]byte, error)
}

// MediaRefresher re-requests an expired media reference from the sender's device.
type MediaRefresher interface {
	RefreshMedia(ctx context.Context, media *MediaPayload) (*MediaPayload, error)
}

// EventSink receives session lifecycle events and message batches.
type EventSink interface {
	OnOpen()
	OnClose(reason CloseReason)
	OnQR(code string)
	OnMessages(batch []RawMessage)
}

// SessionFactory creates a fresh, unconnected session reporting to sink.
type SessionFactory interface {
	NewSession(ctx context.Context, sink EventSink) (Session, error)
}

// CloseKind names why a session closed.
type CloseKind string

const (
	CloseConnectionLost CloseKind = "connection_lost"
	CloseLoggedOut      CloseKind = "logged_out"
	CloseConnectFailed  CloseKind = "connect_failed"
	CloseReplaced       CloseKind = "replaced"
	CloseBanned         CloseKind = "banned"
	CloseOutdated       CloseKind = "outdated"
	ClosePairingTimeout CloseKind = "pairing_timeout"
	ClosePairingFailed  CloseKind = "pairing_failed"
)

// CloseReason describes a close event.
type CloseReason struct {
	Kind   CloseKind
	Detail string
}

func (r CloseReason) String() string {
	if r.Detail == "" {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Detail)
}

// RawMessage is an inbound message as delivered by the session, before
// normalization.
type RawMessage struct {
	ID        string
	Chat      string
	Sender    string
	FromMe    bool
	Timestamp time.Time
	Payload   *Payload
}

// HTTPStatusError is a non-2xx response from a remote host.
type HTTPStatusError struct {
	Status int
	URL    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.Status)
}
