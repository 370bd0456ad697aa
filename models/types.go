package models

import "time"

// MessageKind classifies a normalized inbound message
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindButton      MessageKind = "button"
	KindMedia       MessageKind = "media"
	KindUnsupported MessageKind = "unsupported"
)

// InboundMessage is a WhatsApp message reduced to what the orchestrator needs
type InboundMessage struct {
	ID        string
	From      string // sender identity without device suffix
	Phone     string // empty unless From is a phone-number identity
	Kind      MessageKind
	Tag       string // payload type name, e.g. imageMessage
	Text      string
	Caption   string
	MimeType  string
	FileName  string
	Data      []byte
	Timestamp time.Time
}

// IsMedia reports whether the message carries downloaded media bytes
func (m *InboundMessage) IsMedia() bool {
	return m.Kind == KindMedia && m.Data != nil
}

// ActivityEntry is one row of the recent activity list
type ActivityEntry struct {
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse reports the session state
type StatusResponse struct {
	Connected  bool   `json:"connected"`
	State      string `json:"state"`
	AwaitingQR bool   `json:"awaiting_qr"`
	Retries    int    `json:"retries"`
	Exhausted  bool   `json:"exhausted"`
}

// ConnectivityEvent is pushed to status subscribers
type ConnectivityEvent struct {
	Connected bool `json:"connected"`
}

// QRCodeResponse carries the pending pairing code as a PNG data URL
type QRCodeResponse struct {
	QR string `json:"qr"`
}

// Option is a single interactive choice
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	// Text is accepted as an alias of Label
	Text string `json:"text,omitempty"`
}

// DisplayLabel returns Label, falling back to Text
func (o Option) DisplayLabel() string {
	if o.Label != "" {
		return o.Label
	}
	return o.Text
}

// OptionsRequest is the body of the interactive options endpoint
type OptionsRequest struct {
	Text    string   `json:"text"`
	Options []Option `json:"options"`
	// Buttons is accepted as an alias of Options
	Buttons []Option `json:"buttons,omitempty"`
}

// Choices returns Options, falling back to Buttons
func (r *OptionsRequest) Choices() []Option {
	if len(r.Options) > 0 {
		return r.Options
	}
	return r.Buttons
}
