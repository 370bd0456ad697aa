package whatsapp

import (
	"fmt"
	"strings"
	"time"

	"github.com/jaliph/wa-relay/models"
)

const (
	userServer      = "s.whatsapp.net"
	groupServer     = "g.us"
	statusBroadcast = "status@broadcast"
)

// PayloadKind tags the variant held by a Payload
type PayloadKind int

const (
	PayloadOther PayloadKind = iota
	PayloadText
	PayloadExtendedText
	PayloadButtonReply
	PayloadImage
	PayloadVideo
	PayloadAudio
	PayloadDocument
	PayloadEphemeral
	PayloadViewOnce
	PayloadViewOnceV2
	// PayloadEnvelope covers the remaining future-proof wrappers
	PayloadEnvelope
)

// IsWrapper reports whether the payload only envelopes another payload
func (k PayloadKind) IsWrapper() bool {
	switch k {
	case PayloadEphemeral, PayloadViewOnce, PayloadViewOnceV2, PayloadEnvelope:
		return true
	}
	return false
}

// IsMedia reports whether the payload references downloadable media
func (k PayloadKind) IsMedia() bool {
	switch k {
	case PayloadImage, PayloadVideo, PayloadAudio, PayloadDocument:
		return true
	}
	return false
}

// Payload is the content of an inbound message. Wrappers carry their content in
// Inner; every other kind uses the fields relevant to it.
type Payload struct {
	Kind PayloadKind
	// Tag is the wire name of the variant, e.g. imageMessage
	Tag string

	Text        string
	ButtonID    string
	ButtonLabel string
	Media       *MediaPayload
	Inner       *Payload
}

// MediaPayload references media stored on the WhatsApp media hosts
type MediaPayload struct {
	URL        string
	DirectPath string
	MimeType   string
	FileName   string
	Caption    string
	// Handle is owned by the session that produced the payload
	Handle any
}

// NormalizeOptions holds the fixed values used while normalizing
type NormalizeOptions struct {
	CaptionLimit       int
	DefaultButtonReply string
}

// DefaultNormalizeOptions returns the options used by the relay
func DefaultNormalizeOptions() NormalizeOptions {
	return NormalizeOptions{CaptionLimit: 1500, DefaultButtonReply: "CONFIRMAR"}
}

// Unwrap strips ephemeral and view-once envelopes. It returns nil when nothing
// remains inside them.
func Unwrap(p *Payload) *Payload {
	for p != nil && p.Kind.IsWrapper() {
		p = p.Inner
	}
	return p
}

// ShouldSkip reports whether the message is never relayed: no payload, sent by
// us, a status broadcast or a group chat.
func ShouldSkip(raw RawMessage) bool {
	if raw.Payload == nil || raw.FromMe {
		return true
	}
	if raw.Chat == statusBroadcast {
		return true
	}
	return strings.HasSuffix(raw.Chat, "@"+groupServer)
}

// NormalizeJID removes the device segment from a JID:
// 5215512345678:12@s.whatsapp.net becomes 5215512345678@s.whatsapp.net.
func NormalizeJID(jid string) string {
	user, server, found := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	if !found {
		return user
	}
	return user + "@" + server
}

// PhoneFromJID returns the phone number of a phone-number identity and "" for
// every other identity.
func PhoneFromJID(jid string) string {
	phone, ok := strings.CutSuffix(jid, "@"+userServer)
	if !ok {
		return ""
	}
	return phone
}

// Truncate keeps at most limit runes of s
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

// Normalize turns a raw message into an InboundMessage. For media messages the
// returned MediaPayload still has to be resolved into bytes. ok is false when
// the message must be skipped.
func Normalize(raw RawMessage, opts NormalizeOptions) (msg *models.InboundMessage, media *MediaPayload, ok bool) {
	if ShouldSkip(raw) {
		return nil, nil, false
	}
	content := Unwrap(raw.Payload)
	if content == nil {
		return nil, nil, false
	}

	from := NormalizeJID(raw.Chat)
	msg = &models.InboundMessage{
		ID:        raw.ID,
		From:      from,
		Phone:     PhoneFromJID(from),
		Tag:       content.Tag,
		Timestamp: raw.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	switch {
	case content.Kind == PayloadText, content.Kind == PayloadExtendedText:
		msg.Kind = models.KindText
		msg.Text = content.Text
	case content.Kind == PayloadButtonReply:
		msg.Kind = models.KindButton
		msg.Text = buttonReply(content, opts.DefaultButtonReply)
	case content.Kind.IsMedia() && content.Media != nil:
		media = content.Media
		msg.Kind = models.KindMedia
		msg.Text = fmt.Sprintf("[%s] received", content.Tag)
		msg.Caption = Truncate(media.Caption, opts.CaptionLimit)
		msg.MimeType = media.MimeType
		if msg.MimeType == "" {
			msg.MimeType = "application/octet-stream"
		}
		msg.FileName = media.FileName
		if msg.FileName == "" {
			msg.FileName = fmt.Sprintf("%s-%d", content.Tag, msg.Timestamp.UnixMilli())
		}
	default:
		msg.Kind = models.KindUnsupported
		msg.Text = fmt.Sprintf("[%s] unsupported", content.Tag)
	}

	return msg, media, true
}

// UnavailableText is the activity text recorded when media cannot be fetched
func UnavailableText(tag string) string {
	return fmt.Sprintf("[%s] unavailable", tag)
}

func buttonReply(p *Payload, fallback string) string {
	if p.ButtonID != "" {
		return p.ButtonID
	}
	if p.ButtonLabel != "" {
		return p.ButtonLabel
	}
	return fallback
}
