package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/jaliph/wa-relay/metrics"
	"github.com/jaliph/wa-relay/models"
	"github.com/jaliph/wa-relay/utils"
)

// ErrInvalidTarget is returned for recipients that are neither a JID nor a
// plausible international phone number.
var ErrInvalidTarget = errors.New("invalid recipient")

// ClientManager sends messages through whichever session the supervisor
// currently holds, failing fast when there is none.
type ClientManager struct {
	supervisor *Supervisor
	metrics    *metrics.Metrics
}

// NewClientManager creates a new WhatsApp client manager
func NewClientManager(supervisor *Supervisor, m *metrics.Metrics) *ClientManager {
	return &ClientManager{supervisor: supervisor, metrics: m}
}

// ParseTarget accepts a JID or a phone number in international format and
// returns the JID to send to. Phone numbers are validated but never rewritten.
func ParseTarget(to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTarget)
	}

	if user, server, found := strings.Cut(to, "@"); found {
		if user == "" || server == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidTarget, to)
		}
		return to, nil
	}

	digits := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
			return -1
		default:
			return 'x'
		}
	}, to)
	if digits == "" || strings.ContainsRune(digits, 'x') {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, to)
	}

	num, err := phonenumbers.Parse("+"+digits, "")
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("%w: %q is not an international phone number", ErrInvalidTarget, to)
	}
	return digits + "@" + userServer, nil
}

// targetRegion returns the ISO region of a phone-number JID, or "".
func targetRegion(jid string) string {
	phone := PhoneFromJID(jid)
	if phone == "" {
		return ""
	}
	num, err := phonenumbers.Parse("+"+phone, "")
	if err != nil {
		return ""
	}
	return phonenumbers.GetRegionCodeForNumber(num)
}

func (cm *ClientManager) prepare(to string) (Session, string, error) {
	target, err := ParseTarget(to)
	if err != nil {
		return nil, "", err
	}
	sess, err := cm.supervisor.Current()
	if err != nil {
		return nil, "", err
	}
	return sess, target, nil
}

func (cm *ClientManager) logSent(kind, target string, err error) {
	cm.metrics.Outbound(kind, err)
	if err != nil {
		utils.Logger.Error("Failed to send message", "component", "client", "type", kind, "to", target, "error", err)
		return
	}
	utils.Logger.Info("Message sent", "component", "client", "type", kind, "to", target, "region", targetRegion(target))
}

// SendText sends a plain text message
func (cm *ClientManager) SendText(ctx context.Context, to, text string) error {
	sess, target, err := cm.prepare(to)
	if err != nil {
		return err
	}
	err = sess.SendText(ctx, target, text)
	cm.logSent("text", target, err)
	return err
}

// SendImage uploads and sends an image with a caption
func (cm *ClientManager) SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error {
	sess, target, err := cm.prepare(to)
	if err != nil {
		return err
	}
	err = sess.SendImage(ctx, target, data, mimeType, caption)
	cm.logSent("image", target, err)
	return err
}

// SendDocument uploads and sends a document
func (cm *ClientManager) SendDocument(ctx context.Context, to string, data []byte, mimeType, fileName string) error {
	sess, target, err := cm.prepare(to)
	if err != nil {
		return err
	}
	err = sess.SendDocument(ctx, target, data, mimeType, fileName)
	cm.logSent("document", target, err)
	return err
}

// SendOptions sends an interactive message with one button per option
func (cm *ClientManager) SendOptions(ctx context.Context, to, text string, options []models.Option) error {
	sess, target, err := cm.prepare(to)
	if err != nil {
		return err
	}
	err = sess.SendOptions(ctx, target, text, options)
	cm.logSent("options", target, err)
	return err
}

// Download fetches media through the current session
func (cm *ClientManager) Download(ctx context.Context, media *MediaPayload) ([]byte, error) {
	sess, err := cm.supervisor.Current()
	if err != nil {
		return nil, err
	}
	return sess.Download(ctx, media)
}

// RefreshMedia asks the sender's device to re-upload media through the
// current session.
func (cm *ClientManager) RefreshMedia(ctx context.Context, media *MediaPayload) (*MediaPayload, error) {
	sess, err := cm.supervisor.Current()
	if err != nil {
		return nil, err
	}
	refresher, ok := sess.(MediaRefresher)
	if !ok {
		return nil, ErrRefreshUnavailable
	}
	return refresher.RefreshMedia(ctx, media)
}
