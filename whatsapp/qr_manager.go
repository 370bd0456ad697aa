package whatsapp

import (
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/jaliph/wa-relay/utils"
)

// QRManager holds the pairing code currently offered by the session
type QRManager struct {
	mu        sync.RWMutex
	code      string
	issuedAt  time.Time
	terminal  io.Writer
	lastShown string
}

// NewQRManager creates a QR manager. When terminal is non-nil every new code
// is also printed there.
func NewQRManager(terminal io.Writer) *QRManager {
	return &QRManager{terminal: terminal}
}

// SetCode stores a newly issued pairing code
func (qm *QRManager) SetCode(code string) {
	qm.mu.Lock()
	qm.code = code
	qm.issuedAt = time.Now()
	show := qm.terminal != nil && code != qm.lastShown
	if show {
		qm.lastShown = code
	}
	qm.mu.Unlock()

	if show {
		qm.printTerminal(code)
	}
}

// Clear drops the pending code
func (qm *QRManager) Clear() {
	qm.mu.Lock()
	qm.code = ""
	qm.issuedAt = time.Time{}
	qm.mu.Unlock()
}

// Code returns the pending code, if any
func (qm *QRManager) Code() (string, bool) {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.code, qm.code != ""
}

// IssuedAt returns when the pending code was received
func (qm *QRManager) IssuedAt() time.Time {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.issuedAt
}

// GetQRCodeImage generates a QR code image as PNG
func (qm *QRManager) GetQRCodeImage(code string) ([]byte, error) {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	return qr.PNG(256)
}

// DataURL renders the pending code as a base64 PNG data URL. ok is false when
// no code is pending.
func (qm *QRManager) DataURL() (url string, ok bool, err error) {
	code, ok := qm.Code()
	if !ok {
		return "", false, nil
	}
	png, err := qm.GetQRCodeImage(code)
	if err != nil {
		return "", true, err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), true, nil
}

func (qm *QRManager) printTerminal(code string) {
	qr, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		utils.Logger.Warn("Failed to render pairing code", "component", "qr", "error", err)
		return
	}
	fmt.Fprintln(qm.terminal, qr.ToSmallString(false))
}
