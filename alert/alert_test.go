package alert

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaliph/wa-relay/config"
)

func TestNewFallsBackToLog(t *testing.T) {
	n := New(config.AlertConfig{})
	_, ok := n.(LogNotifier)
	assert.True(t, ok)
	assert.NoError(t, n.Notify(context.Background(), "subject", "body"))
}

func TestSMTPNotifierBuildsMail(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	n := &SMTPNotifier{
		cfg: config.AlertConfig{
			SMTPHost: "smtp.example.com",
			SMTPPort: 587,
			Username: "relay@example.com",
			To:       []string{"ops@example.com"},
		},
		send: func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
			return nil
		},
	}

	require.NoError(t, n.Notify(context.Background(), "WhatsApp session down", "line one\nline two"))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "relay@example.com", gotFrom)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: WhatsApp session down\r\n")
	assert.Contains(t, string(gotMsg), "line one\r\nline two")
}

func TestSMTPNotifierWrapsError(t *testing.T) {
	n := &SMTPNotifier{
		cfg: config.AlertConfig{SMTPHost: "smtp.example.com", SMTPPort: 25, To: []string{"ops@example.com"}},
		send: func(string, smtp.Auth, string, []string, []byte) error {
			return errors.New("connection refused")
		},
	}
	err := n.Notify(context.Background(), "s", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
