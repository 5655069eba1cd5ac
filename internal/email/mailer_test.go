package email

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []OutboundEmail
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg OutboundEmail) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "<msg-1@example.com>", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMailerRecordsSentOutbox(t *testing.T) {
	sender := &fakeSender{}
	outbox := NewMemoryOutbox()
	m := NewMailer(testLogger(), "smtp", sender, outbox, "alertas@example.com", []string{"audit@example.com"})

	id, err := m.Send(context.Background(), Audit{TenantID: "t1", ConversationID: "c1"}, OutboundEmail{
		To: []string{"owner@example.com"}, Subject: "Escalation", Body: "<p>hola</p>", HTML: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "<msg-1@example.com>", id)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "alertas@example.com", sender.sent[0].From)
	assert.Equal(t, []string{"audit@example.com"}, sender.sent[0].Bcc)

	items := outbox.Items()
	require.Len(t, items, 1)
	assert.Equal(t, OutboxSent, items[0].Status)
	assert.Equal(t, "c1", items[0].ConversationID)
	assert.Equal(t, "<msg-1@example.com>", items[0].MessageID)
	assert.NotNil(t, items[0].SentAt)
}

func TestMailerRecordsFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("535 auth failed")}
	outbox := NewMemoryOutbox()
	m := NewMailer(testLogger(), "smtp", sender, outbox, "a@example.com", nil)

	_, err := m.Send(context.Background(), Audit{}, OutboundEmail{To: []string{"x@example.com"}, Subject: "s", Body: "b"})
	require.Error(t, err)
	items := outbox.Items()
	require.Len(t, items, 1)
	assert.Equal(t, OutboxFailed, items[0].Status)
	assert.Contains(t, items[0].Error, "535")

	_, err = m.Send(context.Background(), Audit{}, OutboundEmail{Subject: "s"})
	assert.Error(t, err)
	assert.Len(t, outbox.Items(), 1)
}

const multipartReply = "From: Ana Operadora <ana@clinica.example>\r\n" +
	"To: alertas@example.com\r\n" +
	"Subject: Re: Seguimiento requerido [ref:3f1c]\r\n" +
	"Message-ID: <reply-1@clinica.example>\r\n" +
	"In-Reply-To: <msg-1@example.com>\r\n" +
	"Date: Mon, 02 Mar 2026 10:00:00 -0600\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hola, te llamo en 5 minutos.\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Hola, te llamo en <b>5 minutos</b>.</p>\r\n" +
	"--b1--\r\n"

func TestParseMessageMultipart(t *testing.T) {
	msg, err := ParseMessage([]byte(multipartReply))
	require.NoError(t, err)
	assert.Equal(t, "ana@clinica.example", msg.From)
	assert.Equal(t, []string{"alertas@example.com"}, msg.To)
	assert.Equal(t, "Re: Seguimiento requerido [ref:3f1c]", msg.Subject)
	assert.Equal(t, "reply-1@clinica.example", msg.MessageID)
	assert.Equal(t, "msg-1@example.com", msg.InReplyTo)
	assert.Equal(t, "Hola, te llamo en 5 minutos.", strings.TrimSpace(msg.BodyText))
	assert.Contains(t, msg.BodyHTML, "<b>5 minutos</b>")
	assert.False(t, msg.ReceivedAt.IsZero())
}

func TestParseMessagePlain(t *testing.T) {
	raw := "From: a@example.com\r\nSubject: =?utf-8?q?Atenci=C3=B3n?=\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nlisto\r\n"
	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "Atención", msg.Subject)
	assert.Equal(t, "listo", strings.TrimSpace(msg.BodyText))
}
