package mailgun

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/concierge/internal/config"
	"github.com/memohai/concierge/internal/email"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sign(key, ts, token string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(ts + token))
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/email/mailgun", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestHandleWebhookVerifiesSignature(t *testing.T) {
	a := New(testLogger(), config.MailgunConfig{Domain: "mg.example.com", APIKey: "key", WebhookSigningKey: "sign-key"})
	form := url.Values{
		"timestamp":     {"1700000000"},
		"token":         {"tok"},
		"signature":     {sign("sign-key", "1700000000", "tok")},
		"sender":        {"ana@clinica.example"},
		"recipient":     {"alertas@mg.example.com, otro@mg.example.com"},
		"subject":       {"Re: Seguimiento [ref:abc]"},
		"stripped-text": {"Ya la llamé."},
		"body-plain":    {"Ya la llamé.\n> quoted"},
		"In-Reply-To":   {"<msg-1@example.com>"},
	}
	in, err := a.HandleWebhook(context.Background(), webhookRequest(form))
	require.NoError(t, err)
	assert.Equal(t, "ana@clinica.example", in.From)
	assert.Equal(t, []string{"alertas@mg.example.com", "otro@mg.example.com"}, in.To)
	assert.Equal(t, "Ya la llamé.", in.BodyText)
	assert.Equal(t, "msg-1@example.com", in.InReplyTo)

	form.Set("signature", "bad")
	_, err = a.HandleWebhook(context.Background(), webhookRequest(form))
	assert.ErrorContains(t, err, "signature")
}

func TestSendRequiresDomain(t *testing.T) {
	a := New(testLogger(), config.MailgunConfig{})
	_, err := a.Send(context.Background(), email.OutboundEmail{To: []string{"a@example.com"}})
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	assert.True(t, VerifySignature("k", "1", "t", sign("k", "1", "t")))
	assert.False(t, VerifySignature("k", "1", "t", sign("other", "1", "t")))
}
