package mailgun

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mg "github.com/mailgun/mailgun-go/v5"

	"github.com/memohai/concierge/internal/config"
	"github.com/memohai/concierge/internal/email"
)

const ProviderName email.ProviderName = "mailgun"

// Adapter sends through the Mailgun API and accepts inbound route webhooks.
type Adapter struct {
	cfg    config.MailgunConfig
	client *mg.Client
	logger *slog.Logger
}

func New(log *slog.Logger, cfg config.MailgunConfig) *Adapter {
	client := mg.NewMailgun(cfg.APIKey)
	if cfg.Region == "eu" {
		client.SetAPIBase(mg.APIBaseEU)
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
		logger: log.With(slog.String("adapter", "mailgun")),
	}
}

// ---- Sender ----

func (a *Adapter) Send(ctx context.Context, msg email.OutboundEmail) (string, error) {
	if strings.TrimSpace(a.cfg.Domain) == "" || strings.TrimSpace(a.cfg.APIKey) == "" {
		return "", fmt.Errorf("mailgun domain and api key are required")
	}
	from := msg.From
	if from == "" {
		from = fmt.Sprintf("noreply@%s", a.cfg.Domain)
	}
	text := msg.Body
	if msg.HTML {
		text = msg.Text
	}

	m := mg.NewMessage(a.cfg.Domain, from, msg.Subject, text, msg.To...)
	if msg.HTML {
		m.SetHTML(msg.Body)
	}
	for _, bcc := range msg.Bcc {
		m.AddBCC(bcc)
	}

	resp, err := a.client.Send(ctx, m)
	if err != nil {
		return "", fmt.Errorf("mailgun send: %w", err)
	}
	return resp.ID, nil
}

// ---- WebhookReceiver ----

// HandleWebhook parses a Mailgun inbound route POST and verifies its signature when a
// signing key is configured.
func (a *Adapter) HandleWebhook(_ context.Context, r *http.Request) (*email.InboundEmail, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		if err2 := r.ParseForm(); err2 != nil {
			return nil, fmt.Errorf("parse form: %w", err2)
		}
	}

	if key := a.cfg.WebhookSigningKey; key != "" {
		if !VerifySignature(key, r.FormValue("timestamp"), r.FormValue("token"), r.FormValue("signature")) {
			return nil, fmt.Errorf("webhook signature verification failed")
		}
	}

	toAddrs := strings.Split(r.FormValue("recipient"), ",")
	for i := range toAddrs {
		toAddrs[i] = strings.TrimSpace(toAddrs[i])
	}

	return &email.InboundEmail{
		MessageID:  r.FormValue("Message-Id"),
		InReplyTo:  strings.Trim(r.FormValue("In-Reply-To"), "<> "),
		From:       r.FormValue("sender"),
		To:         toAddrs,
		Subject:    r.FormValue("subject"),
		BodyText:   firstNonEmpty(r.FormValue("stripped-text"), r.FormValue("body-plain")),
		BodyHTML:   r.FormValue("body-html"),
		ReceivedAt: time.Now(),
	}, nil
}

func VerifySignature(signingKey, timestamp, token, signature string) bool {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var (
	_ email.Sender          = (*Adapter)(nil)
	_ email.WebhookReceiver = (*Adapter)(nil)
)
