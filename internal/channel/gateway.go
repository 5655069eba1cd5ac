package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const sendPath = "/wa/api/v1/msg"

// Credentials identify the tenant's WhatsApp line at the gateway.
type Credentials struct {
	Source     string
	SourceName string
	APIKey     string
}

type SendResult struct {
	MessageID string
}

// Gateway sends messages to end users.
type Gateway interface {
	SendText(ctx context.Context, creds Credentials, destination, text string) (SendResult, error)
	SendMedia(ctx context.Context, creds Credentials, destination, mediaURL, caption string) (SendResult, error)
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway status %d: %s", e.StatusCode, e.Body)
}

// HTTPGateway posts form-encoded messages to a Gupshup style API.
type HTTPGateway struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPGateway(log *slog.Logger, baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("service", "whatsapp_gateway")),
	}
}

func (g *HTTPGateway) SendText(ctx context.Context, creds Credentials, destination, text string) (SendResult, error) {
	return g.send(ctx, creds, destination, map[string]any{
		"type": "text",
		"text": text,
	})
}

func (g *HTTPGateway) SendMedia(ctx context.Context, creds Credentials, destination, mediaURL, caption string) (SendResult, error) {
	return g.send(ctx, creds, destination, MediaMessage(mediaURL, caption))
}

// MediaMessage builds the gateway message body for mediaURL based on its extension.
func MediaMessage(mediaURL, caption string) map[string]any {
	ext := strings.ToLower(path.Ext(stripURLQuery(mediaURL)))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		msg := map[string]any{"type": "image", "originalUrl": mediaURL, "previewUrl": mediaURL}
		if caption != "" {
			msg["caption"] = caption
		}
		return msg
	case ".mp4", ".3gp":
		msg := map[string]any{"type": "video", "url": mediaURL}
		if caption != "" {
			msg["caption"] = caption
		}
		return msg
	case ".mp3", ".ogg", ".aac", ".amr", ".opus":
		return map[string]any{"type": "audio", "url": mediaURL}
	default:
		msg := map[string]any{"type": "file", "url": mediaURL, "filename": path.Base(stripURLQuery(mediaURL))}
		if caption != "" {
			msg["caption"] = caption
		}
		return msg
	}
}

type sendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
}

func (g *HTTPGateway) send(ctx context.Context, creds Credentials, destination string, message map[string]any) (SendResult, error) {
	if creds.Source == "" || creds.APIKey == "" {
		return SendResult{}, fmt.Errorf("gateway credentials are incomplete")
	}
	if strings.TrimSpace(destination) == "" {
		return SendResult{}, fmt.Errorf("destination is required")
	}
	encoded, err := json.Marshal(message)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal message: %w", err)
	}
	form := url.Values{}
	form.Set("channel", "whatsapp")
	form.Set("source", creds.Source)
	form.Set("destination", destination)
	form.Set("message", string(encoded))
	if creds.SourceName != "" {
		form.Set("src.name", creds.SourceName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+sendPath, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", creds.APIKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.logger.Warn("gateway rejected message",
			slog.Int("status", resp.StatusCode),
			slog.String("type", fmt.Sprint(message["type"])),
		)
		return SendResult{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var parsed sendResponse
	if len(body) > 0 {
		_ = json.Unmarshal(body, &parsed)
	}
	return SendResult{MessageID: parsed.MessageID}, nil
}

func stripURLQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
