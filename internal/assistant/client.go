package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const betaHeader = "assistants=v2"

// HTTPProvider builds HTTPClients that share one http.Client.
type HTTPProvider struct {
	baseURL    string
	defaultKey string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPProvider(log *slog.Logger, baseURL, defaultKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		defaultKey: defaultKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("service", "assistant_client")),
	}
}

// ClientFor returns a client for apiKey, or for the default key when apiKey is empty.
func (p *HTTPProvider) ClientFor(apiKey string) Client {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		key = p.defaultKey
	}
	return &HTTPClient{provider: p, apiKey: key}
}

type HTTPClient struct {
	provider *HTTPProvider
	apiKey   string
}

type listMessagesResponse struct {
	Data []Message `json:"data"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assistant api status %d: %s", e.StatusCode, e.Message)
}

func (c *HTTPClient) CreateThread(ctx context.Context) (Thread, error) {
	var out Thread
	err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &out)
	return out, err
}

func (c *HTTPClient) AppendMessage(ctx context.Context, threadID, role, text string) (Message, error) {
	var out Message
	err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", map[string]any{
		"role":    role,
		"content": text,
	}, &out)
	return out, err
}

func (c *HTTPClient) CreateRun(ctx context.Context, threadID string, req CreateRunRequest) (Run, error) {
	var out Run
	err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", req, &out)
	return out, err
}

func (c *HTTPClient) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	var out Run
	err := c.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/runs/"+url.PathEscape(runID), nil, &out)
	return out, err
}

func (c *HTTPClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error) {
	var out Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/submit_tool_outputs"
	err := c.do(ctx, http.MethodPost, path, map[string]any{"tool_outputs": outputs}, &out)
	return out, err
}

func (c *HTTPClient) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	var out listMessagesResponse
	path := "/threads/" + url.PathEscape(threadID) + "/messages?order=desc&limit=20"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.provider.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", betaHeader)

	resp, err := c.provider.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, stripQuery(path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.provider.logger.Error("assistant api error",
			slog.String("method", method),
			slog.String("path", stripQuery(path)),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(respBody), 300)),
		)
		msg := strings.TrimSpace(string(respBody))
		var parsed apiErrorBody
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: truncate(msg, 300)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
