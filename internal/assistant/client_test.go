package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPProvider(slog.New(slog.NewTextHandler(io.Discard, nil)), srv.URL+"/", "sk-default", time.Second)
}

func TestClientSendsAuthAndBetaHeaders(t *testing.T) {
	t.Parallel()

	var gotAuth, gotBeta, gotPath string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("OpenAI-Beta")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"id":"thread_1"}`))
	})

	thread, err := p.ClientFor("sk-tenant").CreateThread(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "thread_1", thread.ID)
	assert.Equal(t, "Bearer sk-tenant", gotAuth)
	assert.Equal(t, "assistants=v2", gotBeta)
	assert.Equal(t, "/threads", gotPath)

	_, err = p.ClientFor("  ").CreateThread(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-default", gotAuth)
}

func TestCreateRunEncodesTools(t *testing.T) {
	t.Parallel()

	var body CreateRunRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/threads/thread_1/runs", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"id":"run_1","thread_id":"thread_1","status":"queued"}`))
	})

	run, err := p.ClientFor("k").CreateRun(context.Background(), "thread_1", CreateRunRequest{
		AssistantID:   "asst_1",
		Instructions:  "Eres la recepcionista",
		Tools:         []ToolDefinition{{Type: "file_search"}},
		ToolResources: &ToolResources{FileSearch: &FileSearchResources{VectorStoreIDs: []string{"vs_1"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, RunQueued, run.Status)
	assert.Equal(t, "asst_1", body.AssistantID)
	require.NotNil(t, body.ToolResources)
	assert.Equal(t, []string{"vs_1"}, body.ToolResources.FileSearch.VectorStoreIDs)
}

func TestRunPendingToolCalls(t *testing.T) {
	t.Parallel()

	var run Run
	raw := `{"id":"run_1","status":"requires_action","required_action":{"type":"submit_tool_outputs",
		"submit_tool_outputs":{"tool_calls":[{"id":"call_1","type":"function",
		"function":{"name":"check_calendar_availability","arguments":"{\"date\":\"2026-03-02\"}"}}]}}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &run))

	calls := run.PendingToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "check_calendar_availability", calls[0].Function.Name)
	assert.Empty(t, Run{Status: RunQueued}.PendingToolCalls())
}

func TestListMessagesAndSubmitOutputs(t *testing.T) {
	t.Parallel()

	var submitted map[string][]ToolOutput
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/threads/thread_1/messages":
			assert.Equal(t, "desc", r.URL.Query().Get("order"))
			_, _ = w.Write([]byte(`{"data":[{"id":"msg_2","role":"assistant","created_at":2,
				"content":[{"type":"text","text":{"value":"Hola"}}]}]}`))
		case "/threads/thread_1/runs/run_1/submit_tool_outputs":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
			_, _ = w.Write([]byte(`{"id":"run_1","status":"queued"}`))
		default:
			http.NotFound(w, r)
		}
	})
	client := p.ClientFor("k")

	msgs, err := client.ListMessages(context.Background(), "thread_1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hola", msgs[0].Content[0].Text.Value)

	_, err = client.SubmitToolOutputs(context.Background(), "thread_1", "run_1", []ToolOutput{
		{ToolCallID: "call_1", Output: `{"ok":true}`},
		{ToolCallID: "call_2", Output: `{"error":"boom"}`},
	})
	require.NoError(t, err)
	assert.Len(t, submitted["tool_outputs"], 2)
}

func TestClientReturnsAPIError(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`))
	})

	_, err := p.ClientFor("k").GetRun(context.Background(), "thread_1", "run_1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "Rate limit reached", apiErr.Message)
}
