package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/concierge/internal/assistant"
	"github.com/memohai/concierge/internal/calendar"
	"github.com/memohai/concierge/internal/conversation"
	"github.com/memohai/concierge/internal/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClient struct {
	mu         sync.Mutex
	threads    int
	appended   []string
	runReqs    []assistant.CreateRunRequest
	statuses   []assistant.Run
	gets       int
	submitted  [][]assistant.ToolOutput
	messages   []assistant.Message
	createErr  error
	appendErr  error
	listErr    error
	lastThread string
}

func (f *fakeClient) CreateThread(ctx context.Context) (assistant.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return assistant.Thread{}, f.createErr
	}
	f.threads++
	return assistant.Thread{ID: "thread_new"}, nil
}

func (f *fakeClient) AppendMessage(ctx context.Context, threadID, role, text string) (assistant.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastThread = threadID
	if f.appendErr != nil {
		return assistant.Message{}, f.appendErr
	}
	f.appended = append(f.appended, role+":"+text)
	return assistant.Message{ID: "msg_u", Role: role}, nil
}

func (f *fakeClient) CreateRun(ctx context.Context, threadID string, req assistant.CreateRunRequest) (assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runReqs = append(f.runReqs, req)
	return assistant.Run{ID: "run_1", ThreadID: threadID, Status: assistant.RunQueued}, nil
}

// GetRun replays statuses and repeats the last one once exhausted.
func (f *fakeClient) GetRun(ctx context.Context, threadID, runID string) (assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.gets
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.gets++
	run := f.statuses[idx]
	run.ID = runID
	return run, nil
}

func (f *fakeClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []assistant.ToolOutput) (assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, outputs)
	return assistant.Run{ID: runID, Status: assistant.RunQueued}, nil
}

func (f *fakeClient) ListMessages(ctx context.Context, threadID string) ([]assistant.Message, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.messages, nil
}

type fakeProvider struct {
	client *fakeClient
	keys   []string
}

func (p *fakeProvider) ClientFor(apiKey string) assistant.Client {
	p.keys = append(p.keys, apiKey)
	return p.client
}

func textMessage(role string, createdAt int64, values ...string) assistant.Message {
	m := assistant.Message{Role: role, CreatedAt: createdAt}
	for _, v := range values {
		m.Content = append(m.Content, assistant.MessageContent{Type: "text", Text: &assistant.TextContent{Value: v}})
	}
	return m
}

func status(s assistant.RunStatus) assistant.Run {
	return assistant.Run{Status: s}
}

func toolRun(calls ...assistant.ToolCall) assistant.Run {
	return assistant.Run{
		Status: assistant.RunRequiresAction,
		RequiredAction: &assistant.RequiredAction{
			Type:              "submit_tool_outputs",
			SubmitToolOutputs: &assistant.SubmitToolOutputs{ToolCalls: calls},
		},
	}
}

func newTestOrchestrator(client *fakeClient, tools *ToolRegistry, cache *conversation.ThreadCache) (*Orchestrator, *int) {
	threads := conversation.NewResolver(testLogger(), conversation.NewMemoryStore(), cache)
	o := New(testLogger(), &fakeProvider{client: client}, threads, tools, Options{PollInterval: time.Millisecond, MaxPollAttempts: 10})
	sleeps := 0
	o.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return ctx.Err()
	}
	return o, &sleeps
}

var testTenant = tenant.TenantConfig{
	ID:              "t1",
	AssistantID:     "asst_1",
	AssistantAPIKey: "sk-tenant",
	SystemPrompt:    "Eres un asistente.",
}

func TestRunCompletesAndExtractsNewestAssistantText(t *testing.T) {
	client := &fakeClient{
		statuses: []assistant.Run{status(assistant.RunInProgress), status(assistant.RunCompleted)},
		messages: []assistant.Message{
			textMessage(assistant.RoleAssistant, 30, "Hola, ", "tenemos citas el lunes【4:0†source】"),
			textMessage(assistant.RoleUser, 20, "hola"),
			textMessage(assistant.RoleAssistant, 10, "respuesta vieja"),
		},
	}
	o, sleeps := newTestOrchestrator(client, nil, nil)

	res, err := o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c1", Text: "hola"})
	require.NoError(t, err)
	assert.Equal(t, "Hola,\ntenemos citas el lunes", res.Reply)
	assert.Equal(t, "thread_new", res.ThreadID)
	assert.Equal(t, "run_1", res.RunID)
	assert.Equal(t, 2, res.Polls)
	assert.Equal(t, 2, *sleeps)
	assert.Equal(t, []string{"user:hola"}, client.appended)
	require.Len(t, client.runReqs, 1)
	assert.Equal(t, "asst_1", client.runReqs[0].AssistantID)
	assert.Equal(t, "Eres un asistente.", client.runReqs[0].Instructions)
	assert.Nil(t, client.runReqs[0].ToolResources)
}

func TestRunReusesBoundThread(t *testing.T) {
	threads := conversation.NewThreadCache()
	threads.Set("c1", "thread_existing")
	client := &fakeClient{
		statuses: []assistant.Run{status(assistant.RunCompleted)},
		messages: []assistant.Message{textMessage(assistant.RoleAssistant, 1, "ok")},
	}
	o, _ := newTestOrchestrator(client, nil, threads)

	res, err := o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c1", Text: "otra vez"})
	require.NoError(t, err)
	assert.Equal(t, "thread_existing", res.ThreadID)
	assert.Equal(t, 0, client.threads)
	assert.Equal(t, "thread_existing", client.lastThread)
}

func TestRunBindsNewThread(t *testing.T) {
	threads := conversation.NewThreadCache()
	client := &fakeClient{
		statuses: []assistant.Run{status(assistant.RunCompleted)},
		messages: []assistant.Message{textMessage(assistant.RoleAssistant, 1, "ok")},
	}
	o, _ := newTestOrchestrator(client, nil, threads)

	_, err := o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c9", Text: "hola"})
	require.NoError(t, err)
	id, ok := threads.Get("c9")
	require.True(t, ok)
	assert.Equal(t, "thread_new", id)
}

func TestRunAttachesFileSearchWhenKnowledgeStoreSet(t *testing.T) {
	client := &fakeClient{
		statuses: []assistant.Run{status(assistant.RunCompleted)},
		messages: []assistant.Message{textMessage(assistant.RoleAssistant, 1, "ok")},
	}
	tools := NewToolRegistry()
	require.NoError(t, RegisterCalendarTools(tools, &fakeCalendar{}))
	o, _ := newTestOrchestrator(client, tools, nil)

	tn := testTenant
	tn.KnowledgeStoreID = "vs_42"
	_, err := o.Run(context.Background(), Request{Tenant: tn, ConversationID: "c1", Text: "precio?"})
	require.NoError(t, err)

	req := client.runReqs[0]
	require.Len(t, req.Tools, 3)
	assert.Equal(t, "file_search", req.Tools[0].Type)
	assert.Equal(t, ToolCheckAvailability, req.Tools[1].Function.Name)
	assert.Equal(t, ToolCreateEvent, req.Tools[2].Function.Name)
	require.NotNil(t, req.ToolResources)
	assert.Equal(t, []string{"vs_42"}, req.ToolResources.FileSearch.VectorStoreIDs)
}

func TestRunTimesOutAfterCapIncludingToolRounds(t *testing.T) {
	client := &fakeClient{
		statuses: []assistant.Run{
			status(assistant.RunInProgress),
			toolRun(assistant.ToolCall{ID: "call_1", Type: "function", Function: assistant.FunctionCall{Name: "missing"}}),
			status(assistant.RunInProgress),
		},
	}
	o, _ := newTestOrchestrator(client, nil, nil)

	res, err := o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c1", Text: "hola"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 10, res.Polls)
	assert.Equal(t, 10, client.gets)
	assert.Len(t, client.submitted, 1)

	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StateTimeout, re.State)
	assert.Equal(t, "run_1", re.RunID)
}

func TestRunTimeoutReleasesThread(t *testing.T) {
	client := &fakeClient{statuses: []assistant.Run{status(assistant.RunInProgress)}}
	cache := conversation.NewThreadCache()
	o, _ := newTestOrchestrator(client, nil, cache)

	_, err := o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c1", Text: "hola"})
	require.ErrorIs(t, err, ErrTimeout)
	_, bound := cache.Get("c1")
	assert.False(t, bound, "a run stuck in progress must not keep the thread bound")

	client.statuses = []assistant.Run{status(assistant.RunCompleted)}
	client.gets = 0
	client.messages = []assistant.Message{textMessage(assistant.RoleAssistant, 2, "Hola")}
	_, err = o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c1", Text: "sigo aquí"})
	require.NoError(t, err)
	assert.Equal(t, 2, client.threads, "next message starts on a fresh thread")
}

func TestRunFailureReleasesReusedThread(t *testing.T) {
	for _, s := range []assistant.RunStatus{assistant.RunFailed, assistant.RunCancelled} {
		t.Run(string(s), func(t *testing.T) {
			client := &fakeClient{statuses: []assistant.Run{status(s)}}
			cache := conversation.NewThreadCache()
			cache.Set("c1", "thread_old")
			o, _ := newTestOrchestrator(client, nil, cache)

			_, err := o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c1", Text: "hola"})
			require.Error(t, err)
			assert.Equal(t, "thread_old", client.lastThread)
			_, bound := cache.Get("c1")
			assert.False(t, bound)
		})
	}
}

func TestRunKeepsThreadWhenFailingBeforeRunStarts(t *testing.T) {
	client := &fakeClient{appendErr: errors.New("dial tcp: refused")}
	cache := conversation.NewThreadCache()
	cache.Set("c1", "thread_old")
	o, _ := newTestOrchestrator(client, nil, cache)

	_, err := o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c1", Text: "hola"})
	require.Error(t, err)
	id, bound := cache.Get("c1")
	assert.True(t, bound)
	assert.Equal(t, "thread_old", id)
}

func TestRunFailedAndCancelled(t *testing.T) {
	cases := []struct {
		status assistant.RunStatus
		want   error
		state  State
	}{
		{assistant.RunFailed, ErrRunFailed, StateRunFailed},
		{assistant.RunExpired, ErrRunFailed, StateRunFailed},
		{assistant.RunCancelled, ErrRunCancelled, StateRunCancelled},
		{assistant.RunCancelling, ErrRunCancelled, StateRunCancelled},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			run := status(tc.status)
			run.LastError = &assistant.RunError{Code: "server_error", Message: "boom"}
			client := &fakeClient{statuses: []assistant.Run{run}}
			o, _ := newTestOrchestrator(client, nil, nil)

			_, err := o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c1", Text: "hola"})
			require.ErrorIs(t, err, tc.want)
			var re *RunError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tc.state, re.State)
			assert.Contains(t, err.Error(), "boom")
			assert.Len(t, client.runReqs, 1)
		})
	}
}

func TestToolFailuresAreIsolatedAndSubmittedAsBatch(t *testing.T) {
	tools := NewToolRegistry()
	require.NoError(t, tools.Register(assistant.FunctionSpec{Name: "ok_tool"}, func(ctx context.Context, tc ToolContext, args map[string]any) (any, error) {
		return map[string]any{"tenant": tc.TenantID, "n": args["n"]}, nil
	}))
	require.NoError(t, tools.Register(assistant.FunctionSpec{Name: "bad_tool"}, func(ctx context.Context, tc ToolContext, args map[string]any) (any, error) {
		return nil, errors.New("service down")
	}))
	require.NoError(t, tools.Register(assistant.FunctionSpec{Name: "panic_tool"}, func(ctx context.Context, tc ToolContext, args map[string]any) (any, error) {
		panic("kaboom")
	}))

	client := &fakeClient{
		statuses: []assistant.Run{
			toolRun(
				assistant.ToolCall{ID: "a", Function: assistant.FunctionCall{Name: "ok_tool", Arguments: `{"n":1}`}},
				assistant.ToolCall{ID: "b", Function: assistant.FunctionCall{Name: "bad_tool", Arguments: `{}`}},
				assistant.ToolCall{ID: "c", Function: assistant.FunctionCall{Name: "panic_tool"}},
				assistant.ToolCall{ID: "d", Function: assistant.FunctionCall{Name: "nope"}},
				assistant.ToolCall{ID: "e", Function: assistant.FunctionCall{Name: "ok_tool", Arguments: `{not json`}},
			),
			status(assistant.RunCompleted),
		},
		messages: []assistant.Message{textMessage(assistant.RoleAssistant, 1, "listo")},
	}
	o, _ := newTestOrchestrator(client, tools, nil)

	res, err := o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c1", Text: "agenda"})
	require.NoError(t, err)
	assert.Equal(t, "listo", res.Reply)
	assert.Equal(t, 5, res.ToolCalls)
	require.Len(t, client.submitted, 1)
	outputs := client.submitted[0]
	require.Len(t, outputs, 5)

	assert.JSONEq(t, `{"tenant":"t1","n":1}`, outputs[0].Output)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, id, outputs[i].ToolCallID)
	}
	for _, out := range outputs[1:] {
		var payload map[string]string
		require.NoError(t, json.Unmarshal([]byte(out.Output), &payload))
		assert.NotEmpty(t, payload["error"])
	}
	assert.Contains(t, outputs[1].Output, "service down")
	assert.Contains(t, outputs[2].Output, "kaboom")
	assert.Contains(t, outputs[3].Output, "unknown tool")
}

func TestEmptyReplyIsAnError(t *testing.T) {
	client := &fakeClient{
		statuses: []assistant.Run{status(assistant.RunCompleted)},
		messages: []assistant.Message{textMessage(assistant.RoleAssistant, 1, "【1:0†source】")},
	}
	o, _ := newTestOrchestrator(client, nil, nil)

	_, err := o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c1", Text: "hola"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestTransportErrorsAreNotRunErrors(t *testing.T) {
	client := &fakeClient{createErr: errors.New("dial tcp: refused")}
	o, _ := newTestOrchestrator(client, nil, nil)

	_, err := o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c1", Text: "hola"})
	require.Error(t, err)
	assert.False(t, IsRunError(err))
	assert.Contains(t, err.Error(), "create thread")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	client := &fakeClient{statuses: []assistant.Run{status(assistant.RunInProgress)}}
	o, _ := newTestOrchestrator(client, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx, Request{Tenant: testTenant, ConversationID: "c1", Text: "hola"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRequiresAssistantID(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeClient{}, nil, nil)
	_, err := o.Run(context.Background(), Request{Tenant: tenant.TenantConfig{ID: "t"}, ConversationID: "c1"})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RUN_POLLING", StateRunPolling.String())
	assert.Equal(t, "TIMEOUT", StateTimeout.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
	assert.True(t, StateRunCancelled.Terminal())
	assert.False(t, StateToolCallPending.Terminal())
}

type fakeCalendar struct {
	businessID string
	query      calendar.AvailabilityQuery
	input      calendar.EventInput
}

func (f *fakeCalendar) CheckAvailability(ctx context.Context, businessID string, q calendar.AvailabilityQuery) ([]calendar.Slot, error) {
	f.businessID = businessID
	f.query = q
	return []calendar.Slot{{Start: "09:00", End: "10:00", Status: "free"}}, nil
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, businessID string, in calendar.EventInput) (calendar.Event, error) {
	f.businessID = businessID
	f.input = in
	if err := calendar.ValidateEvent(in); err != nil {
		return calendar.Event{}, err
	}
	return calendar.Event{ID: "evt_1", Title: in.Title}, nil
}

func TestCalendarToolsUseTenantAsBusiness(t *testing.T) {
	cal := &fakeCalendar{}
	tools := NewToolRegistry()
	require.NoError(t, RegisterCalendarTools(tools, cal))
	tc := ToolContext{TenantID: "t1", ConversationID: "c1"}

	out := tools.dispatch(context.Background(), testLogger(), tc, []assistant.ToolCall{
		{ID: "1", Function: assistant.FunctionCall{Name: ToolCheckAvailability, Arguments: `{"start_date":"2026-03-02","end_date":"2026-03-03"}`}},
	})
	assert.Equal(t, "t1", cal.businessID)
	assert.Equal(t, "2026-03-02", cal.query.StartDate)
	assert.Contains(t, out[0].Output, `"free"`)

	out = tools.dispatch(context.Background(), testLogger(), tc, []assistant.ToolCall{
		{ID: "2", Function: assistant.FunctionCall{Name: ToolCreateEvent, Arguments: `{"title":"Corte","start":"2026-03-02T10:00:00Z","end":"2026-03-02T10:30:00Z","attendees":["ana@example.com"]}`}},
		{ID: "3", Function: assistant.FunctionCall{Name: ToolCreateEvent, Arguments: `{"title":"Corte"}`}},
	})
	assert.Equal(t, []string{"ana@example.com"}, cal.input.Attendees)
	assert.Contains(t, out[0].Output, `"created"`)
	assert.Contains(t, out[1].Output, `"error"`)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewToolRegistry()
	h := func(ctx context.Context, tc ToolContext, args map[string]any) (any, error) { return nil, nil }
	require.NoError(t, r.Register(assistant.FunctionSpec{Name: "x"}, h))
	assert.Error(t, r.Register(assistant.FunctionSpec{Name: " x "}, h))
	assert.Error(t, r.Register(assistant.FunctionSpec{Name: ""}, h))
	assert.Error(t, r.Register(assistant.FunctionSpec{Name: "y"}, nil))
}

func TestStringSliceArg(t *testing.T) {
	got, err := StringSliceArg(map[string]any{"a": []any{" x ", "", "y"}}, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, got)

	got, err = StringSliceArg(map[string]any{"a": "x, y"}, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, got)

	_, err = StringSliceArg(map[string]any{"a": []any{1}}, "a")
	assert.Error(t, err)
}

var _ ThreadStore = (*conversation.Resolver)(nil)

func TestRunUsesTenantAPIKey(t *testing.T) {
	client := &fakeClient{
		statuses: []assistant.Run{status(assistant.RunCompleted)},
		messages: []assistant.Message{textMessage(assistant.RoleAssistant, 1, "ok")},
	}
	provider := &fakeProvider{client: client}
	o := New(testLogger(), provider, conversation.NewResolver(testLogger(), conversation.NewMemoryStore(), nil), nil, Options{})
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := o.Run(context.Background(), Request{Tenant: testTenant, ConversationID: "c1", Text: "hola"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-tenant"}, provider.keys)
}
