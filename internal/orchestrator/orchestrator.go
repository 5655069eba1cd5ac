package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/memohai/concierge/internal/assistant"
	"github.com/memohai/concierge/internal/tenant"
)

const (
	DefaultPollInterval    = time.Second
	DefaultMaxPollAttempts = 10
)

var citationPattern = regexp.MustCompile(`【[^】]*】`)

// ThreadStore remembers the assistant thread bound to a conversation.
type ThreadStore interface {
	GetThread(conversationID string) (string, bool)
	BindThread(conversationID, threadID string)
	ForgetThread(conversationID string)
}

type Options struct {
	PollInterval    time.Duration
	MaxPollAttempts int
}

type Request struct {
	Tenant         tenant.TenantConfig
	ConversationID string
	Text           string
}

type Result struct {
	ThreadID  string
	RunID     string
	Reply     string
	Polls     int
	ToolCalls int
}

// Orchestrator drives one assistant run per inbound message.
type Orchestrator struct {
	provider assistant.Provider
	threads  ThreadStore
	tools    *ToolRegistry
	opts     Options
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

func New(log *slog.Logger, provider assistant.Provider, threads ThreadStore, tools *ToolRegistry, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPollAttempts <= 0 {
		opts.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Orchestrator{
		provider: provider,
		threads:  threads,
		tools:    tools,
		opts:     opts,
		sleep:    sleepContext,
		logger:   log.With(slog.String("service", "orchestrator")),
	}
}

type runState struct {
	req      Request
	client   assistant.Client
	log      *slog.Logger
	threadID string
	run      assistant.Run
	result   Result
}

// Run appends req.Text to the conversation's thread, waits for the run and returns the reply.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return Result{}, fmt.Errorf("conversation id is required")
	}
	if strings.TrimSpace(req.Tenant.AssistantID) == "" {
		return Result{}, fmt.Errorf("tenant %s has no assistant id", req.Tenant.ID)
	}
	rs := &runState{
		req:    req,
		client: o.provider.ClientFor(req.Tenant.AssistantAPIKey),
		log: o.logger.With(
			slog.String("tenant_id", req.Tenant.ID),
			slog.String("conversation_id", req.ConversationID),
		),
	}

	state := StateCreated
	for !state.Terminal() {
		next, err := o.step(ctx, rs, state)
		if err != nil {
			rs.log.Warn("assistant run stopped", slog.String("state", state.String()), slog.Any("error", err))
			if rs.run.ID != "" {
				o.forgetThread(rs)
			}
			return rs.result, err
		}
		rs.log.Debug("run transition", slog.String("from", state.String()), slog.String("to", next.String()))
		state = next
	}
	if state != StateResponseExtracted {
		err := terminalError(state, rs.run)
		rs.log.Warn("assistant run ended", slog.String("state", state.String()), slog.String("run_id", rs.run.ID))
		o.forgetThread(rs)
		return rs.result, err
	}
	return rs.result, nil
}

// forgetThread drops the binding after a run that may still be active on the
// backend, so the next message starts on a fresh thread instead of being
// rejected by the stuck run.
func (o *Orchestrator) forgetThread(rs *runState) {
	o.threads.ForgetThread(rs.req.ConversationID)
	rs.log.Info("assistant thread released", slog.String("thread_id", rs.threadID), slog.String("run_id", rs.run.ID))
}

func (o *Orchestrator) step(ctx context.Context, rs *runState, state State) (State, error) {
	switch state {
	case StateCreated:
		return o.ensureThread(ctx, rs)
	case StateThreadReady:
		if _, err := rs.client.AppendMessage(ctx, rs.threadID, assistant.RoleUser, rs.req.Text); err != nil {
			return state, fmt.Errorf("append message: %w", err)
		}
		return StateMessageAppended, nil
	case StateMessageAppended:
		run, err := rs.client.CreateRun(ctx, rs.threadID, o.runRequest(rs.req.Tenant))
		if err != nil {
			return state, fmt.Errorf("create run: %w", err)
		}
		rs.run = run
		rs.result.RunID = run.ID
		return StateRunStarted, nil
	case StateRunStarted, StateRunPolling:
		return o.poll(ctx, rs)
	case StateToolCallPending:
		return o.submitTools(ctx, rs)
	case StateRunCompleted:
		return o.extract(ctx, rs)
	}
	return state, fmt.Errorf("unexpected state %s", state)
}

func (o *Orchestrator) ensureThread(ctx context.Context, rs *runState) (State, error) {
	if id, ok := o.threads.GetThread(rs.req.ConversationID); ok && id != "" {
		rs.threadID = id
		rs.result.ThreadID = id
		return StateThreadReady, nil
	}
	thread, err := rs.client.CreateThread(ctx)
	if err != nil {
		return StateCreated, fmt.Errorf("create thread: %w", err)
	}
	o.threads.BindThread(rs.req.ConversationID, thread.ID)
	rs.threadID = thread.ID
	rs.result.ThreadID = thread.ID
	rs.log.Info("assistant thread created", slog.String("thread_id", thread.ID))
	return StateThreadReady, nil
}

func (o *Orchestrator) runRequest(t tenant.TenantConfig) assistant.CreateRunRequest {
	req := assistant.CreateRunRequest{
		AssistantID:  t.AssistantID,
		Instructions: t.SystemPrompt,
		Tools:        o.tools.Definitions(),
	}
	if id := strings.TrimSpace(t.KnowledgeStoreID); id != "" {
		req.Tools = append([]assistant.ToolDefinition{{Type: "file_search"}}, req.Tools...)
		req.ToolResources = &assistant.ToolResources{
			FileSearch: &assistant.FileSearchResources{VectorStoreIDs: []string{id}},
		}
	}
	return req
}

// poll counts against a budget shared by the whole call, including polls after tool submission.
func (o *Orchestrator) poll(ctx context.Context, rs *runState) (State, error) {
	if rs.result.Polls >= o.opts.MaxPollAttempts {
		return StateTimeout, nil
	}
	if err := o.sleep(ctx, o.opts.PollInterval); err != nil {
		return StateRunPolling, fmt.Errorf("poll run: %w", err)
	}
	run, err := rs.client.GetRun(ctx, rs.threadID, rs.run.ID)
	rs.result.Polls++
	if err != nil {
		return StateRunPolling, fmt.Errorf("get run: %w", err)
	}
	rs.run = run
	switch run.Status {
	case assistant.RunCompleted:
		return StateRunCompleted, nil
	case assistant.RunRequiresAction:
		return StateToolCallPending, nil
	case assistant.RunFailed, assistant.RunExpired, assistant.RunIncomplete:
		return StateRunFailed, nil
	case assistant.RunCancelled, assistant.RunCancelling:
		return StateRunCancelled, nil
	default:
		return StateRunPolling, nil
	}
}

func (o *Orchestrator) submitTools(ctx context.Context, rs *runState) (State, error) {
	calls := rs.run.PendingToolCalls()
	if len(calls) == 0 {
		return StateRunFailed, nil
	}
	tc := ToolContext{TenantID: rs.req.Tenant.ID, ConversationID: rs.req.ConversationID}
	outputs := o.tools.dispatch(ctx, rs.log, tc, calls)
	rs.result.ToolCalls += len(calls)

	run, err := rs.client.SubmitToolOutputs(ctx, rs.threadID, rs.run.ID, outputs)
	if err != nil {
		return StateToolCallPending, fmt.Errorf("submit tool outputs: %w", err)
	}
	if run.ID != "" {
		rs.run = run
	}
	return StateRunPolling, nil
}

func (o *Orchestrator) extract(ctx context.Context, rs *runState) (State, error) {
	messages, err := rs.client.ListMessages(ctx, rs.threadID)
	if err != nil {
		return StateRunCompleted, fmt.Errorf("list messages: %w", err)
	}
	reply := LatestAssistantText(messages)
	if reply == "" {
		return StateRunCompleted, &RunError{
			State:  StateRunCompleted,
			RunID:  rs.run.ID,
			Status: rs.run.Status,
			Err:    ErrEmptyResponse,
		}
	}
	rs.result.Reply = reply
	return StateResponseExtracted, nil
}

// LatestAssistantText joins the text segments of the newest assistant message, without citation markers.
func LatestAssistantText(messages []assistant.Message) string {
	var newest *assistant.Message
	for i := range messages {
		m := &messages[i]
		if m.Role != assistant.RoleAssistant {
			continue
		}
		if newest == nil || m.CreatedAt > newest.CreatedAt {
			newest = m
		}
	}
	if newest == nil {
		return ""
	}
	parts := make([]string, 0, len(newest.Content))
	for _, c := range newest.Content {
		if c.Type != "text" || c.Text == nil {
			continue
		}
		if v := strings.TrimSpace(StripCitations(c.Text.Value)); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func StripCitations(text string) string {
	return citationPattern.ReplaceAllString(text, "")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRunError reports whether err came from a terminal run state rather than transport.
func IsRunError(err error) bool {
	var re *RunError
	return errors.As(err, &re)
}
