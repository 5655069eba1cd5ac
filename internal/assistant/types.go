package assistant

import (
	"context"
	"encoding/json"
)

// RunStatus values reported by the backend.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunIncomplete     RunStatus = "incomplete"
	RunExpired        RunStatus = "expired"
)

// Role of a thread message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Thread struct {
	ID string `json:"id"`
}

// ToolDefinition is a tool declaration attached to a run.
type ToolDefinition struct {
	Type     string        `json:"type"`
	Function *FunctionSpec `json:"function,omitempty"`
}

type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ToolResources struct {
	FileSearch *FileSearchResources `json:"file_search,omitempty"`
}

type FileSearchResources struct {
	VectorStoreIDs []string `json:"vector_store_ids"`
}

type CreateRunRequest struct {
	AssistantID   string           `json:"assistant_id"`
	Instructions  string           `json:"instructions,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	ToolResources *ToolResources   `json:"tool_resources,omitempty"`
}

type Run struct {
	ID             string          `json:"id"`
	ThreadID       string          `json:"thread_id"`
	Status         RunStatus       `json:"status"`
	RequiredAction *RequiredAction `json:"required_action,omitempty"`
	LastError      *RunError       `json:"last_error,omitempty"`
}

// PendingToolCalls returns the tool calls the run is waiting on, if any.
func (r Run) PendingToolCalls() []ToolCall {
	if r.RequiredAction == nil || r.RequiredAction.SubmitToolOutputs == nil {
		return nil
	}
	return r.RequiredAction.SubmitToolOutputs.ToolCalls
}

type RequiredAction struct {
	Type              string             `json:"type"`
	SubmitToolOutputs *SubmitToolOutputs `json:"submit_tool_outputs,omitempty"`
}

type SubmitToolOutputs struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

type Message struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	CreatedAt int64            `json:"created_at"`
	RunID     string           `json:"run_id,omitempty"`
	Content   []MessageContent `json:"content"`
}

type MessageContent struct {
	Type string       `json:"type"`
	Text *TextContent `json:"text,omitempty"`
}

type TextContent struct {
	Value       string            `json:"value"`
	Annotations []json.RawMessage `json:"annotations,omitempty"`
}

// Client is the assistant backend collaborator, bound to one credential.
type Client interface {
	CreateThread(ctx context.Context) (Thread, error)
	AppendMessage(ctx context.Context, threadID, role, text string) (Message, error)
	CreateRun(ctx context.Context, threadID string, req CreateRunRequest) (Run, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error)
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
}

// Provider hands out clients for a tenant's API key.
type Provider interface {
	ClientFor(apiKey string) Client
}
