package tenant

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("tenant not found")

// TenantConfig is one onboarded business. Values are treated as immutable once loaded.
type TenantConfig struct {
	ID               string   `json:"id" yaml:"id"`
	DisplayName      string   `json:"display_name" yaml:"display_name"`
	ChannelAddress   string   `json:"channel_address" yaml:"channel_address"`
	GatewaySource    string   `json:"gateway_source_name,omitempty" yaml:"gateway_source_name"`
	GatewayAPIKey    string   `json:"-" yaml:"gateway_api_key"`
	AssistantAPIKey  string   `json:"-" yaml:"assistant_api_key"`
	AssistantID      string   `json:"assistant_id" yaml:"assistant_id"`
	KnowledgeStoreID string   `json:"knowledge_store_id,omitempty" yaml:"knowledge_store_id"`
	SystemPrompt     string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	FallbackReply    string   `json:"fallback_reply,omitempty" yaml:"fallback_reply"`
	ContactEmails    []string `json:"contact_emails,omitempty" yaml:"contact_emails"`
	UserEmail        string   `json:"user_email,omitempty" yaml:"user_email"`
	OwnerEmail       string   `json:"owner_email,omitempty" yaml:"owner_email"`
	// EscalationPhrases are checked before the built-in confirmation patterns.
	EscalationPhrases []string `json:"escalation_phrases,omitempty" yaml:"escalation_phrases"`
	Active            bool     `json:"active" yaml:"active"`
}

// Source loads the full tenant set.
type Source interface {
	LoadTenants(ctx context.Context) ([]TenantConfig, error)
}
