package tenant

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/memohai/concierge/internal/db"
)

const listTenantsSQL = `
SELECT t.id, t.display_name, t.channel_address, t.gateway_source_name, t.gateway_api_key,
       t.assistant_api_key, t.assistant_id, t.knowledge_store_id, t.system_prompt, t.fallback_reply,
       t.contact_emails, t.escalation_phrases, COALESCE(u.email, ''), COALESCE(o.email, ''), t.active
FROM tenants t
LEFT JOIN user_profiles u ON u.id = t.user_id
LEFT JOIN user_profiles o ON o.id = t.owner_id
ORDER BY t.created_at, t.id`

const upsertTenantSQL = `
INSERT INTO tenants (id, display_name, channel_address, gateway_source_name, gateway_api_key,
                     assistant_api_key, assistant_id, knowledge_store_id, system_prompt, fallback_reply,
                     contact_emails, escalation_phrases, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
  display_name = EXCLUDED.display_name,
  channel_address = EXCLUDED.channel_address,
  gateway_source_name = EXCLUDED.gateway_source_name,
  gateway_api_key = EXCLUDED.gateway_api_key,
  assistant_api_key = EXCLUDED.assistant_api_key,
  assistant_id = EXCLUDED.assistant_id,
  knowledge_store_id = EXCLUDED.knowledge_store_id,
  system_prompt = EXCLUDED.system_prompt,
  fallback_reply = EXCLUDED.fallback_reply,
  contact_emails = EXCLUDED.contact_emails,
  escalation_phrases = EXCLUDED.escalation_phrases,
  active = EXCLUDED.active,
  updated_at = now()`

// PostgresSource reads tenants from the tenants table.
type PostgresSource struct {
	db db.DBTX
}

func NewPostgresSource(conn db.DBTX) *PostgresSource {
	return &PostgresSource{db: conn}
}

func (s *PostgresSource) LoadTenants(ctx context.Context) ([]TenantConfig, error) {
	rows, err := s.db.Query(ctx, listTenantsSQL)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var items []TenantConfig
	for rows.Next() {
		var (
			id        pgtype.UUID
			knowledge pgtype.Text
			t         TenantConfig
		)
		if err := rows.Scan(
			&id, &t.DisplayName, &t.ChannelAddress, &t.GatewaySource, &t.GatewayAPIKey,
			&t.AssistantAPIKey, &t.AssistantID, &knowledge, &t.SystemPrompt, &t.FallbackReply,
			&t.ContactEmails, &t.EscalationPhrases, &t.UserEmail, &t.OwnerEmail, &t.Active,
		); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		t.ID = db.UUIDString(id)
		if knowledge.Valid {
			t.KnowledgeStoreID = knowledge.String
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return items, nil
}

// Upsert writes a tenant by id. Used by the tenants import command.
func (s *PostgresSource) Upsert(ctx context.Context, t TenantConfig) error {
	id, err := db.ParseUUID(t.ID)
	if err != nil {
		return fmt.Errorf("invalid tenant id %q: %w", t.ID, err)
	}
	contacts := t.ContactEmails
	if contacts == nil {
		contacts = []string{}
	}
	phrases := t.EscalationPhrases
	if phrases == nil {
		phrases = []string{}
	}
	if _, err := s.db.Exec(ctx, upsertTenantSQL,
		id, t.DisplayName, t.ChannelAddress, t.GatewaySource, t.GatewayAPIKey,
		t.AssistantAPIKey, t.AssistantID, t.KnowledgeStoreID, t.SystemPrompt, t.FallbackReply,
		contacts, phrases, t.Active,
	); err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}
