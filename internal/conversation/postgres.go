package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/memohai/concierge/internal/db"
)

const conversationColumns = `id, tenant_id, external_address, last_message_summary, last_message_at,
  bot_active, important, escalation_sent_at, created_at`

const messageColumns = `id, conversation_id, content, sender_kind, media_url, external_message_id, created_at,
  delivered_to_channel, delivery_attempted_at, delivery_error, needs_escalation, escalation_sent`

// PostgresStore implements Store on the schema in internal/db/migrations.
type PostgresStore struct {
	db db.DBTX
}

func NewPostgresStore(conn db.DBTX) *PostgresStore {
	return &PostgresStore{db: conn}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		id, tenantID       pgtype.UUID
		lastAt, escalation pgtype.Timestamptz
		createdAt          pgtype.Timestamptz
		c                  Conversation
	)
	if err := row.Scan(&id, &tenantID, &c.ExternalAddress, &c.LastMessageSummary, &lastAt,
		&c.BotActive, &c.Important, &escalation, &createdAt); err != nil {
		return Conversation{}, err
	}
	c.ID = db.UUIDString(id)
	c.TenantID = db.UUIDString(tenantID)
	c.LastMessageAt = timePtr(lastAt)
	c.EscalationSentAt = timePtr(escalation)
	c.CreatedAt = createdAt.Time
	return c, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		id, convID           pgtype.UUID
		createdAt, attempted pgtype.Timestamptz
		m                    Message
	)
	if err := row.Scan(&id, &convID, &m.Content, &m.SenderKind, &m.MediaURL, &m.ExternalMessageID, &createdAt,
		&m.DeliveredToChannel, &attempted, &m.DeliveryError, &m.NeedsEscalation, &m.EscalationSent); err != nil {
		return Message{}, err
	}
	m.ID = db.UUIDString(id)
	m.ConversationID = db.UUIDString(convID)
	m.CreatedAt = createdAt.Time
	m.DeliveryAttemptedAt = timePtr(attempted)
	return m, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func (s *PostgresStore) FindLatestConversation(ctx context.Context, tenantID, externalAddress string) (Conversation, error) {
	pgTenant, err := db.ParseUUID(tenantID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid tenant_id: %w", err)
	}
	row := s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = $1 AND external_address = $2
		ORDER BY created_at DESC LIMIT 1`, pgTenant, externalAddress)
	conv, err := scanConversation(row)
	if err != nil {
		if db.IsNoRows(err) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, tenantID, externalAddress string) (Conversation, error) {
	pgTenant, err := db.ParseUUID(tenantID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid tenant_id: %w", err)
	}
	row := s.db.QueryRow(ctx, `INSERT INTO conversations (tenant_id, external_address)
		VALUES ($1, $2) RETURNING `+conversationColumns, pgTenant, externalAddress)
	conv, err := scanConversation(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Conversation{}, ErrConflict
		}
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid conversation_id: %w", err)
	}
	conv, err := scanConversation(s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, pgID))
	if err != nil {
		if db.IsNoRows(err) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, id, summary string, at time.Time) error {
	return s.execConversation(ctx, id, `UPDATE conversations
		SET last_message_summary = $2, last_message_at = $3 WHERE id = $1`, Summarize(summary), at.UTC())
}

func (s *PostgresStore) SetBotActive(ctx context.Context, id string, active bool) error {
	return s.execConversation(ctx, id, `UPDATE conversations SET bot_active = $2 WHERE id = $1`, active)
}

func (s *PostgresStore) SetImportant(ctx context.Context, id string, important bool) error {
	return s.execConversation(ctx, id, `UPDATE conversations SET important = $2 WHERE id = $1`, important)
}

func (s *PostgresStore) execConversation(ctx context.Context, id, sql string, args ...any) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid conversation_id: %w", err)
	}
	tag, err := s.db.Exec(ctx, sql, append([]any{pgID}, args...)...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, input AppendInput) (Message, error) {
	pgConv, err := db.ParseUUID(input.ConversationID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid conversation_id: %w", err)
	}
	row := s.db.QueryRow(ctx, `INSERT INTO messages
		(conversation_id, content, sender_kind, media_url, external_message_id, needs_escalation)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+messageColumns,
		pgConv, input.Content, input.SenderKind, input.MediaURL, input.ExternalMessageID, input.NeedsEscalation)
	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Message{}, fmt.Errorf("invalid message_id: %w", err)
	}
	msg, err := scanMessage(s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, pgID))
	if err != nil {
		if db.IsNoRows(err) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	pgConv, err := db.ParseUUID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("invalid conversation_id: %w", err)
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, `SELECT * FROM (
		SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1
		ORDER BY created_at DESC LIMIT $2
	) recent ORDER BY created_at ASC`, pgConv, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var items []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, msg)
	}
	return items, rows.Err()
}

func (s *PostgresStore) MarkDeliveryAttempted(ctx context.Context, messageID string, at time.Time) (bool, error) {
	pgID, err := db.ParseUUID(messageID)
	if err != nil {
		return false, fmt.Errorf("invalid message_id: %w", err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE messages SET delivery_attempted_at = $2
		WHERE id = $1 AND delivery_attempted_at IS NULL`, pgID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark delivery attempted: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RecordDelivery(ctx context.Context, messageID string, delivered bool, deliveryErr string) error {
	pgID, err := db.ParseUUID(messageID)
	if err != nil {
		return fmt.Errorf("invalid message_id: %w", err)
	}
	if _, err := s.db.Exec(ctx, `UPDATE messages SET delivered_to_channel = $2, delivery_error = $3 WHERE id = $1`,
		pgID, delivered, deliveryErr); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// MarkEscalationSent updates both rows in one statement so the flags cannot diverge.
func (s *PostgresStore) MarkEscalationSent(ctx context.Context, conversationID, messageID string, at time.Time) (bool, error) {
	pgConv, err := db.ParseUUID(conversationID)
	if err != nil {
		return false, fmt.Errorf("invalid conversation_id: %w", err)
	}
	pgMsg, err := db.ParseUUID(messageID)
	if err != nil {
		return false, fmt.Errorf("invalid message_id: %w", err)
	}
	var updated pgtype.UUID
	err = s.db.QueryRow(ctx, `WITH flipped AS (
		UPDATE messages SET escalation_sent = true, needs_escalation = true
		WHERE id = $2 AND conversation_id = $1 AND escalation_sent = false
		RETURNING conversation_id
	)
	UPDATE conversations SET escalation_sent_at = COALESCE(escalation_sent_at, $3)
	WHERE id IN (SELECT conversation_id FROM flipped)
	RETURNING id`, pgConv, pgMsg, at.UTC()).Scan(&updated)
	if err != nil {
		if db.IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("mark escalation sent: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListPendingEscalations(ctx context.Context, limit int) ([]PendingEscalation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT m.id, m.conversation_id, m.content, m.sender_kind, m.media_url,
		m.external_message_id, m.created_at, m.delivered_to_channel, m.delivery_attempted_at, m.delivery_error,
		m.needs_escalation, m.escalation_sent, c.tenant_id, c.external_address
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE m.needs_escalation AND NOT m.escalation_sent
		ORDER BY m.created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending escalations: %w", err)
	}
	defer rows.Close()
	var items []PendingEscalation
	for rows.Next() {
		var (
			id, convID, tenantID pgtype.UUID
			createdAt, attempted pgtype.Timestamptz
			p                    PendingEscalation
		)
		m := &p.Message
		if err := rows.Scan(&id, &convID, &m.Content, &m.SenderKind, &m.MediaURL, &m.ExternalMessageID, &createdAt,
			&m.DeliveredToChannel, &attempted, &m.DeliveryError, &m.NeedsEscalation, &m.EscalationSent,
			&tenantID, &p.ExternalAddress); err != nil {
			return nil, fmt.Errorf("scan pending escalation: %w", err)
		}
		m.ID = db.UUIDString(id)
		m.ConversationID = db.UUIDString(convID)
		m.CreatedAt = createdAt.Time
		m.DeliveryAttemptedAt = timePtr(attempted)
		p.TenantID = db.UUIDString(tenantID)
		items = append(items, p)
	}
	return items, rows.Err()
}
