package email

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/memohai/concierge/internal/db"
)

// Outbox is the audit log of outbound emails.
type Outbox interface {
	Create(ctx context.Context, provider string, audit Audit, msg OutboundEmail) (string, error)
	MarkSent(ctx context.Context, id, messageID string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
}

// OutboxService stores the audit log in email_outbox.
type OutboxService struct {
	db     db.DBTX
	logger *slog.Logger
}

func NewOutboxService(log *slog.Logger, conn db.DBTX) *OutboxService {
	return &OutboxService{
		db:     conn,
		logger: log.With(slog.String("service", "email_outbox")),
	}
}

// optionalUUID maps ids that are not UUIDs to NULL.
func optionalUUID(value string) pgtype.UUID {
	id, err := db.ParseUUID(value)
	if err != nil {
		return pgtype.UUID{}
	}
	return id
}

// Create records a pending outbound email.
func (s *OutboxService) Create(ctx context.Context, provider string, audit Audit, msg OutboundEmail) (string, error) {
	toJSON, err := json.Marshal(msg.To)
	if err != nil {
		return "", fmt.Errorf("marshal recipients: %w", err)
	}
	var id pgtype.UUID
	err = s.db.QueryRow(ctx, `INSERT INTO email_outbox
		(provider, tenant_id, conversation_id, from_address, to_addresses, subject, body_html, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		provider, optionalUUID(audit.TenantID), optionalUUID(audit.ConversationID),
		msg.From, toJSON, msg.Subject, msg.Body, OutboxPending,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create outbox: %w", err)
	}
	return db.UUIDString(id), nil
}

// MarkSent updates the outbox record with a successful send.
func (s *OutboxService) MarkSent(ctx context.Context, id, messageID string) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `UPDATE email_outbox
		SET status = $2, message_id = $3, sent_at = now(), error = ''
		WHERE id = $1`, pgID, OutboxSent, messageID)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

// MarkFailed updates the outbox record with an error.
func (s *OutboxService) MarkFailed(ctx context.Context, id, errMsg string) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `UPDATE email_outbox SET status = $2, error = $3 WHERE id = $1`,
		pgID, OutboxFailed, errMsg)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

func (s *OutboxService) Get(ctx context.Context, id string) (OutboxItem, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return OutboxItem{}, err
	}
	var (
		item           OutboxItem
		rowID, tenant  pgtype.UUID
		conversationID pgtype.UUID
		toJSON         []byte
		sentAt         pgtype.Timestamptz
	)
	err = s.db.QueryRow(ctx, `SELECT id, provider, tenant_id, conversation_id, from_address, to_addresses,
		subject, body_html, status, message_id, error, sent_at, created_at
		FROM email_outbox WHERE id = $1`, pgID).Scan(
		&rowID, &item.Provider, &tenant, &conversationID, &item.From, &toJSON,
		&item.Subject, &item.BodyHTML, &item.Status, &item.MessageID, &item.Error, &sentAt, &item.CreatedAt,
	)
	if err != nil {
		return OutboxItem{}, fmt.Errorf("get outbox: %w", err)
	}
	item.ID = db.UUIDString(rowID)
	item.TenantID = db.UUIDString(tenant)
	item.ConversationID = db.UUIDString(conversationID)
	_ = json.Unmarshal(toJSON, &item.To)
	if sentAt.Valid {
		t := sentAt.Time
		item.SentAt = &t
	}
	return item, nil
}

// MemoryOutbox keeps the audit log in process. Used when Postgres is not wired and in tests.
type MemoryOutbox struct {
	mu    sync.Mutex
	items map[string]*OutboxItem
	order []string
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{items: map[string]*OutboxItem{}}
}

func (m *MemoryOutbox) Create(_ context.Context, provider string, audit Audit, msg OutboundEmail) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.items[id] = &OutboxItem{
		ID:             id,
		Provider:       provider,
		TenantID:       audit.TenantID,
		ConversationID: audit.ConversationID,
		From:           msg.From,
		To:             append([]string(nil), msg.To...),
		Subject:        msg.Subject,
		BodyHTML:       msg.Body,
		Status:         OutboxPending,
		CreatedAt:      time.Now().UTC(),
	}
	m.order = append(m.order, id)
	return id, nil
}

func (m *MemoryOutbox) MarkSent(_ context.Context, id, messageID string) error {
	return m.update(id, func(item *OutboxItem) {
		now := time.Now().UTC()
		item.Status = OutboxSent
		item.MessageID = messageID
		item.SentAt = &now
	})
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, id, errMsg string) error {
	return m.update(id, func(item *OutboxItem) {
		item.Status = OutboxFailed
		item.Error = errMsg
	})
}

func (m *MemoryOutbox) update(id string, fn func(*OutboxItem)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return fmt.Errorf("outbox item %s not found", id)
	}
	fn(item)
	return nil
}

// Items returns the audit log in insertion order.
func (m *MemoryOutbox) Items() []OutboxItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboxItem, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.items[id])
	}
	return out
}
