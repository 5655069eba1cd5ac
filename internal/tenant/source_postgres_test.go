package tenant

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type recordingDBTX struct {
	execSQL  string
	execArgs []any
}

func (d *recordingDBTX) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.execSQL = sql
	d.execArgs = args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (d *recordingDBTX) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (d *recordingDBTX) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func TestPostgresSourceUpsertNormalizesNilSlices(t *testing.T) {
	t.Parallel()

	conn := &recordingDBTX{}
	src := NewPostgresSource(conn)
	err := src.Upsert(context.Background(), TenantConfig{
		ID:             "6f1f3d0e-5d2b-4a47-9c35-8b1f1e0f6a10",
		DisplayName:    "Clinica",
		ChannelAddress: "5215551234567",
		AssistantID:    "asst_1",
		Active:         true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(conn.execSQL, "ON CONFLICT (id)") {
		t.Fatalf("expected upsert statement, got %q", conn.execSQL)
	}
	if len(conn.execArgs) != 13 {
		t.Fatalf("expected 13 args, got %d", len(conn.execArgs))
	}
	if contacts, ok := conn.execArgs[10].([]string); !ok || contacts == nil {
		t.Fatalf("contact emails must be a non-nil slice, got %#v", conn.execArgs[10])
	}
}

func TestPostgresSourceUpsertRejectsBadID(t *testing.T) {
	t.Parallel()

	src := NewPostgresSource(&recordingDBTX{})
	if err := src.Upsert(context.Background(), TenantConfig{ID: "tenant-a"}); err == nil {
		t.Fatalf("expected invalid id error")
	}
}
