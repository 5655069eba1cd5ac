package conversation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRecentMessagesChronological(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, "tenant-a", "+521111")
	require.NoError(t, err)

	for _, text := range []string{"m1", "m2", "m3", "m4"} {
		_, err := store.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, Content: text, SenderKind: SenderUser})
		require.NoError(t, err)
	}

	recent, err := store.ListRecentMessages(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "m2", recent[0].Content)
	assert.Equal(t, "m4", recent[2].Content)

	_, err = store.AppendMessage(ctx, AppendInput{ConversationID: "missing", Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDeliveryAttemptOnce(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	conv, _ := store.CreateConversation(ctx, "tenant-a", "+521111")
	msg, _ := store.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, Content: "hola", SenderKind: SenderAssistant})

	first, err := store.MarkDeliveryAttempted(ctx, msg.ID, time.Now())
	require.NoError(t, err)
	second, err := store.MarkDeliveryAttempted(ctx, msg.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, store.RecordDelivery(ctx, msg.ID, false, "gateway 502"))
	got, _ := store.GetMessage(ctx, msg.ID)
	assert.False(t, got.DeliveredToChannel)
	assert.Equal(t, "gateway 502", got.DeliveryError)
}

func TestMemoryStoreEscalationFlagsFlipOnce(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	conv, _ := store.CreateConversation(ctx, "tenant-a", "+521111")
	msg, _ := store.AppendMessage(ctx, AppendInput{
		ConversationID: conv.ID, Content: "un asesor te llamará", SenderKind: SenderAssistant, NeedsEscalation: true,
	})

	pending, err := store.ListPendingEscalations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "+521111", pending[0].ExternalAddress)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	flipped, err := store.MarkEscalationSent(ctx, conv.ID, msg.ID, at)
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = store.MarkEscalationSent(ctx, conv.ID, msg.ID, at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, flipped)

	got, _ := store.GetConversation(ctx, conv.ID)
	require.NotNil(t, got.EscalationSentAt)
	assert.Equal(t, at, *got.EscalationSentAt)

	pending, _ = store.ListPendingEscalations(ctx, 10)
	assert.Empty(t, pending)
}

func TestMemoryStoreTouchAndFlags(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	conv, _ := store.CreateConversation(ctx, "tenant-a", "+521111")

	long := strings.Repeat("a", 300)
	require.NoError(t, store.TouchConversation(ctx, conv.ID, long, time.Now()))
	require.NoError(t, store.SetBotActive(ctx, conv.ID, false))
	require.NoError(t, store.SetImportant(ctx, conv.ID, true))

	got, _ := store.GetConversation(ctx, conv.ID)
	assert.Equal(t, summaryMaxRunes, len([]rune(got.LastMessageSummary)))
	assert.False(t, got.BotActive)
	assert.True(t, got.Important)
	assert.ErrorIs(t, store.SetImportant(ctx, "missing", true), ErrNotFound)
}
