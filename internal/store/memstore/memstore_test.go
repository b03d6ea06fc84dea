package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/domain/entities"
	"go-imsync/internal/domain/errs"
	"go-imsync/internal/domain/valueobjects"
	"go-imsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) (*Store, *models.Conversation) {
	t.Helper()
	s := New()
	conv, err := entities.NewDirectConversation("c", "a", "b", t0)
	require.NoError(t, err)
	_, err = s.CreateConversation(context.Background(), conv)
	require.NoError(t, err)
	return s, conv
}

func msg(id, sender string, typ valueobjects.MessageType, at time.Time) *models.Message {
	return &models.Message{ID: id, ConversationID: "c", SenderID: sender, Type: typ, Content: id, CreatedAt: at}
}

func TestInsertUpdatesCounters(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t)

	require.NoError(t, s.InsertMessage(ctx, msg("m1", "a", valueobjects.MessageTypeText, t0.Add(time.Minute))))
	conv, err := s.GetConversation(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "m1", conv.LatestMessage.ID)
	assert.Equal(t, 1, conv.UnreadCounts["b"])
	assert.Equal(t, 0, conv.UnreadCounts["a"])

	m, err := s.GetMessage(ctx, "c", "m1")
	require.NoError(t, err)
	assert.Contains(t, m.ReadBy, "a")

	// 回应不改变最近活跃
	r := msg("r1", "b", valueobjects.MessageTypeReaction, t0.Add(2*time.Minute))
	r.QuotedContent = &models.QuotedContent{Kind: models.QuotedMessage, ID: "m1"}
	require.NoError(t, s.InsertMessage(ctx, r))
	conv, _ = s.GetConversation(ctx, "c")
	assert.Equal(t, "m1", conv.LatestMessage.ID)
	assert.Equal(t, t0.Add(time.Minute), conv.LastMessageAt)
	assert.Equal(t, 0, conv.UnreadCounts["a"])
}

func TestInsertIdempotentByPendingID(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t)
	m := msg("m1", "a", valueobjects.MessageTypeText, t0)
	m.PendingID = "k"
	dup := msg("m2", "a", valueobjects.MessageTypeText, t0)
	dup.PendingID = "k"
	require.NoError(t, s.InsertMessage(ctx, m))
	require.NoError(t, s.InsertMessage(ctx, dup))

	page, err := s.QueryMessages(ctx, ports.MessagePage{ConversationID: "c", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestQueryCursorAndHeadWindow(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertMessage(ctx, msg(string(rune('a'+i)), "a", valueobjects.MessageTypeText, t0.Add(time.Duration(i)*time.Second))))
	}

	page, err := s.QueryMessages(ctx, ports.MessagePage{ConversationID: "c", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e", page[0].ID)
	assert.Equal(t, "d", page[1].ID)

	cur := ports.MessageCursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}
	older, err := s.QueryMessages(ctx, ports.MessagePage{ConversationID: "c", Before: &cur, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, older, 3)
	assert.Equal(t, "c", older[0].ID)

	sub, err := s.SubscribeMessages(ctx, "c", 3)
	require.NoError(t, err)
	defer sub.Close()
	first := <-sub.Updates()
	require.NoError(t, first.Err)
	assert.Len(t, first.Docs, 3)

	require.NoError(t, s.SoftDeleteMessage(ctx, "c", "e", t0.Add(time.Hour)))
	next := <-sub.Updates()
	require.Len(t, next.Docs, 3)
	assert.True(t, next.Docs[0].IsDeleted())
	assert.Empty(t, next.Docs[0].Content)
}

func TestMarkReadResetsUnread(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t)
	require.NoError(t, s.InsertMessage(ctx, msg("m1", "a", valueobjects.MessageTypeText, t0)))
	require.NoError(t, s.MarkRead(ctx, "c", "b", []string{"m1"}))

	conv, _ := s.GetConversation(ctx, "c")
	assert.Equal(t, 0, conv.UnreadCounts["b"])
	m, _ := s.GetMessage(ctx, "c", "m1")
	assert.True(t, m.ReadByUser("b"))
}

func TestConversationSubscriptionAndFaults(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t)
	sub, err := s.SubscribeConversations(ctx, "b")
	require.NoError(t, err)
	first := <-sub.Updates()
	require.Len(t, first.Docs, 1)

	require.NoError(t, s.SetTyping(ctx, "c", "a", t0))
	next := <-sub.Updates()
	assert.Equal(t, t0, next.Docs[0].TypingTimestamp["a"])
	sub.Close()

	s.SetFault("QueryMessages", errors.New("down"))
	_, err = s.QueryMessages(ctx, ports.MessagePage{ConversationID: "c"})
	assert.ErrorIs(t, err, errs.ErrTransient)

	_, err = s.GetConversation(ctx, "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPresenceMonotonic(t *testing.T) {
	ctx := context.Background()
	p := NewPresence()
	require.NoError(t, p.Heartbeat(ctx, "a", t0))
	require.NoError(t, p.Heartbeat(ctx, "a", t0.Add(-time.Minute)))
	at, err := p.LastSeen(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, t0, at)

	sub, err := p.SubscribeLastSeen(ctx, "a")
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, t0, (<-sub.Updates()).Docs)
}
