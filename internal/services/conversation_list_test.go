package services

import (
	"context"
	"testing"
	"time"

	"go-imsync/internal/domain/valueobjects"
	"go-imsync/internal/infrastructure/adapters/persistence"
	"go-imsync/internal/models"
	"go-imsync/internal/store/memstore"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func convWith(id, latestID, sender string, unread int) *models.Conversation {
	c := &models.Conversation{
		ID: id, Participants: []string{"me", "bob"}, Type: valueobjects.ConversationTypeDM,
		UnreadCounts:  map[string]int{"me": unread},
		LastMessageAt: base,
	}
	if latestID != "" {
		c.LatestMessage = &models.LatestMessage{ID: latestID, SenderID: sender, Type: valueobjects.MessageTypeText}
	}
	return c
}

func newList(t *testing.T) (*ConversationList, *fakeClock) {
	t.Helper()
	clock := newFakeClock(base)
	profiles := persistence.NewStaticProfiles(models.Profile{ID: "bob", Username: "bob", DisplayName: "Bob"})
	return NewConversationList("me", memstore.New(), profiles, clock, 4*time.Second, zerolog.Nop()), clock
}

func TestUnreadIncrementsOncePerNewMessage(t *testing.T) {
	ctx := context.Background()
	l, _ := newList(t)
	l.Apply(ctx, []*models.Conversation{convWith("c", "m1", "bob", 3)})
	assert.Equal(t, 3, l.Unread("c"), "first sighting takes the server value")

	// 服务端值滞后（缺少最新消息的计数），本地只 +1
	l.Apply(ctx, []*models.Conversation{convWith("c", "m2", "bob", 0)})
	assert.Equal(t, 4, l.Unread("c"))

	// 同一条最新消息的刷新快照不改变本地值
	l.Apply(ctx, []*models.Conversation{convWith("c", "m2", "bob", 0)})
	assert.Equal(t, 4, l.Unread("c"))

	// 自己发的不计
	l.Apply(ctx, []*models.Conversation{convWith("c", "m3", "me", 0)})
	assert.Equal(t, 4, l.Unread("c"))

	l.MarkRead("c")
	assert.Equal(t, 0, l.Unread("c"))
	l.Apply(ctx, []*models.Conversation{convWith("c", "m4", "bob", 9)})
	assert.Equal(t, 1, l.Unread("c"))
}

func TestUnreadNotIncrementedForActiveConversation(t *testing.T) {
	ctx := context.Background()
	l, _ := newList(t)
	l.Apply(ctx, []*models.Conversation{convWith("c", "m1", "bob", 0)})
	l.SetActive("c")
	l.Apply(ctx, []*models.Conversation{convWith("c", "m2", "bob", 1)})
	assert.Equal(t, 0, l.Unread("c"))

	l.ClearActive("other")
	assert.Equal(t, "c", l.Active())
	l.ClearActive("c")
	l.Apply(ctx, []*models.Conversation{convWith("c", "m3", "bob", 2)})
	assert.Equal(t, 1, l.Unread("c"))
}

func TestTypingEvaluatedLazily(t *testing.T) {
	ctx := context.Background()
	l, clock := newList(t)
	c := convWith("c", "m1", "bob", 0)
	c.TypingTimestamp = map[string]time.Time{"bob": base, "me": base}
	l.Apply(ctx, []*models.Conversation{c})

	assert.Equal(t, []string{"bob"}, l.Typing("c"))
	assert.Equal(t, []string{"c"}, l.SweepTyping())
	assert.Empty(t, l.SweepTyping())

	clock.Advance(4 * time.Second)
	assert.Equal(t, []string{"bob"}, l.Typing("c"), "exactly at ttl is still live")

	clock.Advance(time.Millisecond)
	assert.Empty(t, l.Typing("c"))
	assert.Equal(t, []string{"c"}, l.SweepTyping())

	// 原始时间戳未被清理
	got := l.Get("c")
	assert.Contains(t, got.TypingTimestamp, "bob")
}

func TestSummariesEnrichedAndOrdered(t *testing.T) {
	ctx := context.Background()
	l, _ := newList(t)
	var changes [][]string
	l.OnChange(func(ids []string) { changes = append(changes, ids) })

	l.Apply(ctx, []*models.Conversation{convWith("c2", "", "", 0), convWith("c1", "", "", 0)})
	sums := l.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, "c2", sums[0].Conversation.ID)
	require.Len(t, sums[0].Participants, 2)
	assert.Equal(t, models.Profile{ID: "me"}, sums[0].Participants[0])
	assert.Equal(t, "Bob", sums[0].Participants[1].DisplayName)

	// 从快照中消失的会话被移除
	l.Apply(ctx, []*models.Conversation{convWith("c1", "", "", 0)})
	assert.Len(t, l.Summaries(), 1)
	assert.Nil(t, l.Get("c2"))
	assert.Contains(t, changes[len(changes)-1], "c2")
}

func TestLoadTakesServerValues(t *testing.T) {
	ctx := context.Background()
	docs := memstore.New()
	c := convWith("c", "", "", 0)
	c.UnreadCounts["me"] = 2
	_, err := docs.CreateConversation(ctx, c)
	require.NoError(t, err)

	l := NewConversationList("me", docs, nil, newFakeClock(base), 4*time.Second, zerolog.Nop())
	require.NoError(t, l.Load(ctx))
	assert.Equal(t, 2, l.Unread("c"))
}
