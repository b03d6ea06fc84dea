package services

import (
	"fmt"
	"testing"
	"time"

	"go-imsync/internal/domain/valueobjects"
	"go-imsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func mkMsg(id string, offset int) *models.Message {
	return &models.Message{
		ID: id, ConversationID: "c", SenderID: "bob", Type: valueobjects.MessageTypeText,
		Content: id, ReadBy: []string{"bob"}, CreatedAt: base.Add(time.Duration(offset) * time.Second),
	}
}

func ids(list []*models.Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func TestMergeIdempotent(t *testing.T) {
	cached := []*models.Message{mkMsg("m3", 3), mkMsg("m1", 1)}
	snap := []*models.Message{mkMsg("m4", 4), mkMsg("m3", 3), mkMsg("m2", 2)}

	once := MergeSnapshot(cached, snap)
	twice := MergeSnapshot(once, snap)
	assert.Equal(t, []string{"m4", "m3", "m2", "m1"}, ids(once))
	assert.Equal(t, once, twice)
}

func TestMergeKeepsAgedOutHistory(t *testing.T) {
	var history []*models.Message
	for i := 0; i < 120; i++ {
		history = append(history, mkMsg(fmt.Sprintf("m%03d", i), i))
	}
	SortNewestFirst(history)
	cache := history

	for round := 0; round < 5; round++ {
		var window []*models.Message
		for i := 0; i < 50; i++ {
			window = append(window, mkMsg(fmt.Sprintf("n%d-%02d", round, i), 1000+round*100+i))
		}
		cache = MergeSnapshot(cache, window)
	}
	assert.Len(t, cache, 120+250)
	for _, m := range history {
		var found bool
		for _, c := range cache {
			if c.ID == m.ID {
				found = true
				break
			}
		}
		require.True(t, found, "lost %s", m.ID)
	}
}

func TestMergePropagatesEditsAndTombstones(t *testing.T) {
	cached := []*models.Message{mkMsg("m2", 2), mkMsg("m1", 1)}
	deleted := cached[0].Tombstone(base.Add(time.Hour))
	read := cached[1].WithReader("me")

	out := MergeSnapshot(cached, []*models.Message{deleted, read})
	require.Len(t, out, 2)
	assert.True(t, out[0].IsDeleted())
	assert.True(t, out[1].ReadByUser("me"))
	// 原缓存未被修改
	assert.False(t, cached[0].IsDeleted())
}

func TestMergeTieBreakByID(t *testing.T) {
	a, b := mkMsg("a", 5), mkMsg("b", 5)
	assert.Equal(t, []string{"b", "a"}, ids(MergeSnapshot([]*models.Message{a}, []*models.Message{b})))
	assert.Equal(t, []string{"b", "a"}, ids(MergeSnapshot([]*models.Message{b}, []*models.Message{a})))
}

func TestAppendOlderSkipsCached(t *testing.T) {
	cached := []*models.Message{mkMsg("m3", 3), mkMsg("m2", 2)}
	out, added := AppendOlder(cached, []*models.Message{mkMsg("m2", 2), mkMsg("m1", 1)})
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"m3", "m2", "m1"}, ids(out))
}
