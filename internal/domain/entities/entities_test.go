package entities

import (
	"testing"
	"time"

	"go-imsync/internal/domain/errs"
	"go-imsync/internal/domain/valueobjects"
	"go-imsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestDraftValidate(t *testing.T) {
	cases := []struct {
		name string
		d    Draft
		ok   bool
	}{
		{"text", Draft{Type: valueobjects.MessageTypeText, Content: "hi"}, true},
		{"blank text", Draft{Type: valueobjects.MessageTypeText, Content: "   "}, false},
		{"photo without media", Draft{Type: valueobjects.MessageTypePhoto}, false},
		{"photo", Draft{Type: valueobjects.MessageTypePhoto, MediaRef: "local://1"}, true},
		{"heart quotes message", Draft{Type: valueobjects.MessageTypeHeart, Quoted: &models.QuotedContent{Kind: models.QuotedMessage, ID: "m1"}}, false},
		{"heart", Draft{Type: valueobjects.MessageTypeHeart, Quoted: &models.QuotedContent{Kind: models.QuotedPost, ID: "p1"}}, true},
		{"reaction without type", Draft{Type: valueobjects.MessageTypeReaction, Quoted: &models.QuotedContent{Kind: models.QuotedMessage, ID: "m1"}}, false},
		{"unknown", Draft{Type: "sticker", Content: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errs.ErrValidation)
			}
		})
	}
}

func TestConversationConstructors(t *testing.T) {
	_, err := NewDirectConversation("c", "me", "me", now)
	assert.ErrorIs(t, err, errs.ErrValidation)

	g, err := NewGroupConversation("g", "team", []string{"b", "a", "b"}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, g.Participants)
	assert.Equal(t, map[string]int{"a": 0, "b": 0}, g.UnreadCounts)

	_, err = NewGroupConversation("g", "solo", []string{"a", "a"}, now)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestDeltaFor(t *testing.T) {
	conv, err := NewGroupConversation("g", "", []string{"me", "bob", "eve"}, now)
	require.NoError(t, err)

	text := &models.Message{ID: "m1", SenderID: "me", Type: valueobjects.MessageTypeText, Content: "hi", CreatedAt: now.Add(time.Minute)}
	d := DeltaFor(conv, text)
	assert.ElementsMatch(t, []string{"bob", "eve"}, d.IncUnread)
	applied := d.Apply(conv)
	assert.Equal(t, 1, applied.UnreadCounts["bob"])
	assert.Equal(t, 0, applied.UnreadCounts["me"])
	assert.Equal(t, text.CreatedAt, applied.LastMessageAt)
	assert.Equal(t, 0, conv.UnreadCounts["bob"], "apply works on a copy")

	reaction := &models.Message{ID: "r1", SenderID: "bob", Type: valueobjects.MessageTypeReaction, CreatedAt: now.Add(2 * time.Minute)}
	assert.Equal(t, ConversationDelta{}, DeltaFor(conv, reaction))
}

func TestCheckParticipants(t *testing.T) {
	assert.NoError(t, valueobjects.ConversationTypeDM.CheckParticipants(2))
	assert.Error(t, valueobjects.ConversationTypeDM.CheckParticipants(3))
	assert.NoError(t, valueobjects.ConversationTypeGroup.CheckParticipants(5))
	assert.Error(t, valueobjects.ConversationType("c2c").CheckParticipants(2))
}
