package mongostore

import (
	"testing"
	"time"

	"go-imsync/internal/domain/valueobjects"
	"go-imsync/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseName(t *testing.T) {
	assert.Equal(t, "chat", databaseName("mongodb://127.0.0.1:27017/chat"))
	assert.Equal(t, "chat", databaseName("mongodb://u:p@h1,h2/chat?replicaSet=rs0"))
	assert.Equal(t, "imsync", databaseName("mongodb://127.0.0.1:27017"))
	assert.Equal(t, "imsync", databaseName("mongodb://127.0.0.1:27017/"))
}

func TestMessageDocRoundTripAddsSender(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &models.Message{
		ID: "m1", ConversationID: "c", SenderID: "a", Type: valueobjects.MessageTypeReaction,
		QuotedContent: &models.QuotedContent{Kind: models.QuotedMessage, ID: "m0"},
		ReactionType:  "like", PendingID: "k", CreatedAt: at,
	}
	got := toMessageDoc(m).model()
	assert.Equal(t, []string{"a"}, got.ReadBy)
	assert.Equal(t, "m0", got.ReactionTarget())
	assert.Equal(t, "k", got.PendingID)
}

func TestConversationDocRoundTrip(t *testing.T) {
	c := &models.Conversation{
		ID: "c", Participants: []string{"a", "b"}, Type: valueobjects.ConversationTypeDM,
		LatestMessage: &models.LatestMessage{ID: "m1", SenderID: "a", Type: valueobjects.MessageTypeText},
	}
	d := toConversationDoc(c)
	assert.NotNil(t, d.UnreadCounts)
	back := d.model()
	assert.Equal(t, "m1", back.LatestMessage.ID)
	assert.True(t, back.Type.IsDM())
}
