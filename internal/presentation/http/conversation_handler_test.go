package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go-imsync/internal/auth"
	"go-imsync/internal/config"
	"go-imsync/internal/domain/entities"
	"go-imsync/internal/domain/errs"
	"go-imsync/internal/infrastructure/adapters/external"
	"go-imsync/internal/infrastructure/adapters/persistence"
	"go-imsync/internal/models"
	"go-imsync/internal/services"
	"go-imsync/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type api struct {
	t       *testing.T
	r       *gin.Engine
	docs     *memstore.Store
	registry *services.SessionRegistry
	handler  *ConversationHandler
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	docs := memstore.New()
	conv, err := entities.NewDirectConversation("conv_dm_bob_me", "me", "bob", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = docs.CreateConversation(context.Background(), conv)
	require.NoError(t, err)

	presence := memstore.NewPresence()
	registry := services.NewSessionRegistry(func(userID string) *services.SyncService {
		return services.NewSyncService(userID, services.Deps{
			Docs:     docs,
			Presence: presence,
			Profiles: persistence.NewStaticProfiles(models.Profile{ID: "bob", DisplayName: "Bob"}),
			Media:    external.NewPassthroughUploader(""),
			IDs:      external.NewIDGeneratorAdapter(),
			Log:      zerolog.Nop(),
			Sync:     config.DefaultSync(),
		})
	})
	h := NewConversationHandler(registry, secret, zerolog.Nop())
	t.Cleanup(func() {
		h.Shutdown()
		registry.StopAll()
	})
	r := gin.New()
	h.Register(r)
	return &api{t: t, r: r, docs: docs, registry: registry, handler: h}
}

func (a *api) do(method, path, user string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		tok, err := auth.SignJWT(secret, user, time.Hour)
		require.NoError(a.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	return w
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(errs.NotFound("x")))
	assert.Equal(t, http.StatusBadRequest, statusOf(errs.Validation("x")))
	assert.Equal(t, http.StatusForbidden, statusOf(errs.Permission("x")))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(errs.Transient("op", assert.AnError)))
	assert.Equal(t, http.StatusInternalServerError, statusOf(assert.AnError))
}

func TestRequiresToken(t *testing.T) {
	a := newAPI(t)
	w := a.do(http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListAndSendFlow(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodGet, "/api/conversations", "me", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Conversations []services.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)

	w = a.do(http.MethodPost, "/api/conversations/conv_dm_bob_me/open", "me", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(http.MethodPost, "/api/conversations/conv_dm_bob_me/messages", "me", gin.H{"type": "text", "content": "hello"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var p models.PendingMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.NotEmpty(t, p.ID)

	require.Eventually(t, func() bool {
		w := a.do(http.MethodGet, "/api/conversations/conv_dm_bob_me/view", "me", nil)
		var v struct {
			Messages []models.Message        `json:"messages"`
			Pending  []models.PendingMessage `json:"pendingMessages"`
			Items    []struct {
				Kind string `json:"kind"`
			} `json:"items"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &v)
		return len(v.Messages) == 1 && len(v.Pending) == 0 && len(v.Items) > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestErrorsMapped(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodPost, "/api/conversations/conv_dm_bob_me/messages", "me", gin.H{"type": "text", "content": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodGet, "/api/conversations/none/view", "me", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(http.MethodGet, "/api/conversations/conv_dm_bob_me/view", "eve", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(http.MethodDelete, "/api/conversations/conv_dm_bob_me/pending/nope", "me", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpenDirectAndPresence(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodPost, "/api/conversations/direct", "me", gin.H{"peerId": "carol"})
	require.Equal(t, http.StatusOK, w.Code)
	var conv models.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	assert.ElementsMatch(t, []string{"me", "carol"}, conv.Participants)

	w = a.do(http.MethodPost, "/api/conversations/direct", "me", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodGet, "/api/presence/bob", "me", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pr struct {
		Online bool `json:"online"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pr))
	assert.False(t, pr.Online)
}

func TestIdleSessionsReleased(t *testing.T) {
	a := newAPI(t)
	now := time.Now()
	a.handler.now = func() time.Time { return now }

	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/conversations", "me", nil).Code)
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/conversations", "bob", nil).Code)
	require.Equal(t, 2, a.registry.Len())

	// bob 之后再次访问，只有 me 空闲超时
	now = now.Add(DefaultIdleTTL / 2)
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/conversations", "bob", nil).Code)
	assert.Zero(t, a.handler.Sweep(now))

	assert.Equal(t, 1, a.handler.Sweep(now.Add(DefaultIdleTTL/2)))
	assert.Equal(t, 1, a.registry.Len())
	_, ok := a.registry.Lookup("me")
	assert.False(t, ok)

	// 释放后再次请求重新建立会话
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/conversations", "me", nil).Code)
	assert.Equal(t, 2, a.registry.Len())
}

func TestHTTPCountsAsSingleOpener(t *testing.T) {
	a := newAPI(t)
	open := "/api/conversations/conv_dm_bob_me/open"
	closePath := "/api/conversations/conv_dm_bob_me/close"
	read := "/api/conversations/conv_dm_bob_me/read"

	require.Equal(t, http.StatusOK, a.do(http.MethodPost, open, "me", nil).Code)
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, open, "me", nil).Code)
	require.Equal(t, http.StatusNoContent, a.do(http.MethodPost, closePath, "me", nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, read, "me", nil).Code)

	// 另一个连接同时打开：HTTP 关闭不影响它
	svc, ok := a.registry.Lookup("me")
	require.True(t, ok)
	require.NoError(t, svc.OpenConversation(context.Background(), "conv_dm_bob_me"))
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, open, "me", nil).Code)
	require.Equal(t, http.StatusNoContent, a.do(http.MethodPost, closePath, "me", nil).Code)
	assert.Equal(t, http.StatusAccepted, a.do(http.MethodPost, read, "me", nil).Code)

	svc.CloseConversation("conv_dm_bob_me")
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, read, "me", nil).Code)
}
