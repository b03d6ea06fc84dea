// Package ws 提供 WebSocket 接入网关：认证、连接生命周期、上行动作分发，
// 以及把同步服务的变化事件转为下行推送（会话列表、打开的会话视图、在线状态）。
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go-imsync/internal/auth"
	"go-imsync/internal/domain/entities"
	"go-imsync/internal/domain/errs"
	"go-imsync/internal/metrics"
	"go-imsync/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait   = 10 * time.Second
	readTimeout = 90 * time.Second
	pingPeriod  = 30 * time.Second
)

// Server 是 WebSocket 网关服务。
// - 每个连接持有一次 SessionRegistry 引用，断开时释放
// - 每个连接使用单独的写锁，避免并发写触发 gorilla/websocket 冲突
// - 变化事件先合并到待推送集合，再由写循环统一推送
type Server struct {
	JWTSecret string
	Sessions  *services.SessionRegistry
	Log       zerolog.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSMessage 统一封装上行的动作与数据载荷。
// action：open、close、send、load_more、read、typing、react、delete、retry、discard、foreground
type WSMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// ConvPayload 仅指明会话的动作（open/close/load_more/read/typing）
type ConvPayload struct {
	ConvID string `json:"convId"`
}

// SendPayload 发送消息
type SendPayload struct {
	ConvID string `json:"convId"`
	entities.Draft
}

// ReactPayload 回应（再次提交相同回应即撤销）
type ReactPayload struct {
	ConvID       string `json:"convId"`
	MessageID    string `json:"messageId"`
	ReactionType string `json:"reactionType"`
}

// MessagePayload 指向一条已持久化消息
type MessagePayload struct {
	ConvID    string `json:"convId"`
	MessageID string `json:"messageId"`
}

// PendingPayload 指向一条待发送消息
type PendingPayload struct {
	ConvID    string `json:"convId"`
	PendingID string `json:"pendingId"`
}

type ForegroundPayload struct {
	Foreground bool `json:"foreground"`
}

// conn 单个连接：写锁 + 待推送变化集合
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	svc     *services.SyncService
	log     zerolog.Logger

	mu     sync.Mutex
	dirty  map[services.Change]struct{}
	opened map[string]struct{}
	wake   chan struct{}
}

func (c *conn) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *conn) writeError(action string, err error) {
	_ = c.write(gin.H{"action": "error", "data": gin.H{"code": errs.Code(err), "for": action, "message": err.Error()}})
}

// mark 合并变化事件；同一视图的多次变化只推送一次
func (c *conn) mark(ch services.Change) {
	c.mu.Lock()
	if ch.Kind == services.ChangeView {
		if _, ok := c.opened[ch.ConversationID]; !ok {
			c.mu.Unlock()
			return
		}
	}
	c.dirty[ch] = struct{}{}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) drain() []services.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]services.Change, 0, len(c.dirty))
	for ch := range c.dirty {
		out = append(out, ch)
	}
	c.dirty = make(map[services.Change]struct{})
	return out
}

// track 记录本连接打开的会话；返回状态是否发生变化。
// 每个连接对同一会话只持有一次打开，重复的 open/close 不影响其他连接
func (c *conn) track(convID string, open bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, had := c.opened[convID]
	if open {
		c.opened[convID] = struct{}{}
	} else {
		delete(c.opened, convID)
	}
	return had != open
}

func (c *conn) openedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.opened))
	for id := range c.opened {
		ids = append(ids, id)
	}
	return ids
}

// push 按变化种类推送最新状态
func (c *conn) push(ctx context.Context, ch services.Change) error {
	switch ch.Kind {
	case services.ChangeConversations:
		return c.write(gin.H{"action": "conversations", "data": c.svc.Conversations()})
	case services.ChangeView:
		v, err := c.svc.View(ctx, ch.ConversationID)
		if err != nil {
			c.log.Warn().Err(err).Str("conv", ch.ConversationID).Msg("WS view assemble failed")
			return nil
		}
		return c.write(gin.H{"action": "view", "data": v.Wire()})
	case services.ChangePresence:
		online, at, err := c.svc.PresenceOf(ctx, ch.ConversationID)
		if err != nil {
			return nil
		}
		return c.write(gin.H{"action": "presence", "data": gin.H{"userId": ch.ConversationID, "online": online, "lastSeen": at}})
	}
	return nil
}

// Handle 处理 HTTP 升级为 WebSocket，以及该连接的读/写循环。
// - 认证：支持 URL 查询参数或 Authorization: Bearer 传递 JWT
// - 连接进入即视为前台，断开后回到后台并关闭本连接打开的会话
func (s *Server) Handle(c *gin.Context) {
	claims, err := auth.ParseJWT(s.JWTSecret, auth.BearerToken(c.GetHeader("Authorization"), c.Query("token")))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	userID := claims.UserID
	log := s.Log.With().Str("user", userID).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := s.Sessions.Acquire(ctx, userID)
	defer s.Sessions.Release(userID)

	cn := &conn{
		ws:     ws,
		svc:    svc,
		log:    log,
		dirty:  make(map[services.Change]struct{}),
		opened: make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
	unsubscribe := svc.OnChange(cn.mark)
	defer unsubscribe()
	svc.SetForeground(true)
	defer func() {
		svc.SetForeground(false)
		for _, id := range cn.openedIDs() {
			svc.CloseConversation(id)
		}
		log.Info().Msg("WS disconnected")
	}()
	log.Info().Msg("WS connected")

	cn.mark(services.Change{Kind: services.ChangeConversations})

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// 读循环：处理客户端上行动作
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					log.Debug().Err(err).Msg("WS read error")
				}
				return
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			var m WSMessage
			if err := json.Unmarshal(data, &m); err != nil {
				cn.writeError("", errs.Validation("invalid frame"))
				continue
			}
			metrics.WSMessagesTotal.WithLabelValues(m.Action).Inc()
			s.handleInbound(ctx, cn, &m)
		}
	}()

	// 写循环：合并后的变化事件 + 心跳
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := cn.ping(); err != nil {
				return
			}
		case <-cn.wake:
			for _, ch := range cn.drain() {
				if err := cn.push(ctx, ch); err != nil {
					log.Debug().Err(err).Msg("WS write error")
					return
				}
			}
		}
	}
}

// handleInbound 上行动作统一在这里分发；成功回 ack，失败回 error（错误码见 errs.Code）
func (s *Server) handleInbound(ctx context.Context, cn *conn, m *WSMessage) {
	svc := cn.svc
	var (
		data any
		err  error
	)
	switch m.Action {
	case "open":
		var p ConvPayload
		if err = decode(m.Data, &p); err == nil {
			if cn.track(p.ConvID, true) {
				err = svc.OpenConversation(ctx, p.ConvID)
			}
			if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrPermission) {
				cn.track(p.ConvID, false)
			} else {
				// 预取失败时会话仍已打开（订阅降级），照常推送视图
				cn.mark(services.Change{Kind: services.ChangeView, ConversationID: p.ConvID})
			}
		}
	case "close":
		var p ConvPayload
		if err = decode(m.Data, &p); err == nil {
			if cn.track(p.ConvID, false) {
				svc.CloseConversation(p.ConvID)
			}
		}
	case "send":
		var p SendPayload
		if err = decode(m.Data, &p); err == nil {
			data, err = svc.SendMessage(ctx, p.ConvID, p.Draft)
		}
	case "load_more":
		var p ConvPayload
		if err = decode(m.Data, &p); err == nil {
			var n int
			n, err = svc.LoadMoreMessages(ctx, p.ConvID)
			data = gin.H{"convId": p.ConvID, "added": n}
		}
	case "read":
		var p ConvPayload
		if err = decode(m.Data, &p); err == nil {
			err = svc.MarkAsRead(ctx, p.ConvID)
		}
	case "typing":
		var p ConvPayload
		if err = decode(m.Data, &p); err == nil {
			err = svc.SetTyping(ctx, p.ConvID)
		}
	case "react":
		var p ReactPayload
		if err = decode(m.Data, &p); err == nil {
			data, err = svc.ToggleReaction(ctx, p.ConvID, p.MessageID, p.ReactionType)
		}
	case "delete":
		var p MessagePayload
		if err = decode(m.Data, &p); err == nil {
			err = svc.DeleteMessage(ctx, p.ConvID, p.MessageID)
		}
	case "retry":
		var p PendingPayload
		if err = decode(m.Data, &p); err == nil {
			err = svc.RetrySend(ctx, p.ConvID, p.PendingID)
		}
	case "discard":
		var p PendingPayload
		if err = decode(m.Data, &p); err == nil {
			err = svc.DiscardPending(p.ConvID, p.PendingID)
		}
	case "foreground":
		var p ForegroundPayload
		if err = decode(m.Data, &p); err == nil {
			svc.SetForeground(p.Foreground)
		}
	default:
		err = errs.Validation("unknown action %q", m.Action)
	}
	if err != nil {
		cn.log.Debug().Err(err).Str("action", m.Action).Msg("WS action failed")
		cn.writeError(m.Action, err)
		return
	}
	_ = cn.write(gin.H{"action": "ack", "data": gin.H{"for": m.Action, "result": data}})
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Validation("invalid payload: %v", err)
	}
	return nil
}
