package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go-imsync/internal/auth"
	"go-imsync/internal/domain/entities"
	"go-imsync/internal/domain/errs"
	"go-imsync/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	userKey = "userID"

	// DefaultIdleTTL HTTP 会话引用的默认空闲释放时间
	DefaultIdleTTL = 10 * time.Minute
)

// ConversationHandler 会话相关 HTTP 处理器
// HTTP 请求无连接生命周期：用户首次请求时持有一次会话引用，
// 空闲超过 idleTTL 由 Sweep 释放（同时关闭经 HTTP 打开的会话），Shutdown 释放全部
type ConversationHandler struct {
	sessions *services.SessionRegistry
	secret   string
	log      zerolog.Logger
	idleTTL  time.Duration
	now      func() time.Time

	mu   sync.Mutex
	held map[string]*httpHold
}

// httpHold 某用户经 HTTP 持有的会话引用；HTTP 整体算作每个会话的一个打开者
type httpHold struct {
	svc     *services.SyncService
	ready   chan struct{}
	lastUse time.Time
	opened  map[string]struct{}
}

// NewConversationHandler 创建会话HTTP处理器
func NewConversationHandler(sessions *services.SessionRegistry, jwtSecret string, log zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		sessions: sessions,
		secret:   jwtSecret,
		log:      log,
		idleTTL:  DefaultIdleTTL,
		now:      time.Now,
		held:     make(map[string]*httpHold),
	}
}

// WithIdleTTL 设置空闲释放时间；<= 0 保持默认
func (h *ConversationHandler) WithIdleTTL(d time.Duration) *ConversationHandler {
	if d > 0 {
		h.idleTTL = d
	}
	return h
}

// Register 挂载 /api 路由
func (h *ConversationHandler) Register(r gin.IRouter) {
	api := r.Group("/api", h.Authenticate)
	api.GET("/conversations", h.List)
	api.POST("/conversations/direct", h.OpenDirect)
	api.POST("/conversations/group", h.CreateGroup)
	api.POST("/conversations/:id/open", h.Open)
	api.POST("/conversations/:id/close", h.Close)
	api.GET("/conversations/:id/view", h.View)
	api.POST("/conversations/:id/refresh", h.Refresh)
	api.POST("/conversations/:id/messages", h.Send)
	api.POST("/conversations/:id/more", h.LoadMore)
	api.POST("/conversations/:id/read", h.Read)
	api.POST("/conversations/:id/typing", h.Typing)
	api.POST("/conversations/:id/messages/:mid/reactions", h.React)
	api.DELETE("/conversations/:id/messages/:mid", h.Delete)
	api.POST("/conversations/:id/pending/:pid/retry", h.Retry)
	api.DELETE("/conversations/:id/pending/:pid", h.Discard)
	api.GET("/presence/:uid", h.Presence)
}

// Authenticate Bearer JWT 中间件
func (h *ConversationHandler) Authenticate(c *gin.Context) {
	cl, err := auth.ParseJWT(h.secret, auth.BearerToken(c.GetHeader("Authorization"), ""))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userKey, cl.UserID)
	c.Next()
}

func (h *ConversationHandler) session(c *gin.Context) *services.SyncService {
	uid := c.GetString(userKey)
	h.mu.Lock()
	hold, ok := h.held[uid]
	if !ok {
		hold = &httpHold{ready: make(chan struct{}), opened: make(map[string]struct{})}
		h.held[uid] = hold
	}
	hold.lastUse = h.now()
	h.mu.Unlock()
	if !ok {
		hold.svc = h.sessions.Acquire(c.Request.Context(), uid)
		close(hold.ready)
	}
	<-hold.ready
	return hold.svc
}

// track 记录经 HTTP 打开的会话；返回状态是否发生变化
func (h *ConversationHandler) track(uid, convID string, open bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	hold, ok := h.held[uid]
	if !ok {
		return false
	}
	_, had := hold.opened[convID]
	if open {
		hold.opened[convID] = struct{}{}
	} else {
		delete(hold.opened, convID)
	}
	return had != open
}

// Sweep 释放空闲超过 idleTTL 的会话引用；返回释放的用户数
func (h *ConversationHandler) Sweep(now time.Time) int {
	h.mu.Lock()
	idle := make(map[string]*httpHold)
	for uid, hold := range h.held {
		if now.Sub(hold.lastUse) >= h.idleTTL {
			idle[uid] = hold
			delete(h.held, uid)
		}
	}
	h.mu.Unlock()
	h.release(idle)
	if len(idle) > 0 {
		h.log.Debug().Int("released", len(idle)).Msg("idle HTTP sessions released")
	}
	return len(idle)
}

// Run 周期清理空闲引用，直到 ctx 结束
func (h *ConversationHandler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(h.now())
		}
	}
}

// Shutdown 释放 HTTP 持有的全部会话引用
func (h *ConversationHandler) Shutdown() {
	h.mu.Lock()
	held := h.held
	h.held = make(map[string]*httpHold)
	h.mu.Unlock()
	h.release(held)
}

func (h *ConversationHandler) release(held map[string]*httpHold) {
	for uid, hold := range held {
		<-hold.ready
		for convID := range hold.opened {
			hold.svc.CloseConversation(convID)
		}
		h.sessions.Release(uid)
	}
}

// statusOf 错误类别映射为 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *ConversationHandler) fail(c *gin.Context, err error) {
	h.log.Debug().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(statusOf(err), gin.H{"error": err.Error(), "code": errs.Code(err)})
}

func (h *ConversationHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conversations": h.session(c).Conversations()})
}

func (h *ConversationHandler) OpenDirect(c *gin.Context) {
	var req struct {
		PeerID string `json:"peerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errs.Validation("%v", err))
		return
	}
	conv, err := h.session(c).OpenDirect(c.Request.Context(), req.PeerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	var req struct {
		Name         string   `json:"name"`
		Participants []string `json:"participants" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errs.Validation("%v", err))
		return
	}
	conv, err := h.session(c).CreateGroup(c.Request.Context(), req.Name, req.Participants)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// Open 打开会话；预取失败仍返回当前视图（订阅已建立），并附带错误码
func (h *ConversationHandler) Open(c *gin.Context) {
	svc := h.session(c)
	uid, id := c.GetString(userKey), c.Param("id")
	var oerr error
	if h.track(uid, id, true) {
		oerr = svc.OpenConversation(c.Request.Context(), id)
	}
	if errors.Is(oerr, errs.ErrNotFound) || errors.Is(oerr, errs.ErrPermission) {
		h.track(uid, id, false)
		h.fail(c, oerr)
		return
	}
	v, err := svc.View(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := gin.H{"view": v.Wire()}
	if oerr != nil {
		resp["prefetchError"] = errs.Code(oerr)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ConversationHandler) Close(c *gin.Context) {
	svc := h.session(c)
	if h.track(c.GetString(userKey), c.Param("id"), false) {
		svc.CloseConversation(c.Param("id"))
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) View(c *gin.Context) {
	v, err := h.session(c).View(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v.Wire())
}

func (h *ConversationHandler) Refresh(c *gin.Context) {
	if err := h.session(c).Refresh(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) Send(c *gin.Context) {
	var d entities.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		h.fail(c, errs.Validation("%v", err))
		return
	}
	p, err := h.session(c).SendMessage(c.Request.Context(), c.Param("id"), d)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, p)
}

func (h *ConversationHandler) LoadMore(c *gin.Context) {
	n, err := h.session(c).LoadMoreMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": n})
}

func (h *ConversationHandler) Read(c *gin.Context) {
	if err := h.session(c).MarkAsRead(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *ConversationHandler) Typing(c *gin.Context) {
	if err := h.session(c).SetTyping(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) React(c *gin.Context) {
	var req struct {
		ReactionType string `json:"reactionType"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errs.Validation("%v", err))
		return
	}
	p, err := h.session(c).ToggleReaction(c.Request.Context(), c.Param("id"), c.Param("mid"), req.ReactionType)
	if err != nil {
		h.fail(c, err)
		return
	}
	if p == nil {
		// 撤销了已有回应
		c.JSON(http.StatusOK, gin.H{"removed": true})
		return
	}
	c.JSON(http.StatusAccepted, p)
}

func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.session(c).DeleteMessage(c.Request.Context(), c.Param("id"), c.Param("mid")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) Retry(c *gin.Context) {
	if err := h.session(c).RetrySend(c.Request.Context(), c.Param("id"), c.Param("pid")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *ConversationHandler) Discard(c *gin.Context) {
	if err := h.session(c).DiscardPending(c.Param("id"), c.Param("pid")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) Presence(c *gin.Context) {
	online, at, err := h.session(c).PresenceOf(c.Request.Context(), c.Param("uid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := gin.H{"userId": c.Param("uid"), "online": online}
	if !at.IsZero() {
		resp["lastSeen"] = at
	}
	c.JSON(http.StatusOK, resp)
}
