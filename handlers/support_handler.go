package handlers

import (
	"errors"
	"net/http"

	"FinanceFlow/models"
	"FinanceFlow/redis"
	"FinanceFlow/services"

	"github.com/labstack/echo/v4"
)

// SupportHandler 客服 REST 入口
// 变更统一走 RelayService，和 WebSocket 入口落库、广播完全一致
type SupportHandler struct {
	store *services.SupportService
	relay *services.RelayService
	redis *redis.RedisClient
}

func NewSupportHandler(store *services.SupportService, relay *services.RelayService, redisClient *redis.RedisClient) *SupportHandler {
	return &SupportHandler{
		store: store,
		relay: relay,
		redis: redisClient,
	}
}

// 业务错误映射到HTTP状态码
func statusForError(err error) int {
	switch {
	case errors.Is(err, services.ErrSessionNotFound), errors.Is(err, services.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, services.ErrEmptyContent), errors.Is(err, services.ErrInvalidStatus), errors.Is(err, services.ErrInvalidSender):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(c echo.Context, err error) error {
	status := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		// 持久层细节不外泄
		c.Logger().Errorf("support handler error: %v", err)
		message = "internal server error"
	}
	return c.JSON(status, map[string]string{
		"message": message,
	})
}

// GetChat 获取某个用户的会话及全部历史消息
// 普通用户只能看自己的，断线重连后前端靠这个接口补历史
func (h *SupportHandler) GetChat(c echo.Context) error {
	user := c.Get("user").(*models.User)
	userID := c.Param("userId")

	if user.Role != models.RoleStaff && userID != user.ID {
		return errorJSON(c, services.ErrAccessDenied)
	}

	session, err := h.store.GetSessionByID(userID)
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id":   session.ID,
		"user_id":      session.ID,
		"messages":     session.Messages,
		"status":       session.Status,
		"unread_count": session.UnreadCount,
	})
}

// GetSessions 会话列表，客服看全部，用户只看自己的
func (h *SupportHandler) GetSessions(c echo.Context) error {
	user := c.Get("user").(*models.User)

	var sessions []models.SupportSession
	var err error
	if user.Role == models.RoleStaff {
		sessions, err = h.store.ListSessions()
	} else {
		sessions, err = h.store.ListSessionsForUser(user.ID)
	}
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

type sendMessageRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Sender    string `json:"sender"`
}

// SendMessage 通过 REST 发送消息（非实时客户端的回退路径）
func (h *SupportHandler) SendMessage(c echo.Context) error {
	user := c.Get("user").(*models.User)

	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"message": "invalid request",
		})
	}

	// 载荷里的 sender 只做一致性校验，真实角色取认证身份
	expected := models.SenderUser
	if user.Role == models.RoleStaff {
		expected = models.SenderStaff
	}
	if req.Sender != "" && req.Sender != expected {
		return errorJSON(c, services.ErrInvalidSender)
	}

	message, err := h.relay.SendMessage(user, req.SessionID, req.Content)
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message": message,
	})
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateSessionStatus 客服切换会话状态
func (h *SupportHandler) UpdateSessionStatus(c echo.Context) error {
	user := c.Get("user").(*models.User)
	sessionID := c.Param("sessionId")

	var req updateStatusRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"message": "invalid request",
		})
	}

	session, err := h.relay.UpdateStatus(user, sessionID, req.Status)
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": session,
	})
}

// GetOnlineUsers 查询某个会话房间当前在线的连接（Redis在线列表）
func (h *SupportHandler) GetOnlineUsers(c echo.Context) error {
	user := c.Get("user").(*models.User)
	userID := c.Param("userId")

	if user.Role != models.RoleStaff && userID != user.ID {
		return errorJSON(c, services.ErrAccessDenied)
	}

	if h.redis == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"user_id": userID,
			"count":   0,
			"users":   []redis.OnlineUser{},
		})
	}

	users, err := h.redis.GetOnlineUsers(c.Request().Context(), services.UserRoom(userID))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"message": "failed to fetch online users",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"count":   len(users),
		"users":   users,
	})
}
