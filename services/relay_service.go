package services

import (
	"log"
	"time"

	"FinanceFlow/models"
)

// StaffRoom 所有客服连接共享的广播房间
const StaffRoom = "support:staff"

// UserRoom 用户专属房间，只有该用户的连接（含多开页签）加入
func UserRoom(userID string) string {
	return "support:user:" + userID
}

// Broadcaster 房间广播接口，由 WebSocket Hub 实现，测试中用记录型假实现
type Broadcaster interface {
	Publish(room string, event string, payload interface{})
}

// EventPublisher 审计事件发布接口，由 kafka.Producer 实现
type EventPublisher interface {
	SendMessage(topic string, key string, value interface{}) error
}

// RelayService 客服消息中继
// WebSocket 和 REST 两条入口共用这里的变更+广播逻辑，保证两边行为一致
type RelayService struct {
	store       *SupportService
	broadcaster Broadcaster
	events      EventPublisher // 可为 nil
	topic       string
}

func NewRelayService(store *SupportService, broadcaster Broadcaster, events EventPublisher, topic string) *RelayService {
	return &RelayService{
		store:       store,
		broadcaster: broadcaster,
		events:      events,
		topic:       topic,
	}
}

// OpenSession 解析或创建用户的客服会话
// 普通用户只能打开自己的会话；成功后向客服房间广播会话快照
func (r *RelayService) OpenSession(user *models.User, requestedUserID string) (*models.SupportSession, error) {
	if user.Role != models.RoleStaff && requestedUserID != user.ID {
		return nil, ErrAccessDenied
	}

	session, created, err := r.store.GetOrCreateSession(requestedUserID)
	if err != nil {
		return nil, err
	}

	r.broadcaster.Publish(StaffRoom, "new-session", session)
	if created {
		r.audit("support.session.created", session.ID, map[string]interface{}{
			"session_id": session.ID,
			"user_name":  session.UserName,
		})
	}
	return session, nil
}

// SendMessage 追加并广播一条消息
// 发送方角色只取认证身份，不信任任何载荷里的声明；写库成功后才广播
func (r *RelayService) SendMessage(user *models.User, sessionID, content string) (*models.SupportMessage, error) {
	sender := models.SenderUser
	if user.Role == models.RoleStaff {
		sender = models.SenderStaff
	} else if sessionID != user.ID {
		return nil, ErrAccessDenied
	}

	message, err := r.store.AppendMessage(sessionID, sender, content)
	if err != nil {
		return nil, err
	}

	// 消息体自带 session_id，客服房间一个连接观察多个会话时据此区分
	r.broadcaster.Publish(UserRoom(sessionID), "message", message)
	r.broadcaster.Publish(StaffRoom, "message", message)

	r.audit("support.message", sessionID, map[string]interface{}{
		"session_id": sessionID,
		"message_id": message.ID,
		"sender":     sender,
	})
	return message, nil
}

// UpdateStatus 客服显式切换会话状态（active <-> closed），无自动流转
func (r *RelayService) UpdateStatus(user *models.User, sessionID, status string) (*models.SupportSession, error) {
	if user.Role != models.RoleStaff {
		return nil, ErrAccessDenied
	}

	session, err := r.store.SetSessionStatus(sessionID, status)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"session_id": session.ID,
		"status":     session.Status,
	}
	r.broadcaster.Publish(UserRoom(session.ID), "sessionUpdated", payload)
	r.broadcaster.Publish(StaffRoom, "sessionUpdated", payload)

	r.audit("support.session.status", sessionID, map[string]interface{}{
		"session_id": sessionID,
		"status":     status,
	})
	return session, nil
}

// 审计事件尽力而为，失败只记日志，不影响用户操作
func (r *RelayService) audit(eventType, key string, payload map[string]interface{}) {
	if r.events == nil {
		return
	}
	payload["type"] = eventType
	payload["timestamp"] = time.Now().Unix()
	if err := r.events.SendMessage(r.topic, key, payload); err != nil {
		log.Printf("[Support] Failed to publish audit event %s: %v", eventType, err)
	}
}
