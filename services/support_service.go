package services

import (
	"FinanceFlow/models"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrAccessDenied    = errors.New("access denied")
	ErrEmptyContent    = errors.New("message content is required")
	ErrInvalidStatus   = errors.New("invalid session status")
	ErrInvalidSender   = errors.New("invalid message sender")
)

type SupportService struct {
	db *gorm.DB
}

func NewSupportService(db *gorm.DB) *SupportService {
	return &SupportService{db: db}
}

// GetOrCreateSession 获取或创建用户的客服会话
// 会话ID等于用户ID，并发创建时以先写入者为准（ON CONFLICT DO NOTHING）
func (s *SupportService) GetOrCreateSession(userID string) (*models.SupportSession, bool, error) {
	var session models.SupportSession
	created := false

	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.First(&session, "id = ?", userID).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		// 创建时读取一次用户档案
		var user models.User
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		now := time.Now()
		session = models.SupportSession{
			ID:        user.ID,
			UserName:  user.Username,
			UserEmail: user.Email,
			Status:    models.SessionStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&session).Error; err != nil {
			return err
		}
		// 回读，保证拿到的是实际落库的那条
		if err := tx.First(&session, "id = ?", userID).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if err := s.loadMessages(&session); err != nil {
		return nil, false, err
	}
	return &session, created, nil
}

// AppendMessage 追加一条消息并维护未读计数
// 客服消息将未读清零，用户消息未读加一（数据库端原子自增）
func (s *SupportService) AppendMessage(sessionID, sender, content string) (*models.SupportMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if sender != models.SenderUser && sender != models.SenderStaff {
		return nil, ErrInvalidSender
	}

	message := models.SupportMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		CreatedAt: time.Now(),
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var session models.SupportSession
		if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		if err := tx.Create(&message).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"last_message": content,
			"updated_at":   message.CreatedAt,
		}
		if sender == models.SenderStaff {
			updates["unread_count"] = 0
		} else {
			updates["unread_count"] = gorm.Expr("unread_count + 1")
		}
		return tx.Model(&models.SupportSession{}).Where("id = ?", sessionID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// SetSessionStatus 更新会话状态，任何状态变更都将未读清零
func (s *SupportService) SetSessionStatus(sessionID, status string) (*models.SupportSession, error) {
	if status != models.SessionStatusActive && status != models.SessionStatusClosed {
		return nil, ErrInvalidStatus
	}

	var session models.SupportSession
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		session.Status = status
		session.UnreadCount = 0
		session.UpdatedAt = time.Now()
		return tx.Save(&session).Error
	})
	if err != nil {
		return nil, err
	}

	if err := s.loadMessages(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SupportService) GetSessionByID(sessionID string) (*models.SupportSession, error) {
	var session models.SupportSession
	if err := s.db.First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if err := s.loadMessages(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions 获取所有会话（客服端使用），按最近活跃排序
func (s *SupportService) ListSessions() ([]models.SupportSession, error) {
	var sessions []models.SupportSession
	err := s.db.Order("updated_at DESC").Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *SupportService) ListSessionsForUser(userID string) ([]models.SupportSession, error) {
	var sessions []models.SupportSession
	err := s.db.Where("id = ?", userID).Order("updated_at DESC").Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// 消息按插入顺序返回，同一时间戳按ID稳定排序
func (s *SupportService) loadMessages(session *models.SupportSession) error {
	return s.db.
		Where("session_id = ?", session.ID).
		Order("created_at ASC, id ASC").
		Find(&session.Messages).Error
}
