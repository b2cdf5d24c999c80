package models

import "time"

const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"

	SenderUser  = "user"
	SenderStaff = "staff"
)

// 客服会话，每个用户一条，主键等于用户ID
type SupportSession struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	UserName    string    `json:"user_name"`
	UserEmail   string    `json:"user_email"`
	Status      string    `json:"status" gorm:"default:'active'"` // active, closed
	LastMessage string    `json:"last_message"`
	UnreadCount int       `json:"unread_count" gorm:"default:0"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	// 关联
	Messages []SupportMessage `json:"messages" gorm:"foreignKey:SessionID"`
}

type SupportMessage struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	SessionID string    `json:"session_id" gorm:"index"`
	Sender    string    `json:"sender"` // user, staff
	Content   string    `json:"content" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}
