package models

import "time"

const (
	RoleUser  = "user"
	RoleStaff = "staff"
)

type User struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex"`
	Username  string    `json:"username"`
	Role      string    `json:"role" gorm:"default:'user'"` // user, staff
	Avatar    string    `json:"avatar"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
