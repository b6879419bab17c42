package model

import "time"

// User 平台用户（本地或 LDAP 同步）
type User struct {
	BaseStatus
	Username     string     `gorm:"size:64;not null;uniqueIndex" json:"username"`
	Password     string     `gorm:"size:255;not null" json:"-"` // 不返回到前端, LDAP 用户为空
	AuthProvider string     `gorm:"size:16;not null;default:'local'" json:"auth_provider"`
	Email        *string    `gorm:"size:128" json:"email"`
	DisplayName  *string    `gorm:"size:128" json:"display_name"`
	LastLoginAt  *time.Time `json:"last_login_at"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}
