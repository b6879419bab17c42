package model

import (
	"time"

	"forge-admin/internal/pkg/aiservice"
)

const UserCredentialTableName = "user_api_credentials"

// UserCredential 用户的 AI 服务 API key
//
// 说明：
// - encrypted_key: AES-GCM(base64) 密文，不会出现在任何对外返回中
// - key_prefix: 写入时从明文截取的前缀，仅用于展示
// - (user_id, service) 唯一，并发写入依赖该索引
type UserCredential struct {
	BaseModel

	UserID       string            `gorm:"size:64;not null;uniqueIndex:uk_user_service,priority:1" json:"user_id"`
	Service      aiservice.Service `gorm:"size:32;not null;uniqueIndex:uk_user_service,priority:2;index" json:"service"`
	EncryptedKey string            `gorm:"column:encrypted_key;type:text;not null" json:"-"`
	KeyPrefix    string            `gorm:"size:16;not null" json:"key_prefix"`
	IsActive     bool              `gorm:"not null" json:"is_active"`
	LastUsedAt   *time.Time        `json:"last_used_at"`
}

func (UserCredential) TableName() string {
	return UserCredentialTableName
}
