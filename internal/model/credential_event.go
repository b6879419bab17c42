package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"forge-admin/internal/pkg/aiservice"
)

// CredentialAction 凭据审计动作
type CredentialAction string

const (
	CredentialActionSet           CredentialAction = "set"
	CredentialActionDeactivate    CredentialAction = "deactivate"
	CredentialActionDelete        CredentialAction = "delete"
	CredentialActionDecryptFailed CredentialAction = "decrypt_failed"
)

// CredentialEvent 凭据审计事件，只追加。detail 中只允许出现前缀等非敏感信息
type CredentialEvent struct {
	ID        string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string            `gorm:"size:64;not null;index:idx_event_user_time,priority:1" json:"user_id"`
	Service   aiservice.Service `gorm:"size:32;not null" json:"service"`
	Action    CredentialAction  `gorm:"size:32;not null" json:"action"`
	Detail    datatypes.JSON    `gorm:"type:json" json:"detail,omitempty"`
	CreatedAt time.Time         `gorm:"not null;autoCreateTime;index:idx_event_user_time,priority:2" json:"created_at"`
}

func (CredentialEvent) TableName() string {
	return "credential_events"
}

func (e *CredentialEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
