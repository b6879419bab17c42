package dto

import "encoding/json"

// SetCredentialRequest 保存/覆盖用户的 API key
// api_key: 明文只在本次请求中出现, 加密后存储, 服务端不会回传
type SetCredentialRequest struct {
	APIKey string `json:"api_key" binding:"required,max=512"`
}

// CredentialResponse 凭据的脱敏投影, 不包含任何密文或明文
type CredentialResponse struct {
	ID           string  `json:"id"`
	Service      string  `json:"service"`
	ServiceLabel string  `json:"service_label"`
	KeyPrefix    string  `json:"key_prefix"`
	IsActive     bool    `json:"is_active"`
	LastUsedAt   *string `json:"last_used_at"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// CredentialStatusResponse 某个服务对当前用户的配置状态
type CredentialStatusResponse struct {
	Service           string `json:"service"`
	ServiceLabel      string `json:"service_label"`
	Configured        bool   `json:"configured"`         // 存在启用中的用户 key
	PlatformAvailable bool   `json:"platform_available"` // 存在平台兜底 key
}

// CredentialResolutionResponse 解析预览, 只返回来源和前缀
type CredentialResolutionResponse struct {
	Service   string `json:"service"`
	Source    string `json:"source"` // user / platform / none
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// CredentialEventQuery 审计事件查询
type CredentialEventQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=200"`
}

// GetLimit 默认 50
func (q *CredentialEventQuery) GetLimit() int {
	if q.Limit < 1 {
		return 50
	}
	return q.Limit
}

type CredentialEventResponse struct {
	ID        string          `json:"id"`
	Service   string          `json:"service"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// ServiceCatalogResponse 支持的服务
type ServiceCatalogResponse struct {
	ID                string `json:"id"`
	Label             string `json:"label"`
	EnvVar            string `json:"env_var"`
	DocsURL           string `json:"docs_url"`
	PlatformAvailable bool   `json:"platform_available"`
}

// ServiceURI 路径参数 :service
type ServiceURI struct {
	Service string `uri:"service" binding:"required,ai_service"`
}
