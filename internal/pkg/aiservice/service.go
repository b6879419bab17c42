package aiservice

import (
	"fmt"
	"strings"
)

// Service 支持的 AI 服务（封闭枚举）
type Service string

const (
	OpenAI     Service = "openai"
	Anthropic  Service = "anthropic"
	ElevenLabs Service = "elevenlabs"
	Meshy      Service = "meshy"
	Fal        Service = "fal"
	OpenRouter Service = "openrouter"
	AIGateway  Service = "ai-gateway"
)

// all 按固定顺序返回，列表/状态接口依赖此顺序
var all = []Service{
	OpenAI,
	Anthropic,
	ElevenLabs,
	Meshy,
	Fal,
	OpenRouter,
	AIGateway,
}

// ErrUnsupportedService 不在枚举内的服务
type ErrUnsupportedService struct {
	Value string
}

func (e *ErrUnsupportedService) Error() string {
	return fmt.Sprintf("unsupported ai service %q", e.Value)
}

// All 返回全部支持的服务
func All() []Service {
	out := make([]Service, len(all))
	copy(out, all)
	return out
}

// Parse 解析服务标识，大小写与首尾空白不敏感
func Parse(s string) (Service, error) {
	v := Service(strings.ToLower(strings.TrimSpace(s)))
	if v.Valid() {
		return v, nil
	}
	return "", &ErrUnsupportedService{Value: s}
}

// Valid 是否为支持的服务
func (s Service) Valid() bool {
	for _, v := range all {
		if v == s {
			return true
		}
	}
	return false
}

func (s Service) String() string {
	return string(s)
}

// Label 展示名称
func (s Service) Label() string {
	if e, ok := lookup(s); ok {
		return e.Label
	}
	return string(s)
}

// EnvVar 平台兜底 key 对应的环境变量名
func (s Service) EnvVar() string {
	if e, ok := lookup(s); ok {
		return e.Env
	}
	return ""
}
