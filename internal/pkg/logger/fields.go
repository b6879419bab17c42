package logger

import (
	"unicode/utf8"

	"go.uber.org/zap"

	"forge-admin/internal/pkg/aiservice"
)

// 凭据相关日志统一使用以下字段, 不允许直接输出 key

func UserID(id string) zap.Field {
	return zap.String("user_id", id)
}

func Service(s aiservice.Service) zap.Field {
	return zap.String("service", s.String())
}

func KeyPrefix(prefix string) zap.Field {
	return zap.String("key_prefix", prefix)
}

// MaskedKey 只保留前缀, 其余替换为 *
func MaskedKey(key string) zap.Field {
	prefix := aiservice.KeyPrefix(key)
	masked := prefix
	if n := utf8.RuneCountInString(key) - utf8.RuneCountInString(prefix); n > 0 {
		masked += "****"
	}
	return zap.String("key", masked)
}
