package aiservice

import "unicode/utf8"

// MaxKeyLength 任何服务的 key 都不应超过该长度
const MaxKeyLength = 512

// KeyPrefixLength 展示用前缀长度
const KeyPrefixLength = 8

// ValidateFormat 纯函数，检查 key 是否符合服务的格式要求
func ValidateFormat(service Service, key string) bool {
	e, ok := lookup(service)
	if !ok {
		return false
	}
	if key == "" || len(key) > MaxKeyLength {
		return false
	}
	return e.pattern.MatchString(key)
}

// KeyPrefix 取明文 key 的前若干个字符，仅用于展示
// 不超过 key 长度的一半，短 key 不会被完整保留
func KeyPrefix(key string) string {
	n := utf8.RuneCountInString(key)
	size := min(KeyPrefixLength, n/2)
	if size <= 0 {
		return ""
	}
	return string([]rune(key)[:size])
}
