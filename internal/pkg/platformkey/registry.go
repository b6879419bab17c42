package platformkey

import (
	"strings"

	"github.com/samber/lo"

	"forge-admin/internal/pkg/aiservice"
)

// Registry 平台兜底 key，启动时构建一次，之后只读
type Registry struct {
	keys map[aiservice.Service]string
}

// New 从配置构建，未知服务和空值被忽略
func New(raw map[string]string) *Registry {
	keys := make(map[aiservice.Service]string, len(raw))
	for name, key := range raw {
		s, err := aiservice.Parse(name)
		if err != nil {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			keys[s] = key
		}
	}
	return &Registry{keys: keys}
}

// Get 返回服务的平台 key，未配置时 ok=false
func (r *Registry) Get(service aiservice.Service) (string, bool) {
	if r == nil {
		return "", false
	}
	key, ok := r.keys[service]
	return key, ok
}

// Has 是否配置了平台 key
func (r *Registry) Has(service aiservice.Service) bool {
	_, ok := r.Get(service)
	return ok
}

// Missing 未配置平台 key 的服务，按枚举顺序
func (r *Registry) Missing() []aiservice.Service {
	return lo.Filter(aiservice.All(), func(s aiservice.Service, _ int) bool {
		return !r.Has(s)
	})
}
