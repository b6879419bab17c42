package aiservice

import (
	_ "embed"
	"fmt"
	"regexp"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Entry 服务目录条目
type Entry struct {
	ID         Service `yaml:"id" json:"id"`
	Label      string  `yaml:"label" json:"label"`
	Env        string  `yaml:"env" json:"env"`
	KeyPattern string  `yaml:"key_pattern" json:"-"`
	DocsURL    string  `yaml:"docs_url" json:"docs_url"`

	pattern *regexp.Regexp
}

type catalogFile struct {
	Services []Entry `yaml:"services"`
}

var catalog = mustLoadCatalog(catalogYAML)

func mustLoadCatalog(data []byte) map[Service]*Entry {
	entries, err := parseCatalog(data)
	if err != nil {
		panic(err)
	}
	return entries
}

// parseCatalog 解析目录并校验与枚举一一对应
func parseCatalog(data []byte) (map[Service]*Entry, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析服务目录失败: %w", err)
	}

	entries := make(map[Service]*Entry, len(f.Services))
	for i := range f.Services {
		e := f.Services[i]
		if !e.ID.Valid() {
			return nil, fmt.Errorf("服务目录包含未知服务: %s", e.ID)
		}
		if _, dup := entries[e.ID]; dup {
			return nil, fmt.Errorf("服务目录重复定义: %s", e.ID)
		}
		re, err := regexp.Compile(e.KeyPattern)
		if err != nil {
			return nil, fmt.Errorf("服务 %s 的 key_pattern 非法: %w", e.ID, err)
		}
		e.pattern = re
		entries[e.ID] = &e
	}

	missing := lo.Filter(all, func(s Service, _ int) bool {
		_, ok := entries[s]
		return !ok
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("服务目录缺少: %v", missing)
	}
	return entries, nil
}

func lookup(s Service) (*Entry, bool) {
	e, ok := catalog[s]
	return e, ok
}

// Catalog 按枚举顺序返回目录快照
func Catalog() []Entry {
	return lo.Map(all, func(s Service, _ int) Entry {
		return *catalog[s]
	})
}
