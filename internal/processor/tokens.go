package processor

import (
	"fmt"
	"sort"
	"strings"

	"audittrail/internal/auditconfig"
	"audittrail/internal/event"
	"audittrail/internal/store"
)

// BuildTokens 为事件构建检索 token 集合。
// 非敏感元数据字段以明文 token 进入索引；
// 敏感字段只允许以哈希 token 出现，明文绝不入索引。
func BuildTokens(ev *event.Event, cfg *auditconfig.EntityConfig, m *Masker) []string {
	seen := make(map[string]struct{})
	var tokens []string

	add := func(tok string) {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			return
		}
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}

	for _, t := range store.SplitTokens(ev.EntityType) {
		add(t)
	}
	add(string(ev.Operation))
	add(string(ev.Source))
	if ev.UserID != "" {
		add("user:" + ev.UserID)
	}
	if ev.IPAddress != "" {
		add("ip:" + ev.IPAddress)
	}
	for _, tag := range ev.Tags {
		add("tag:" + tag)
	}

	sensitive := func(field string) bool {
		if cfg == nil {
			return false
		}
		f := cfg.FieldByName(field)
		return f != nil && f.IsSensitive
	}

	for key, val := range ev.Metadata {
		str := fmt.Sprintf("%v", val)
		if str == "" {
			continue
		}
		if sensitive(key) {
			add(m.HashToken(str))
			continue
		}
		for _, t := range store.SplitTokens(str) {
			add(t)
		}
	}

	// 变更涉及的字段名本身可检索，值不进入索引
	for field := range ev.ChangeSet {
		add("field:" + field)
	}

	sort.Strings(tokens)
	return tokens
}
