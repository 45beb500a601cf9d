package cache

import (
	"strings"
	"time"
)

// FreshnessPolicy 决定已缓存对象是否仍可直接返回。
// 只有路径段命中 VolatileMarkers 的对象会过期，其余对象一经缓存永久有效。
type FreshnessPolicy struct {
	VolatileMarkers []string
	Window          time.Duration
}

// NewFreshnessPolicy 构造策略，markers 中的空白项会被忽略。
func NewFreshnessPolicy(markers []string, window time.Duration) FreshnessPolicy {
	cleaned := make([]string, 0, len(markers))
	for _, marker := range markers {
		if trimmed := strings.Trim(strings.TrimSpace(marker), "/"); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return FreshnessPolicy{VolatileMarkers: cleaned, Window: window}
}

// IsVolatile 返回 key 是否属于易变类别（例如 guildlogos/）。
func (p FreshnessPolicy) IsVolatile(key Key) bool {
	if len(p.VolatileMarkers) == 0 {
		return false
	}
	for _, segment := range strings.Split(string(key), "/") {
		for _, marker := range p.VolatileMarkers {
			if segment == marker {
				return true
			}
		}
	}
	return false
}

// IsStale 当且仅当 key 属于易变类别且 now - modTime 超过窗口时返回 true。
func (p FreshnessPolicy) IsStale(key Key, modTime, now time.Time) bool {
	if !p.IsVolatile(key) {
		return false
	}
	return now.Sub(modTime) > p.Window
}
