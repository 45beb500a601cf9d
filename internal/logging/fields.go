package logging

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 key/请求 ID/命中状态字段，供缓存请求日志复用。
func RequestFields(key, requestID string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"action":    "serve",
		"key":       key,
		"cache_hit": cacheHit,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// SizeFields 同时输出原始字节数与便于阅读的大小，例如 2.9 KiB。
func SizeFields(fields logrus.Fields, n int) logrus.Fields {
	if fields == nil {
		fields = logrus.Fields{}
	}
	if n < 0 {
		n = 0
	}
	fields["size_bytes"] = n
	fields["size"] = humanize.IBytes(uint64(n))
	return fields
}
