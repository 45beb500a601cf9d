package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return newFieldError("MetricsPort", "必须在 0-65535（0 表示与 ListenPort 共用）")
	}
	if c.MetricsPort > 0 && c.MetricsPort == c.ListenPort {
		return newFieldError("MetricsPort", "不能与 ListenPort 相同")
	}
	if strings.TrimSpace(c.StoragePath) == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if c.MaxObjectSize <= 0 {
		return newFieldError("MaxObjectSize", "必须大于 0")
	}
	if err := validateOrigin(c.Origin); err != nil {
		return fmt.Errorf("Origin: %w", err)
	}
	for _, marker := range c.VolatileMarkers {
		if strings.Contains(strings.Trim(marker, "/"), "/") {
			return newFieldError("VolatileMarkers", fmt.Sprintf("仅支持单个路径段: %s", marker))
		}
	}
	if c.VolatileTTL.DurationValue() <= 0 {
		return newFieldError("VolatileTTL", "必须大于 0")
	}
	if c.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站地址不应包含 query/fragment: %s", raw)
	}
	return nil
}
