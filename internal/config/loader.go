package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认值，与线上部署保持一致。
const (
	DefaultListenPort      = 8000
	DefaultMetricsPort     = 8001
	DefaultStoragePath     = "./storage"
	DefaultMaxObjectSize   = 10 * 1024 * 1024
	DefaultOrigin          = "https://static.tibia.com/"
	DefaultVolatileMarker  = "guildlogos"
	DefaultVolatileTTL     = 12 * time.Hour
	DefaultUpstreamTimeout = 10 * time.Second
)

// EnvPrefix 是环境变量前缀，例如 TIBIASTATIC_LISTENPORT。
const EnvPrefix = "TIBIASTATIC"

// Load 读取并解析 TOML 配置文件（path 为空时仅使用默认值与环境变量），
// 同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		byteSizeDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", DefaultListenPort)
	v.SetDefault("MetricsPort", DefaultMetricsPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", DefaultStoragePath)
	v.SetDefault("MaxObjectSize", DefaultMaxObjectSize)
	v.SetDefault("Origin", DefaultOrigin)
	v.SetDefault("VolatileMarkers", []string{DefaultVolatileMarker})
	v.SetDefault("VolatileTTL", "12h")
	v.SetDefault("UpstreamTimeout", "10s")
}

func applyDefaults(c *Config) {
	if c.ListenPort == 0 {
		c.ListenPort = DefaultListenPort
	}
	if c.MaxObjectSize == 0 {
		c.MaxObjectSize = DefaultMaxObjectSize
	}
	if strings.TrimSpace(c.Origin) == "" {
		c.Origin = DefaultOrigin
	}
	if c.VolatileMarkers == nil {
		c.VolatileMarkers = []string{DefaultVolatileMarker}
	}
	if c.VolatileTTL.DurationValue() == 0 {
		c.VolatileTTL = Duration(DefaultVolatileTTL)
	}
	if c.UpstreamTimeout.DurationValue() == 0 {
		c.UpstreamTimeout = Duration(DefaultUpstreamTimeout)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				return ByteSize(0), nil
			}
			if n, err := parseInt(trimmed); err == nil {
				return ByteSize(n), nil
			}
			parsed, err := humanize.ParseBytes(trimmed)
			if err != nil {
				return nil, fmt.Errorf("无法解析字节大小字段: %s", v)
			}
			return ByteSize(parsed), nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的字节大小类型: %T", v)
		}
	}
}
