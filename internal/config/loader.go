package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认的版本过滤规则：只接受以数字开头、由数字与点组成的版本。
const defaultSanitizeRegex = `[0-9]+(\.[0-9]+)*$`

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyMirrorDefaults(&cfg.Mirror)
	applyDatabaseDefaults(&cfg.Database)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析存储目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("Mirror.Upstream", "https://pypi.org")
	v.SetDefault("Mirror.CacheTTL", "24h")
	v.SetDefault("Mirror.Sanitize", false)
	v.SetDefault("Mirror.SanitizeRegex", defaultSanitizeRegex)
	v.SetDefault("Mirror.Wheelify", false)
	v.SetDefault("Mirror.NameCacheTTL", "24h")

	v.SetDefault("Upload.Sanitize", false)
	v.SetDefault("Upload.SanitizeRegex", defaultSanitizeRegex)
	v.SetDefault("Upload.RewriteFilename", true)
	v.SetDefault("Upload.AllowMirrorShadowing", false)

	v.SetDefault("Database.Driver", "memory")
	v.SetDefault("Database.MaxOpenConns", 10)
	v.SetDefault("Database.MaxIdleConns", 5)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyMirrorDefaults(m *MirrorConfig) {
	m.Upstream = strings.TrimSuffix(strings.TrimSpace(m.Upstream), "/")
	if m.CacheTTL.DurationValue() == 0 {
		m.CacheTTL = Duration(24 * time.Hour)
	}
	if m.NameCacheTTL.DurationValue() == 0 {
		m.NameCacheTTL = m.CacheTTL
	}
}

func applyDatabaseDefaults(d *DatabaseConfig) {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	if d.Driver == "" {
		d.Driver = DriverMemory
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
