package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// MirrorConfig 控制上游镜像行为。
type MirrorConfig struct {
	Upstream      string   `mapstructure:"Upstream"`
	CacheTTL      Duration `mapstructure:"CacheTTL"`
	Sanitize      bool     `mapstructure:"Sanitize"`
	SanitizeRegex string   `mapstructure:"SanitizeRegex"`
	Wheelify      bool     `mapstructure:"Wheelify"`
	NameCacheTTL  Duration `mapstructure:"NameCacheTTL"`
}

// UploadConfig 控制本地上传行为。
type UploadConfig struct {
	Sanitize             bool   `mapstructure:"Sanitize"`
	SanitizeRegex        string `mapstructure:"SanitizeRegex"`
	RewriteFilename      bool   `mapstructure:"RewriteFilename"`
	AllowMirrorShadowing bool   `mapstructure:"AllowMirrorShadowing"`
}

// DatabaseConfig 选择持久化后端。
type DatabaseConfig struct {
	Driver       string `mapstructure:"Driver"`
	DSN          string `mapstructure:"DSN"`
	MaxOpenConns int    `mapstructure:"MaxOpenConns"`
	MaxIdleConns int    `mapstructure:"MaxIdleConns"`
}

// RedisConfig 为空 Addr 时禁用名称缓存。
type RedisConfig struct {
	Addr     string `mapstructure:"Addr"`
	Password string `mapstructure:"Password"`
	DB       int    `mapstructure:"DB"`
}

// Enabled 表示是否配置了 Redis。
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// ClassifierConfig 指定 trove 分类列表文件。
type ClassifierConfig struct {
	File string `mapstructure:"File"`
}

// UserConfig 是允许上传的本地账号，PasswordHash 为 bcrypt 摘要。
type UserConfig struct {
	Login        string `mapstructure:"Login"`
	PasswordHash string `mapstructure:"PasswordHash"`
	Email        string `mapstructure:"Email"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global      GlobalConfig     `mapstructure:",squash"`
	Mirror      MirrorConfig     `mapstructure:"Mirror"`
	Upload      UploadConfig     `mapstructure:"Upload"`
	Database    DatabaseConfig   `mapstructure:"Database"`
	Redis       RedisConfig      `mapstructure:"Redis"`
	Classifiers ClassifierConfig `mapstructure:"Classifiers"`
	Users       []UserConfig     `mapstructure:"User"`
}

// UserLogins 返回配置的账号列表，供启动日志使用。
func UserLogins(users []UserConfig) []string {
	if len(users) == 0 {
		return nil
	}
	result := make([]string, len(users))
	for i, user := range users {
		result[i] = user.Login
	}
	return result
}
