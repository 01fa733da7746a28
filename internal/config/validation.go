package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// 支持的持久化后端。
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := validateUpstream(c.Mirror.Upstream); err != nil {
		return fmt.Errorf("Mirror.Upstream: %w", err)
	}
	if c.Mirror.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Mirror.CacheTTL", "必须大于 0")
	}
	if c.Mirror.NameCacheTTL.DurationValue() < 0 {
		return newFieldError("Mirror.NameCacheTTL", "不能为负数")
	}
	if _, err := c.MirrorSanitizer(); err != nil {
		return newFieldError("Mirror.SanitizeRegex", err.Error())
	}
	if _, err := c.UploadSanitizer(); err != nil {
		return newFieldError("Upload.SanitizeRegex", err.Error())
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return newFieldError("Database.DSN", "postgres 驱动必须提供 DSN")
		}
	default:
		return newFieldError("Database.Driver", "仅支持 memory|postgres")
	}

	seen := map[string]struct{}{}
	for _, user := range c.Users {
		if strings.TrimSpace(user.Login) == "" {
			return newFieldError("User[].Login", "不能为空")
		}
		if _, exists := seen[user.Login]; exists {
			return newFieldError(userField(user.Login, "Login"), "重复")
		}
		seen[user.Login] = struct{}{}
		if _, err := bcrypt.Cost([]byte(user.PasswordHash)); err != nil {
			return newFieldError(userField(user.Login, "PasswordHash"), "必须是 bcrypt 摘要")
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
