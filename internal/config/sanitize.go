package config

import (
	"fmt"
	"regexp"
)

// SanitizePattern 编译版本号过滤规则，仅锚定开头；未启用时返回 nil。
func SanitizePattern(enabled bool, pattern string) (*regexp.Regexp, error) {
	if !enabled {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("compile sanitize regex %q: %w", pattern, err)
	}
	return re, nil
}

// MirrorSanitizer 返回镜像版本过滤规则。
func (c *Config) MirrorSanitizer() (*regexp.Regexp, error) {
	return SanitizePattern(c.Mirror.Sanitize, c.Mirror.SanitizeRegex)
}

// UploadSanitizer 返回上传版本过滤规则。
func (c *Config) UploadSanitizer() (*regexp.Regexp, error) {
	return SanitizePattern(c.Upload.Sanitize, c.Upload.SanitizeRegex)
}
