package cache

import (
	"time"

	"github.com/any-hub/any-index/internal/model"
)

// Decision 表示一次元数据请求的缓存决策。
type Decision int

const (
	// Refresh 需要先与上游同步再返回。
	Refresh Decision = iota
	// ServeCached 直接返回本地数据。
	ServeCached
)

func (d Decision) String() string {
	switch d {
	case ServeCached:
		return "serve_cached"
	case Refresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Controller 根据 TTL 判断镜像包是否过期，默认使用 time.Now 作为时钟。
type Controller struct {
	ttl time.Duration
	now func() time.Time
}

// NewController 构造 TTL 控制器。
func NewController(ttl time.Duration) Controller {
	return Controller{ttl: ttl, now: time.Now}
}

// WithClock 返回使用指定时钟的副本，便于测试边界。
func (c Controller) WithClock(now func() time.Time) Controller {
	c.now = now
	return c
}

// Decide 判断是否可以直接复用本地元数据；恰好等于 TTL 时仍视为有效。
func (c Controller) Decide(pkg *model.Package) Decision {
	if pkg == nil {
		return Refresh
	}
	if pkg.Local {
		return ServeCached
	}
	if pkg.LastSyncedAt == nil {
		return Refresh
	}
	if c.now().Sub(*pkg.LastSyncedAt) > c.ttl {
		return Refresh
	}
	return ServeCached
}
