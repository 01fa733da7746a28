package server

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/basicauth"

	"github.com/any-hub/any-index/internal/config"
	"github.com/any-hub/any-index/internal/model"
)

const authRealm = "any-index"

// Authenticator 使用配置中的 [[User]] 账号校验 HTTP Basic 凭据。
type Authenticator struct {
	users   map[string]config.UserConfig
	handler fiber.Handler
}

// NewAuthenticator 以登录名索引账号，bcrypt 摘要交给 basicauth 中间件校验。
func NewAuthenticator(users []config.UserConfig) *Authenticator {
	index := make(map[string]config.UserConfig, len(users))
	hashes := make(map[string]string, len(users))
	for _, user := range users {
		index[user.Login] = user
		hashes[user.Login] = user.PasswordHash
	}
	return &Authenticator{
		users: index,
		handler: basicauth.New(basicauth.Config{
			Users:        hashes,
			Realm:        authRealm,
			Unauthorized: unauthorized,
		}),
	}
}

// Middleware 要求请求携带有效的 Basic 凭据，否则返回 401 并附带 WWW-Authenticate。
func (a *Authenticator) Middleware() fiber.Handler {
	return a.handler
}

// CurrentUser 返回 Middleware 认证通过的本地用户。
func (a *Authenticator) CurrentUser(c fiber.Ctx) *model.User {
	if a == nil {
		return nil
	}
	user, ok := a.users[basicauth.UsernameFromContext(c)]
	if !ok {
		return nil
	}
	return &model.User{Login: user.Login, Local: true, Email: model.StringPtr(user.Email)}
}

func unauthorized(c fiber.Ctx) error {
	c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="`+authRealm+`", charset="UTF-8"`)
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error":   "AUTH_REQUIRED",
		"message": "valid credentials required",
	})
}
