package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-index/internal/apperr"
	"github.com/any-hub/any-index/internal/logging"
	"github.com/any-hub/any-index/internal/metrics"
)

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Metrics    *metrics.Recorder
	ListenPort int
	// BodyLimit 是上传请求体上限（字节），0 使用默认值。
	BodyLimit int
	// UpstreamOpen 报告上游熔断器是否打开，用于 /-/healthz。
	UpstreamOpen func() bool
}

const (
	contextKeyRequestID = "_anyindex_request_id"

	defaultBodyLimit = 256 << 20
)

// NewApp builds a Fiber application with request-ID, access logging,
// structured error handling and the /-/ diagnostics endpoints.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	bodyLimit := opts.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = defaultBodyLimit
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     bodyLimit,
		ErrorHandler: func(c fiber.Ctx, err error) error {
			return RenderError(c, err)
		},
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		payload := fiber.Map{"status": "ok"}
		if opts.UpstreamOpen != nil && opts.UpstreamOpen() {
			payload["status"] = "degraded"
			payload["upstream"] = "circuit_open"
		}
		return c.JSON(payload)
	})
	app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后记录访问日志与指标。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		chainErr := c.Next()
		if chainErr != nil {
			if err := RenderError(c, chainErr); err != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		path := string(c.Request().URI().Path())
		routePath := path
		if route := c.Route(); route != nil && route.Path != "" {
			routePath = route.Path
		}
		opts.Metrics.ObserveRequest(c.Method(), routePath, status, time.Since(started))

		if isDiagnosticsPath(path) {
			return nil
		}
		fields := logging.RequestFields(c.Method(), path, reqID, status)
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if chainErr != nil {
			fields["error"] = chainErr.Error()
			opts.Logger.WithFields(fields).Warn("request_failed")
			return nil
		}
		opts.Logger.WithFields(fields).Info("request_complete")
		return nil
	}
}

// RenderError 将错误渲染为 {"error": code, "message": msg}，状态码取自 apperr。
func RenderError(c fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"error":   strings.ToUpper(strings.ReplaceAll(http.StatusText(fe.Code), " ", "_")),
			"message": fe.Message,
		})
	}
	appErr := apperr.FromError(err)
	return c.Status(appErr.Status).JSON(fiber.Map{
		"error":   appErr.Code,
		"message": appErr.Message,
	})
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
