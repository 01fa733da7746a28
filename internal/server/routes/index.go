package routes

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-index/internal/apperr"
	"github.com/any-hub/any-index/internal/mirror"
	"github.com/any-hub/any-index/internal/model"
	"github.com/any-hub/any-index/internal/server"
	"github.com/any-hub/any-index/internal/storage"
	"github.com/any-hub/any-index/internal/upload"
)

// IndexDeps 汇总索引路由依赖。
type IndexDeps struct {
	Mirror    *mirror.Service
	Ingestor  *upload.Ingestor
	Artifacts *storage.Store
	Auth      *server.Authenticator
	Logger    *logrus.Logger
}

// RegisterIndexRoutes 挂载包列表、元数据、上传与下载接口。
func RegisterIndexRoutes(app *fiber.App, deps IndexDeps) {
	if app == nil || deps.Mirror == nil {
		return
	}

	app.Get("/simple", func(c fiber.Ctx) error {
		names, err := deps.Mirror.ListPackages(requestContext(c))
		if err != nil {
			return err
		}
		packages := make([]packageLink, 0, len(names))
		for _, name := range names {
			packages = append(packages, packageLink{Name: name, PURL: model.PURL(name, "")})
		}
		return c.JSON(fiber.Map{"packages": packages})
	})

	show := func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return apperr.InvalidInput("package name required")
		}
		result, err := deps.Mirror.Show(requestContext(c), name)
		if err != nil {
			return err
		}
		if result.Package == nil {
			return apperr.NotFound("package " + name + " not found")
		}
		return c.JSON(result)
	}
	app.Get("/simple/:name", show)
	app.Get("/pypi/:name/json", show)

	if deps.Ingestor != nil && deps.Auth != nil {
		uploadHandler := func(c fiber.Ctx) error {
			return handleUpload(c, deps)
		}
		app.Post("/", deps.Auth.Middleware(), uploadHandler)
		app.Post("/upload", deps.Auth.Middleware(), uploadHandler)
	}

	if deps.Artifacts != nil {
		app.Get("/packages/:bucket/:filename", func(c fiber.Ctx) error {
			return serveArtifact(c, deps.Artifacts)
		})
	}
}

type packageLink struct {
	Name string `json:"name"`
	PURL string `json:"purl"`
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func handleUpload(c fiber.Ctx, deps IndexDeps) error {
	form, err := c.MultipartForm()
	if err != nil {
		return apperr.InvalidInput("multipart form required")
	}
	if action := formValue(form, ":action"); action != "file_upload" {
		return apperr.InvalidInput("unsupported action " + action)
	}
	headers := form.File["content"]
	if len(headers) == 0 {
		return apperr.InvalidInput("content file required")
	}
	content, err := headers[0].Open()
	if err != nil {
		return apperr.InvalidInput("content file unreadable")
	}
	defer content.Close()

	file, err := deps.Ingestor.Upload(requestContext(c), upload.Request{
		User:             deps.Auth.CurrentUser(c),
		Name:             formValue(form, "name"),
		Version:          formValue(form, "version"),
		FileType:         model.ArtifactKind(formValue(form, "filetype")),
		PyVersion:        formValue(form, "pyversion"),
		Platform:         formValue(form, "platform"),
		MD5Digest:        formValue(form, "md5_digest"),
		Comment:          formValue(form, "comment"),
		Summary:          formValue(form, "summary"),
		HomePage:         formValue(form, "home_page"),
		License:          formValue(form, "license"),
		Description:      formValue(form, "description"),
		Keywords:         formValue(form, "keywords"),
		DownloadURL:      formValue(form, "download_url"),
		DocsURL:          formValue(form, "docs_url"),
		Classifiers:      form.Value["classifiers"],
		OriginalFilename: headers[0].Filename,
		Content:          content,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"release_file": file})
}

func formValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

func serveArtifact(c fiber.Ctx, artifacts *storage.Store) error {
	filename := c.Params("filename")
	if err := storage.ValidateFilename(filename); err != nil {
		return err
	}
	if storage.Bucket(filename) != c.Params("bucket") {
		return apperr.NotFound("artifact not found")
	}

	result, err := artifacts.Get(requestContext(c), filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("artifact not found")
		}
		return err
	}
	defer result.Reader.Close()

	c.Set(fiber.HeaderContentType, contentType(filename))
	c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	c.Status(fiber.StatusOK)
	if c.Method() == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(c.Response().BodyWriter(), result.Reader); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "read artifact failed")
	}
	return nil
}

func contentType(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".tar.gz"):
		return "application/x-tar"
	case strings.HasSuffix(filename, ".whl"), strings.HasSuffix(filename, ".egg"):
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
