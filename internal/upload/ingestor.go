// Package upload 处理本地发布上传：鉴权、生成文件名、落盘并记录 Release / ReleaseFile。
package upload

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-index/internal/apperr"
	"github.com/any-hub/any-index/internal/classifier"
	"github.com/any-hub/any-index/internal/logging"
	"github.com/any-hub/any-index/internal/metrics"
	"github.com/any-hub/any-index/internal/model"
	"github.com/any-hub/any-index/internal/storage"
	"github.com/any-hub/any-index/internal/store"
)

// Request 是一次上传的表单内容。
type Request struct {
	User             *model.User        `validate:"required"`
	Name             string             `validate:"required,max=255"`
	Version          string             `validate:"required,max=128"`
	FileType         model.ArtifactKind `validate:"required,filetype"`
	PyVersion        string
	Platform         string
	MD5Digest        string `validate:"omitempty,len=32,hexadecimal"`
	Comment          string
	Summary          string
	HomePage         string
	License          string
	Description      string
	Keywords         string
	DownloadURL      string
	DocsURL          string
	Classifiers      []string
	OriginalFilename string    `validate:"required"`
	Content          io.Reader `validate:"required"`
}

// Options 是 Ingestor 的策略开关。
type Options struct {
	// Sanitize 非 nil 时拒绝不匹配的版本号。
	Sanitize *regexp.Regexp
	// RewriteFilename 为 true 时忽略提交的文件名，按表单字段重新生成。
	RewriteFilename bool
	// AllowMirrorShadowing 允许向镜像包上传文件。
	AllowMirrorShadowing bool
	Now                  func() time.Time
	Logger               *logrus.Logger
	Metrics              *metrics.Recorder
}

// Ingestor 执行上传流程，每次调用对应一个事务。
type Ingestor struct {
	store     store.Store
	artifacts *storage.Store
	taxonomy  *classifier.Taxonomy
	validator *validator.Validate
	opts      Options
	logger    *logrus.Logger
}

// NewIngestor 构造上传处理器。
func NewIngestor(st store.Store, artifacts *storage.Store, taxonomy *classifier.Taxonomy, opts Options) *Ingestor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if taxonomy == nil {
		taxonomy = classifier.NewTaxonomy()
	}
	validate := validator.New()
	if err := validate.RegisterValidation("filetype", func(fl validator.FieldLevel) bool {
		return model.ArtifactKind(fl.Field().String()).Uploadable()
	}); err != nil {
		panic(fmt.Sprintf("register filetype validation: %v", err))
	}
	return &Ingestor{
		store:     st,
		artifacts: artifacts,
		taxonomy:  taxonomy,
		validator: validate,
		opts:      opts,
		logger:    logging.OrDiscard(opts.Logger),
	}
}

// Upload 校验并写入一个发布文件。所有鉴权与文件名检查在任何写操作之前完成。
func (i *Ingestor) Upload(ctx context.Context, req Request) (*model.ReleaseFile, error) {
	file, err := i.upload(ctx, req)
	if err != nil {
		i.opts.Metrics.ObserveUpload(string(apperr.KindOf(err)), 0)
		return nil, err
	}
	i.opts.Metrics.ObserveUpload("ok", file.Size)
	return file, nil
}

func (i *Ingestor) upload(ctx context.Context, req Request) (*model.ReleaseFile, error) {
	if err := i.validator.Struct(req); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInvalidInput, "INVALID_INPUT", "invalid upload form")
	}
	if !req.User.Local {
		return nil, apperr.Unauthorized("only local accounts may upload")
	}
	if i.opts.Sanitize != nil && !i.opts.Sanitize.MatchString(req.Version) {
		return nil, apperr.Unauthorized(fmt.Sprintf("version %q rejected by upload policy", req.Version))
	}

	filename, err := i.filename(req)
	if err != nil {
		return nil, err
	}

	tx, err := i.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin upload: %w", err)
	}
	defer tx.Rollback()

	existing, err := tx.GetPackage(ctx, req.Name)
	switch {
	case store.IsNotFound(err):
		existing = nil
	case err != nil:
		return nil, err
	case existing.Local:
		if !existing.IsOwnerOrMaintainer(req.User) {
			return nil, apperr.Unauthorized(fmt.Sprintf("%s is not allowed to upload to %s", req.User.Login, existing.Name))
		}
	case !i.opts.AllowMirrorShadowing:
		return nil, apperr.Unauthorized(fmt.Sprintf("%s is mirrored from upstream", existing.Name))
	}

	uploader, err := tx.EnsureUser(ctx, req.User.Login, true, req.User.Email)
	if err != nil {
		return nil, err
	}

	pkg, created, err := tx.EnsurePackage(ctx, req.Name, true)
	if err != nil {
		return nil, err
	}
	if created {
		if err := tx.AddOwner(ctx, pkg, uploader); err != nil {
			return nil, err
		}
	}

	release, _, err := tx.EnsureRelease(ctx, pkg, &model.Release{
		Version:     req.Version,
		Summary:     model.StringPtr(req.Summary),
		HomePage:    model.StringPtr(req.HomePage),
		License:     model.StringPtr(req.License),
		Description: model.StringPtr(req.Description),
		Keywords:    model.StringPtr(req.Keywords),
		Platform:    model.StringPtr(req.Platform),
		DownloadURL: model.StringPtr(req.DownloadURL),
		DocsURL:     model.StringPtr(req.DocsURL),
		Author:      uploader,
	})
	if err != nil {
		return nil, err
	}

	for _, name := range req.Classifiers {
		pkgAdded, releaseAdded, ok := i.taxonomy.Attach(pkg, release, name)
		if !ok {
			continue
		}
		if err := tx.AddReleaseClassifiers(ctx, release, releaseAdded); err != nil {
			return nil, err
		}
		if err := tx.AddPackageClassifiers(ctx, pkg, pkgAdded); err != nil {
			return nil, err
		}
	}

	// 正文先落到临时文件，事务提交后才替换目标，失败时旧文件保持不变。
	staged, err := i.artifacts.Stage(ctx, filename, req.Content)
	if err != nil {
		return nil, fmt.Errorf("store artifact %s: %w", filename, err)
	}
	defer staged.Discard()
	entry := staged.Entry()

	path := entry.Path
	file, created, err := tx.EnsureReleaseFile(ctx, release, &model.ReleaseFile{
		Filename:      filename,
		Size:          entry.SizeBytes,
		MD5Digest:     model.StringPtr(req.MD5Digest),
		Kind:          req.FileType,
		PythonVersion: model.StringPtr(req.PyVersion),
		Comment:       model.StringPtr(req.Comment),
		Path:          &path,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		file.Size = entry.SizeBytes
		file.MD5Digest = model.StringPtr(req.MD5Digest)
		file.Kind = req.FileType
		file.PythonVersion = model.StringPtr(req.PyVersion)
		file.Comment = model.StringPtr(req.Comment)
		file.Path = &path
		if err := tx.UpdateReleaseFile(ctx, file); err != nil {
			return nil, err
		}
	}

	pkg.UpdatedAt = i.opts.Now().UTC()
	if err := tx.TouchPackage(ctx, pkg); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upload: %w", err)
	}
	if _, err := staged.Commit(); err != nil {
		i.logger.WithFields(logging.UploadFields(pkg.Name, req.Version, filename, uploader.Login)).
			Error("artifact rename failed after commit: " + err.Error())
		return nil, fmt.Errorf("publish artifact %s: %w", filename, err)
	}

	i.logger.WithFields(logging.UploadFields(pkg.Name, req.Version, filename, uploader.Login)).
		WithField("size", file.Size).Info("upload_complete")
	return file, nil
}

func (i *Ingestor) filename(req Request) (string, error) {
	name := req.OriginalFilename
	if i.opts.RewriteFilename {
		guessed, err := storage.GuessFilename(storage.FileParams{
			Name:      req.Name,
			Version:   req.Version,
			Kind:      req.FileType,
			PyVersion: req.PyVersion,
			Platform:  req.Platform,
		}, req.OriginalFilename)
		if err != nil {
			return "", err
		}
		name = guessed
	}
	if err := storage.ValidateFilename(name); err != nil {
		return "", err
	}
	return name, nil
}
