package mirror

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-index/internal/cache"
	"github.com/any-hub/any-index/internal/logging"
	"github.com/any-hub/any-index/internal/metrics"
	"github.com/any-hub/any-index/internal/model"
	"github.com/any-hub/any-index/internal/store"
	"github.com/any-hub/any-index/internal/upstream"
)

// ShowResult 是元数据请求的返回值，Package 为 nil 表示本地与上游均不存在。
type ShowResult struct {
	RequestedName string         `json:"requested_name"`
	Package       *model.Package `json:"package"`
	Wheelify      bool           `json:"wheelify"`
	HasWheel      bool           `json:"has_wheel"`
}

func (r *ShowResult) setPackage(pkg *model.Package) {
	r.Package = pkg
	r.HasWheel = pkg != nil && pkg.HasWheel()
}

// Service 组合缓存决策、名称解析与同步，对外提供 Show。
type Service struct {
	store      store.Store
	controller cache.Controller
	resolver   *Resolver
	syncer     *Synchronizer
	wheelify   bool
	metrics    *metrics.Recorder
	logger     *logrus.Logger
}

// ServiceOptions 汇总 Service 依赖。
type ServiceOptions struct {
	Store      store.Store
	Controller cache.Controller
	Resolver   *Resolver
	Syncer     *Synchronizer
	Wheelify   bool
	Metrics    *metrics.Recorder
	Logger     *logrus.Logger
}

// NewService 构造镜像服务。
func NewService(opts ServiceOptions) *Service {
	return &Service{
		store:      opts.Store,
		controller: opts.Controller,
		resolver:   opts.Resolver,
		syncer:     opts.Syncer,
		wheelify:   opts.Wheelify,
		metrics:    opts.Metrics,
		logger:     logging.OrDiscard(opts.Logger),
	}
}

// Show 返回包元数据，必要时先与上游同步。上游找不到时返回已有的本地数据（可能为 nil）。
// 一次 Show 内的上游文档通过 upstream.WithMemo 复用。
func (s *Service) Show(ctx context.Context, requested string) (*ShowResult, error) {
	result := &ShowResult{RequestedName: requested, Wheelify: s.wheelify}
	ctx = upstream.WithMemo(ctx)

	pkg, err := s.store.GetPackage(ctx, requested)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	decision := s.controller.Decide(pkg)
	s.metrics.ObserveDecision(decision.String())
	if decision == cache.ServeCached {
		result.setPackage(pkg)
		return result, nil
	}

	started := time.Now()
	s.logger.WithFields(logging.PackageFields("mirror_refresh", requested, "")).Info("refresh package")

	res, err := s.resolver.Resolve(ctx, requested)
	if errors.Is(err, ErrNotFound) {
		s.metrics.ObserveSync("not_found", 0, time.Since(started))
		s.logger.WithFields(logging.PackageFields("mirror_unknown", requested, "")).Info("package has no versions upstream")
		result.setPackage(pkg)
		return result, nil
	}
	if err != nil {
		s.metrics.ObserveSync("error", 0, time.Since(started))
		return nil, err
	}

	synced, fetched, err := s.syncer.Sync(ctx, s.store, res, pkg)
	if err != nil {
		s.metrics.ObserveSync("error", 0, time.Since(started))
		s.logger.WithFields(logging.PackageFields("mirror_failed", requested, res.Name)).Warn(err.Error())
		return nil, err
	}

	s.metrics.ObserveSync("ok", fetched, time.Since(started))
	s.logger.WithFields(logging.PackageFields("mirror_complete", requested, res.Name)).
		WithField("new_releases", fetched).Info("package mirrored")
	result.setPackage(synced)
	return result, nil
}

// ListPackages 返回全部包名。
func (s *Service) ListPackages(ctx context.Context) ([]string, error) {
	return s.store.ListPackageNames(ctx)
}
