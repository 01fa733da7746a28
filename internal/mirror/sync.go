package mirror

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-index/internal/apperr"
	"github.com/any-hub/any-index/internal/classifier"
	"github.com/any-hub/any-index/internal/logging"
	"github.com/any-hub/any-index/internal/model"
	"github.com/any-hub/any-index/internal/store"
	"github.com/any-hub/any-index/internal/upstream"
)

// Snapshot 是一次同步所需的全部上游数据，在事务开启前抓取完成。
type Snapshot struct {
	Name     string
	Roles    []upstream.RoleAssignment
	Releases []ReleaseSnapshot
}

// ReleaseSnapshot 是单个新版本的元数据与文件列表。
type ReleaseSnapshot struct {
	Version  string
	Metadata *upstream.ReleaseMetadata
	Files    []upstream.FileInfo
}

// Synchronizer 以追加方式将上游版本合并进本地存储。
type Synchronizer struct {
	client   upstream.Client
	taxonomy *classifier.Taxonomy
	sanitize *regexp.Regexp
	now      func() time.Time
	logger   *logrus.Logger
}

// SyncOptions 配置 Synchronizer。
type SyncOptions struct {
	// Sanitize 非 nil 时丢弃不匹配的上游版本号。
	Sanitize *regexp.Regexp
	Now      func() time.Time
	Logger   *logrus.Logger
}

// NewSynchronizer 构造同步器。
func NewSynchronizer(client upstream.Client, taxonomy *classifier.Taxonomy, opts SyncOptions) *Synchronizer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if taxonomy == nil {
		taxonomy = classifier.NewTaxonomy()
	}
	return &Synchronizer{
		client:   client,
		taxonomy: taxonomy,
		sanitize: opts.Sanitize,
		now:      now,
		logger:   logging.OrDiscard(opts.Logger),
	}
}

// Fetch 抓取 existing 中尚未出现的版本；existing 为 nil 表示首次镜像，此时同时抓取角色。
func (s *Synchronizer) Fetch(ctx context.Context, res Resolution, existing *model.Package) (*Snapshot, error) {
	snap := &Snapshot{Name: res.Name}

	known := map[string]struct{}{}
	if existing != nil {
		known = existing.Versions()
	} else {
		roles, err := s.client.ListRoles(ctx, res.Name)
		if err != nil && !errors.Is(err, upstream.ErrNotFound) {
			return nil, apperr.UpstreamUnavailable(err)
		}
		snap.Roles = roles
	}

	for _, version := range res.Versions {
		if _, ok := known[version]; ok {
			continue
		}
		if s.sanitize != nil && !s.sanitize.MatchString(version) {
			continue
		}

		meta, err := s.client.ReleaseMetadata(ctx, res.Name, version)
		if errors.Is(err, upstream.ErrNotFound) {
			s.logger.WithFields(logging.PackageFields("release_vanished", res.Name, res.Name)).
				WithField("version", version).Warn("listed release has no metadata, skipped")
			continue
		}
		if err != nil {
			return nil, apperr.UpstreamUnavailable(err)
		}
		files, err := s.client.FileListing(ctx, res.Name, version)
		if err != nil && !errors.Is(err, upstream.ErrNotFound) {
			return nil, apperr.UpstreamUnavailable(err)
		}
		snap.Releases = append(snap.Releases, ReleaseSnapshot{Version: version, Metadata: meta, Files: files})
	}
	return snap, nil
}

// Apply 在事务内落地快照并刷新 LastSyncedAt，返回合并后的包。
func (s *Synchronizer) Apply(ctx context.Context, tx store.Tx, snap *Snapshot) (*model.Package, error) {
	pkg, created, err := tx.EnsurePackage(ctx, snap.Name, false)
	if err != nil {
		return nil, err
	}
	if pkg.Local {
		return pkg, nil
	}

	if created {
		if err := s.applyRoles(ctx, tx, pkg, snap.Roles); err != nil {
			return nil, err
		}
	}

	for _, rs := range snap.Releases {
		if err := s.applyRelease(ctx, tx, pkg, rs); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	pkg.LastSyncedAt = &now
	pkg.UpdatedAt = now
	if err := tx.TouchPackage(ctx, pkg); err != nil {
		return nil, err
	}
	return pkg, nil
}

// Sync 执行完整的一次同步：抓取、开启事务、落地、提交；任一步失败都回滚。
// 返回的数量为实际落地的版本数，包已转为本地包时为 0。
func (s *Synchronizer) Sync(ctx context.Context, st store.Store, res Resolution, existing *model.Package) (*model.Package, int, error) {
	snap, err := s.Fetch(ctx, res, existing)
	if err != nil {
		return nil, 0, err
	}

	tx, err := st.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin sync: %w", err)
	}
	defer tx.Rollback()

	pkg, err := s.Apply(ctx, tx, snap)
	if err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit sync: %w", err)
	}
	if pkg.Local {
		return pkg, 0, nil
	}
	return pkg, len(snap.Releases), nil
}

func (s *Synchronizer) applyRoles(ctx context.Context, tx store.Tx, pkg *model.Package, roles []upstream.RoleAssignment) error {
	for _, role := range roles {
		if role.Login == "" {
			continue
		}
		user, err := tx.EnsureUser(ctx, role.Login, false, nil)
		if err != nil {
			return err
		}
		switch role.Role {
		case upstream.RoleOwner:
			err = tx.AddOwner(ctx, pkg, user)
		case upstream.RoleMaintainer:
			err = tx.AddMaintainer(ctx, pkg, user)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) applyRelease(ctx context.Context, tx store.Tx, pkg *model.Package, rs ReleaseSnapshot) error {
	meta := rs.Metadata
	release := &model.Release{
		Version:       rs.Version,
		StableVersion: model.StringPtr(meta.StableVersion),
		Summary:       model.StringPtr(meta.Summary),
		License:       model.StringPtr(meta.License),
		Description:   model.StringPtr(meta.Description),
		Keywords:      model.StringPtr(meta.Keywords),
		HomePage:      model.StringPtr(meta.HomePage),
		DownloadURL:   model.StringPtr(meta.DownloadURL),
		DocsURL:       model.StringPtr(meta.DocsURL),
		BugtrackURL:   model.StringPtr(meta.BugtrackURL),
		Platform:      model.StringPtr(meta.Platform),
	}

	var err error
	if meta.Author != "" {
		if release.Author, err = tx.EnsureUser(ctx, meta.Author, false, model.StringPtr(meta.AuthorEmail)); err != nil {
			return err
		}
	}
	if meta.Maintainer != "" {
		if release.Maintainer, err = tx.EnsureUser(ctx, meta.Maintainer, false, model.StringPtr(meta.MaintainerEmail)); err != nil {
			return err
		}
	}

	stored, _, err := tx.EnsureRelease(ctx, pkg, release)
	if err != nil {
		return err
	}

	for _, name := range meta.Classifiers {
		pkgAdded, releaseAdded, ok := s.taxonomy.Attach(pkg, stored, name)
		if !ok {
			continue
		}
		if err := tx.AddReleaseClassifiers(ctx, stored, releaseAdded); err != nil {
			return err
		}
		if err := tx.AddPackageClassifiers(ctx, pkg, pkgAdded); err != nil {
			return err
		}
	}

	for _, info := range rs.Files {
		file := &model.ReleaseFile{
			Filename:      info.Filename,
			Size:          info.Size,
			MD5Digest:     model.StringPtr(info.MD5Digest),
			Kind:          model.ArtifactKind(info.PackageType),
			PythonVersion: model.StringPtr(info.PythonVersion),
			HasSig:        info.HasSig,
			Comment:       model.StringPtr(info.Comment),
			URL:           model.StringPtr(info.URL),
		}
		if _, _, err := tx.EnsureReleaseFile(ctx, stored, file); err != nil {
			return err
		}
	}
	return nil
}
