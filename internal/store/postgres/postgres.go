// Package postgres 基于 sqlx + lib/pq 实现 store.Store。
// Ensure* 使用 INSERT ... ON CONFLICT DO NOTHING RETURNING id，冲突时回读已有行，
// 因此并发的同步请求最终收敛到同一组记录。
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/any-hub/any-index/internal/model"
	"github.com/any-hub/any-index/internal/store"
)

// Options 控制连接池。
type Options struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Store 是 PostgreSQL 实现。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open 建立连接池并 Ping 一次。
func Open(ctx context.Context, opts Options) (*Store, error) {
	db, err := sqlx.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// New 包装已有连接，测试中配合 sqlmock 使用。
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// GetPackage 读取已提交的数据。
func (s *Store) GetPackage(ctx context.Context, name string) (*model.Package, error) {
	return loadPackage(ctx, s.db, name)
}

// ListPackageNames 返回按名称排序的包名。
func (s *Store) ListPackageNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, `SELECT name FROM packages ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	return names, nil
}

// ListClassifiers 返回已持久化的分类名。
func (s *Store) ListClassifiers(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, `SELECT name FROM classifiers ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list classifiers: %w", err)
	}
	return names, nil
}

// Begin 开启数据库事务。
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &tx{tx: sqlTx, now: s.now}, nil
}

// Close 关闭连接池。
func (s *Store) Close() error {
	return s.db.Close()
}

const packageColumns = `id, name, normalized_name, local, last_synced_at, updated_at`

const releaseColumns = `id, package_id, version, stable_version, summary, license, description, keywords,
home_page, download_url, docs_url, bugtrack_url, platform, author_id, maintainer_id`

const fileColumns = `id, release_id, filename, size, md5_digest, package_type, python_version, has_sig,
comment_text, url, path`

type roleRow struct {
	model.User
	Role string `db:"role"`
}

type classifierRow struct {
	ReleaseID int64  `db:"release_id"`
	Name      string `db:"name"`
}

func loadPackage(ctx context.Context, q sqlx.QueryerContext, name string) (*model.Package, error) {
	var pkg model.Package
	query := `SELECT ` + packageColumns + ` FROM packages WHERE normalized_name = $1`
	if err := sqlx.GetContext(ctx, q, &pkg, query, model.NormalizeName(name)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get package %s: %w", name, err)
	}

	var roles []roleRow
	if err := sqlx.SelectContext(ctx, q, &roles, `SELECT u.id, u.login, u.local, u.email, r.role
FROM package_roles r JOIN users u ON u.id = r.user_id
WHERE r.package_id = $1 ORDER BY r.position`, pkg.ID); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	for i := range roles {
		user := roles[i].User
		switch roles[i].Role {
		case roleOwner:
			pkg.Owners = append(pkg.Owners, &user)
		case roleMaintainer:
			pkg.Maintainers = append(pkg.Maintainers, &user)
		}
	}

	var releases []model.Release
	if err := sqlx.SelectContext(ctx, q, &releases, `SELECT `+releaseColumns+`
FROM releases WHERE package_id = $1 ORDER BY id`, pkg.ID); err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}

	var people []model.User
	if err := sqlx.SelectContext(ctx, q, &people, `SELECT id, login, local, email FROM users WHERE id IN (
SELECT author_id FROM releases WHERE package_id = $1
UNION SELECT maintainer_id FROM releases WHERE package_id = $1)`, pkg.ID); err != nil {
		return nil, fmt.Errorf("list release users: %w", err)
	}
	usersByID := make(map[int64]*model.User, len(people))
	for i := range people {
		usersByID[people[i].ID] = &people[i]
	}

	var files []model.ReleaseFile
	if err := sqlx.SelectContext(ctx, q, &files, `SELECT f.id, f.release_id, f.filename, f.size, f.md5_digest,
f.package_type, f.python_version, f.has_sig, f.comment_text, f.url, f.path
FROM release_files f JOIN releases r ON r.id = f.release_id
WHERE r.package_id = $1 ORDER BY f.id`, pkg.ID); err != nil {
		return nil, fmt.Errorf("list release files: %w", err)
	}

	var releaseClassifiers []classifierRow
	if err := sqlx.SelectContext(ctx, q, &releaseClassifiers, `SELECT rc.release_id, rc.name
FROM release_classifiers rc JOIN releases r ON r.id = rc.release_id
WHERE r.package_id = $1 ORDER BY rc.position`, pkg.ID); err != nil {
		return nil, fmt.Errorf("list release classifiers: %w", err)
	}

	var pkgClassifiers []string
	if err := sqlx.SelectContext(ctx, q, &pkgClassifiers, `SELECT name FROM package_classifiers
WHERE package_id = $1 ORDER BY position`, pkg.ID); err != nil {
		return nil, fmt.Errorf("list package classifiers: %w", err)
	}
	pkg.Classifiers = model.ClassifierSet(pkgClassifiers)

	byID := make(map[int64]*model.Release, len(releases))
	for i := range releases {
		release := &releases[i]
		if release.AuthorID != nil {
			release.Author = usersByID[*release.AuthorID]
		}
		if release.MaintainerID != nil {
			release.Maintainer = usersByID[*release.MaintainerID]
		}
		byID[release.ID] = release
		pkg.Releases = append(pkg.Releases, release)
	}
	for i := range files {
		if release, ok := byID[files[i].ReleaseID]; ok {
			release.Files = append(release.Files, &files[i])
		}
	}
	for _, row := range releaseClassifiers {
		if release, ok := byID[row.ReleaseID]; ok {
			release.Classifiers = append(release.Classifiers, row.Name)
		}
	}
	return &pkg, nil
}

func loadRelease(ctx context.Context, q sqlx.QueryerContext, id int64) (*model.Release, error) {
	var release model.Release
	if err := sqlx.GetContext(ctx, q, &release, `SELECT `+releaseColumns+` FROM releases WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("get release %d: %w", id, err)
	}
	var files []model.ReleaseFile
	if err := sqlx.SelectContext(ctx, q, &files, `SELECT `+fileColumns+`
FROM release_files WHERE release_id = $1 ORDER BY id`, id); err != nil {
		return nil, fmt.Errorf("list release files: %w", err)
	}
	for i := range files {
		release.Files = append(release.Files, &files[i])
	}
	var names []string
	if err := sqlx.SelectContext(ctx, q, &names, `SELECT name FROM release_classifiers
WHERE release_id = $1 ORDER BY position`, id); err != nil {
		return nil, fmt.Errorf("list release classifiers: %w", err)
	}
	release.Classifiers = model.ClassifierSet(names)
	return &release, nil
}
