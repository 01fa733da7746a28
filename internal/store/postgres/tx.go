package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/any-hub/any-index/internal/model"
	"github.com/any-hub/any-index/internal/store"
)

const (
	roleOwner      = "Owner"
	roleMaintainer = "Maintainer"
)

type tx struct {
	tx  *sqlx.Tx
	now func() time.Time
}

func (t *tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return store.ErrTxDone
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (t *tx) GetPackage(ctx context.Context, name string) (*model.Package, error) {
	return loadPackage(ctx, t.tx, name)
}

// insertReturningID 执行 INSERT ... ON CONFLICT DO NOTHING RETURNING id，冲突时 ok 为 false。
func (t *tx) insertReturningID(ctx context.Context, query string, args ...any) (int64, bool, error) {
	var id int64
	if err := t.tx.GetContext(ctx, &id, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func (t *tx) EnsurePackage(ctx context.Context, name string, local bool) (*model.Package, bool, error) {
	_, created, err := t.insertReturningID(ctx, `INSERT INTO packages (name, normalized_name, local, updated_at)
VALUES ($1, $2, $3, $4) ON CONFLICT (normalized_name) DO NOTHING RETURNING id`,
		name, model.NormalizeName(name), local, t.now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("ensure package %s: %w", name, err)
	}
	pkg, err := loadPackage(ctx, t.tx, name)
	if err != nil {
		return nil, false, err
	}
	return pkg, created, nil
}

func (t *tx) EnsureUser(ctx context.Context, login string, local bool, email *string) (*model.User, error) {
	id, created, err := t.insertReturningID(ctx, `INSERT INTO users (login, local, email)
VALUES ($1, $2, $3) ON CONFLICT (login, local) DO NOTHING RETURNING id`, login, local, email)
	if err != nil {
		return nil, fmt.Errorf("ensure user %s: %w", login, err)
	}
	if created {
		return &model.User{ID: id, Login: login, Local: local, Email: email}, nil
	}
	var user model.User
	if err := t.tx.GetContext(ctx, &user, `SELECT id, login, local, email FROM users
WHERE login = $1 AND local = $2`, login, local); err != nil {
		return nil, fmt.Errorf("get user %s: %w", login, err)
	}
	return &user, nil
}

func (t *tx) addRole(ctx context.Context, pkg *model.Package, user *model.User, role string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO package_roles (package_id, user_id, role)
VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, pkg.ID, user.ID, role)
	if err != nil {
		return false, fmt.Errorf("add %s %s: %w", role, user.Login, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *tx) AddOwner(ctx context.Context, pkg *model.Package, user *model.User) error {
	added, err := t.addRole(ctx, pkg, user, roleOwner)
	if added {
		pkg.Owners = append(pkg.Owners, user)
	}
	return err
}

func (t *tx) AddMaintainer(ctx context.Context, pkg *model.Package, user *model.User) error {
	added, err := t.addRole(ctx, pkg, user, roleMaintainer)
	if added {
		pkg.Maintainers = append(pkg.Maintainers, user)
	}
	return err
}

func (t *tx) EnsureRelease(ctx context.Context, pkg *model.Package, release *model.Release) (*model.Release, bool, error) {
	var authorID, maintainerID *int64
	if release.Author != nil {
		id := release.Author.ID
		authorID = &id
	}
	if release.Maintainer != nil {
		id := release.Maintainer.ID
		maintainerID = &id
	}

	id, created, err := t.insertReturningID(ctx, `INSERT INTO releases (package_id, version, stable_version, summary,
license, description, keywords, home_page, download_url, docs_url, bugtrack_url, platform, author_id, maintainer_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (package_id, version) DO NOTHING RETURNING id`,
		pkg.ID, release.Version, release.StableVersion, release.Summary, release.License, release.Description,
		release.Keywords, release.HomePage, release.DownloadURL, release.DocsURL, release.BugtrackURL,
		release.Platform, authorID, maintainerID)
	if err != nil {
		return nil, false, fmt.Errorf("ensure release %s %s: %w", pkg.Name, release.Version, err)
	}

	if created {
		record := *release
		record.ID = id
		record.PackageID = pkg.ID
		record.AuthorID = authorID
		record.MaintainerID = maintainerID
		record.Files = nil
		record.Classifiers = nil
		pkg.Releases = append(pkg.Releases, &record)
		return &record, true, nil
	}

	if err := t.tx.GetContext(ctx, &id, `SELECT id FROM releases WHERE package_id = $1 AND version = $2`,
		pkg.ID, release.Version); err != nil {
		return nil, false, fmt.Errorf("get release %s %s: %w", pkg.Name, release.Version, err)
	}
	existing, err := loadRelease(ctx, t.tx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (t *tx) EnsureReleaseFile(ctx context.Context, release *model.Release, file *model.ReleaseFile) (*model.ReleaseFile, bool, error) {
	id, created, err := t.insertReturningID(ctx, `INSERT INTO release_files (release_id, filename, size, md5_digest,
package_type, python_version, has_sig, comment_text, url, path)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (release_id, filename) DO NOTHING RETURNING id`,
		release.ID, file.Filename, file.Size, file.MD5Digest, string(file.Kind), file.PythonVersion,
		file.HasSig, file.Comment, file.URL, file.Path)
	if err != nil {
		return nil, false, fmt.Errorf("ensure file %s: %w", file.Filename, err)
	}
	if created {
		record := *file
		record.ID = id
		record.ReleaseID = release.ID
		release.Files = append(release.Files, &record)
		return &record, true, nil
	}

	var existing model.ReleaseFile
	if err := t.tx.GetContext(ctx, &existing, `SELECT `+fileColumns+`
FROM release_files WHERE release_id = $1 AND filename = $2`, release.ID, file.Filename); err != nil {
		return nil, false, fmt.Errorf("get file %s: %w", file.Filename, err)
	}
	return &existing, false, nil
}

func (t *tx) UpdateReleaseFile(ctx context.Context, file *model.ReleaseFile) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE release_files SET size = $1, md5_digest = $2, package_type = $3,
python_version = $4, comment_text = $5, path = $6 WHERE id = $7`,
		file.Size, file.MD5Digest, string(file.Kind), file.PythonVersion, file.Comment, file.Path, file.ID)
	if err != nil {
		return fmt.Errorf("update file %s: %w", file.Filename, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) ensureClassifier(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO classifiers (name) VALUES ($1) ON CONFLICT DO NOTHING`, name); err != nil {
		return fmt.Errorf("ensure classifier %s: %w", name, err)
	}
	return nil
}

func (t *tx) AddPackageClassifiers(ctx context.Context, pkg *model.Package, names []string) error {
	for _, name := range names {
		if err := t.ensureClassifier(ctx, name); err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO package_classifiers (package_id, name)
VALUES ($1, $2) ON CONFLICT DO NOTHING`, pkg.ID, name); err != nil {
			return fmt.Errorf("add package classifier %s: %w", name, err)
		}
	}
	return nil
}

func (t *tx) AddReleaseClassifiers(ctx context.Context, release *model.Release, names []string) error {
	for _, name := range names {
		if err := t.ensureClassifier(ctx, name); err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO release_classifiers (release_id, name)
VALUES ($1, $2) ON CONFLICT DO NOTHING`, release.ID, name); err != nil {
			return fmt.Errorf("add release classifier %s: %w", name, err)
		}
	}
	return nil
}

func (t *tx) TouchPackage(ctx context.Context, pkg *model.Package) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE packages SET last_synced_at = $1, updated_at = $2 WHERE id = $3`,
		pkg.LastSyncedAt, pkg.UpdatedAt, pkg.ID); err != nil {
		return fmt.Errorf("touch package %s: %w", pkg.Name, err)
	}
	return nil
}
