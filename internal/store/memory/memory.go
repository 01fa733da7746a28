// Package memory 提供进程内的 store.Store 实现，适用于单实例部署与测试。
// 同一时刻只允许一个写事务；事务在私有副本上修改，Commit 时整体替换。
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/any-hub/any-index/internal/model"
	"github.com/any-hub/any-index/internal/store"
)

type userKey struct {
	login string
	local bool
}

type releaseKey struct {
	packageID int64
	version   string
}

type fileKey struct {
	releaseID int64
	filename  string
}

type packageRow struct {
	pkg         model.Package
	owners      []int64
	maintainers []int64
	releases    []int64
	classifiers []string
}

type releaseRow struct {
	release     model.Release
	files       []int64
	classifiers []string
}

type state struct {
	nextID      int64
	packages    map[int64]*packageRow
	byName      map[string]int64
	users       map[int64]model.User
	userKeys    map[userKey]int64
	releases    map[int64]*releaseRow
	releaseKeys map[releaseKey]int64
	files       map[int64]model.ReleaseFile
	fileKeys    map[fileKey]int64
	classifiers map[string]struct{}
}

func newState() *state {
	return &state{
		packages:    make(map[int64]*packageRow),
		byName:      make(map[string]int64),
		users:       make(map[int64]model.User),
		userKeys:    make(map[userKey]int64),
		releases:    make(map[int64]*releaseRow),
		releaseKeys: make(map[releaseKey]int64),
		files:       make(map[int64]model.ReleaseFile),
		fileKeys:    make(map[fileKey]int64),
		classifiers: make(map[string]struct{}),
	}
}

func (s *state) clone() *state {
	out := newState()
	out.nextID = s.nextID
	for id, row := range s.packages {
		copied := *row
		copied.owners = append([]int64(nil), row.owners...)
		copied.maintainers = append([]int64(nil), row.maintainers...)
		copied.releases = append([]int64(nil), row.releases...)
		copied.classifiers = append([]string(nil), row.classifiers...)
		out.packages[id] = &copied
	}
	for k, v := range s.byName {
		out.byName[k] = v
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.userKeys {
		out.userKeys[k] = v
	}
	for id, row := range s.releases {
		copied := *row
		copied.files = append([]int64(nil), row.files...)
		copied.classifiers = append([]string(nil), row.classifiers...)
		out.releases[id] = &copied
	}
	for k, v := range s.releaseKeys {
		out.releaseKeys[k] = v
	}
	for k, v := range s.files {
		out.files[k] = v
	}
	for k, v := range s.fileKeys {
		out.fileKeys[k] = v
	}
	for k := range s.classifiers {
		out.classifiers[k] = struct{}{}
	}
	return out
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *state) user(id *int64) *model.User {
	if id == nil {
		return nil
	}
	u, ok := s.users[*id]
	if !ok {
		return nil
	}
	return &u
}

func (s *state) loadRelease(id int64) *model.Release {
	row := s.releases[id]
	release := row.release
	release.Author = s.user(release.AuthorID)
	release.Maintainer = s.user(release.MaintainerID)
	release.Classifiers = append(model.ClassifierSet(nil), row.classifiers...)
	release.Files = make([]*model.ReleaseFile, 0, len(row.files))
	for _, fid := range row.files {
		file := s.files[fid]
		release.Files = append(release.Files, &file)
	}
	return &release
}

func (s *state) loadPackage(name string) (*model.Package, error) {
	id, ok := s.byName[model.NormalizeName(name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	row := s.packages[id]
	pkg := row.pkg
	for _, uid := range row.owners {
		u := s.users[uid]
		pkg.Owners = append(pkg.Owners, &u)
	}
	for _, uid := range row.maintainers {
		u := s.users[uid]
		pkg.Maintainers = append(pkg.Maintainers, &u)
	}
	for _, rid := range row.releases {
		pkg.Releases = append(pkg.Releases, s.loadRelease(rid))
	}
	pkg.Classifiers = append(model.ClassifierSet(nil), row.classifiers...)
	return &pkg, nil
}

// Store 是内存实现。
type Store struct {
	txMu sync.Mutex

	mu   sync.RWMutex
	data *state
	now  func() time.Time
}

// New 创建空的内存存储。
func New() *Store {
	return &Store{data: newState(), now: time.Now}
}

// GetPackage 读取已提交的数据。
func (s *Store) GetPackage(ctx context.Context, name string) (*model.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.loadPackage(name)
}

// ListPackageNames 返回按名称排序的包名。
func (s *Store) ListPackageNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.data.packages))
	for _, row := range s.data.packages {
		names = append(names, row.pkg.Name)
	}
	sort.Strings(names)
	return names, nil
}

// ListClassifiers 返回已使用过的分类名。
func (s *Store) ListClassifiers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.data.classifiers))
	for name := range s.data.classifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Begin 获取写锁并在数据副本上开启事务。
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	s.mu.RLock()
	data := s.data.clone()
	s.mu.RUnlock()
	return &tx{parent: s, data: data}, nil
}

// Close 为空操作。
func (s *Store) Close() error {
	return nil
}

type tx struct {
	parent *Store
	data   *state
	done   bool
}

func (t *tx) finish(commit bool) error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	if commit {
		t.parent.mu.Lock()
		t.parent.data = t.data
		t.parent.mu.Unlock()
	}
	t.parent.txMu.Unlock()
	return nil
}

func (t *tx) Commit() error {
	return t.finish(true)
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	return t.finish(false)
}

func (t *tx) GetPackage(ctx context.Context, name string) (*model.Package, error) {
	return t.data.loadPackage(name)
}

func (t *tx) EnsurePackage(ctx context.Context, name string, local bool) (*model.Package, bool, error) {
	if pkg, err := t.data.loadPackage(name); err == nil {
		return pkg, false, nil
	}
	id := t.data.id()
	normalized := model.NormalizeName(name)
	t.data.packages[id] = &packageRow{pkg: model.Package{
		ID:             id,
		Name:           name,
		NormalizedName: normalized,
		Local:          local,
		UpdatedAt:      t.parent.now().UTC(),
	}}
	t.data.byName[normalized] = id
	pkg, err := t.data.loadPackage(name)
	return pkg, true, err
}

func (t *tx) EnsureUser(ctx context.Context, login string, local bool, email *string) (*model.User, error) {
	key := userKey{login: login, local: local}
	if id, ok := t.data.userKeys[key]; ok {
		u := t.data.users[id]
		return &u, nil
	}
	id := t.data.id()
	u := model.User{ID: id, Login: login, Local: local, Email: email}
	t.data.users[id] = u
	t.data.userKeys[key] = id
	return &u, nil
}

func (t *tx) row(pkg *model.Package) (*packageRow, error) {
	row, ok := t.data.packages[pkg.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return row, nil
}

func appendID(ids []int64, id int64) ([]int64, bool) {
	for _, existing := range ids {
		if existing == id {
			return ids, false
		}
	}
	return append(ids, id), true
}

func (t *tx) AddOwner(ctx context.Context, pkg *model.Package, user *model.User) error {
	row, err := t.row(pkg)
	if err != nil {
		return err
	}
	var added bool
	if row.owners, added = appendID(row.owners, user.ID); added {
		pkg.Owners = append(pkg.Owners, user)
	}
	return nil
}

func (t *tx) AddMaintainer(ctx context.Context, pkg *model.Package, user *model.User) error {
	row, err := t.row(pkg)
	if err != nil {
		return err
	}
	var added bool
	if row.maintainers, added = appendID(row.maintainers, user.ID); added {
		pkg.Maintainers = append(pkg.Maintainers, user)
	}
	return nil
}

func (t *tx) EnsureRelease(ctx context.Context, pkg *model.Package, release *model.Release) (*model.Release, bool, error) {
	row, err := t.row(pkg)
	if err != nil {
		return nil, false, err
	}
	key := releaseKey{packageID: pkg.ID, version: release.Version}
	if id, ok := t.data.releaseKeys[key]; ok {
		return t.data.loadRelease(id), false, nil
	}

	id := t.data.id()
	record := *release
	record.ID = id
	record.PackageID = pkg.ID
	record.Files = nil
	record.Classifiers = nil
	record.Author, record.Maintainer = nil, nil
	if release.Author != nil {
		authorID := release.Author.ID
		record.AuthorID = &authorID
	}
	if release.Maintainer != nil {
		maintainerID := release.Maintainer.ID
		record.MaintainerID = &maintainerID
	}
	t.data.releases[id] = &releaseRow{release: record}
	t.data.releaseKeys[key] = id
	row.releases = append(row.releases, id)

	created := t.data.loadRelease(id)
	pkg.Releases = append(pkg.Releases, created)
	return created, true, nil
}

func (t *tx) EnsureReleaseFile(ctx context.Context, release *model.Release, file *model.ReleaseFile) (*model.ReleaseFile, bool, error) {
	row, ok := t.data.releases[release.ID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	key := fileKey{releaseID: release.ID, filename: file.Filename}
	if id, ok := t.data.fileKeys[key]; ok {
		existing := t.data.files[id]
		return &existing, false, nil
	}

	id := t.data.id()
	record := *file
	record.ID = id
	record.ReleaseID = release.ID
	t.data.files[id] = record
	t.data.fileKeys[key] = id
	row.files = append(row.files, id)

	release.Files = append(release.Files, &record)
	return &record, true, nil
}

func (t *tx) UpdateReleaseFile(ctx context.Context, file *model.ReleaseFile) error {
	existing, ok := t.data.files[file.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Size = file.Size
	existing.MD5Digest = file.MD5Digest
	existing.Kind = file.Kind
	existing.PythonVersion = file.PythonVersion
	existing.Comment = file.Comment
	existing.Path = file.Path
	t.data.files[file.ID] = existing
	return nil
}

func appendNames(set []string, names []string) []string {
	out := model.ClassifierSet(set)
	for _, name := range names {
		out.Add(name)
	}
	return out
}

func (t *tx) AddPackageClassifiers(ctx context.Context, pkg *model.Package, names []string) error {
	row, err := t.row(pkg)
	if err != nil {
		return err
	}
	row.classifiers = appendNames(row.classifiers, names)
	for _, name := range names {
		t.data.classifiers[name] = struct{}{}
	}
	return nil
}

func (t *tx) AddReleaseClassifiers(ctx context.Context, release *model.Release, names []string) error {
	row, ok := t.data.releases[release.ID]
	if !ok {
		return store.ErrNotFound
	}
	row.classifiers = appendNames(row.classifiers, names)
	for _, name := range names {
		t.data.classifiers[name] = struct{}{}
	}
	return nil
}

func (t *tx) TouchPackage(ctx context.Context, pkg *model.Package) error {
	row, err := t.row(pkg)
	if err != nil {
		return err
	}
	row.pkg.LastSyncedAt = pkg.LastSyncedAt
	row.pkg.UpdatedAt = pkg.UpdatedAt
	return nil
}
