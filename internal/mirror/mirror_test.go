package mirror

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/any-index/internal/apperr"
	"github.com/any-hub/any-index/internal/cache"
	"github.com/any-hub/any-index/internal/classifier"
	"github.com/any-hub/any-index/internal/model"
	"github.com/any-hub/any-index/internal/store"
	"github.com/any-hub/any-index/internal/store/memory"
	"github.com/any-hub/any-index/internal/upstream"
)

type fakeRelease struct {
	meta  upstream.ReleaseMetadata
	files []upstream.FileInfo
}

type fakePackage struct {
	roles    []upstream.RoleAssignment
	releases map[string]fakeRelease
	order    []string
}

// fakeUpstream 模拟上游：ListVersions 精确匹配（foldCase 时忽略大小写，与 PyPI 一致），
// Search 为大小写无关的子串匹配。
type fakeUpstream struct {
	mu       sync.Mutex
	packages map[string]*fakePackage
	failOn   string
	foldCase bool
	calls    map[string]int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{packages: map[string]*fakePackage{}, calls: map[string]int{}}
}

func (f *fakeUpstream) addRelease(name, version string, classifiers []string, files ...upstream.FileInfo) {
	pkg, ok := f.packages[name]
	if !ok {
		pkg = &fakePackage{releases: map[string]fakeRelease{}}
		f.packages[name] = pkg
	}
	pkg.order = append(pkg.order, version)
	pkg.releases[version] = fakeRelease{
		meta: upstream.ReleaseMetadata{
			Name:        name,
			Version:     version,
			Summary:     name + " " + version,
			Author:      "upstream-author",
			AuthorEmail: "author@example.com",
			Classifiers: classifiers,
		},
		files: files,
	}
}

func (f *fakeUpstream) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.failOn == op {
		return upstream.ErrUnavailable
	}
	return nil
}

func (f *fakeUpstream) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeUpstream) Search(ctx context.Context, name string) ([]upstream.SearchResult, error) {
	if err := f.record("search"); err != nil {
		return nil, err
	}
	var out []upstream.SearchResult
	for known := range f.packages {
		if strings.Contains(strings.ToLower(known), strings.ToLower(name)) {
			out = append(out, upstream.SearchResult{Name: known})
		}
	}
	return out, nil
}

func (f *fakeUpstream) ListVersions(ctx context.Context, name string) (string, []string, error) {
	if err := f.record("versions"); err != nil {
		return "", nil, err
	}
	if pkg, ok := f.packages[name]; ok {
		return name, append([]string(nil), pkg.order...), nil
	}
	if f.foldCase {
		for known, pkg := range f.packages {
			if strings.EqualFold(known, name) {
				return known, append([]string(nil), pkg.order...), nil
			}
		}
	}
	return "", nil, nil
}

func (f *fakeUpstream) ListRoles(ctx context.Context, name string) ([]upstream.RoleAssignment, error) {
	if err := f.record("roles"); err != nil {
		return nil, err
	}
	if pkg, ok := f.packages[name]; ok {
		return pkg.roles, nil
	}
	return nil, nil
}

func (f *fakeUpstream) ReleaseMetadata(ctx context.Context, name, version string) (*upstream.ReleaseMetadata, error) {
	if err := f.record("metadata"); err != nil {
		return nil, err
	}
	rel, ok := f.packages[name].releases[version]
	if !ok {
		return nil, upstream.ErrNotFound
	}
	meta := rel.meta
	return &meta, nil
}

func (f *fakeUpstream) FileListing(ctx context.Context, name, version string) ([]upstream.FileInfo, error) {
	if err := f.record("files"); err != nil {
		return nil, err
	}
	return f.packages[name].releases[version].files, nil
}

type fixture struct {
	upstream *fakeUpstream
	store    *memory.Store
	service  *Service
	clock    *time.Time
}

func newFixture(t *testing.T, sanitize *regexp.Regexp) *fixture {
	t.Helper()
	up := newFakeUpstream()
	st := memory.New()
	tax := classifier.NewTaxonomy()
	for _, name := range []string{
		"License :: OSI Approved :: MIT License",
		"Programming Language :: Python :: 3",
	} {
		if _, err := tax.Register(name); err != nil {
			t.Fatalf("register classifier: %v", err)
		}
	}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	nowFn := func() time.Time { return *clock }

	svc := NewService(ServiceOptions{
		Store:      st,
		Controller: cache.NewController(time.Hour).WithClock(nowFn),
		Resolver:   NewResolver(up, nil, nil),
		Syncer:     NewSynchronizer(up, tax, SyncOptions{Sanitize: sanitize, Now: nowFn}),
		Wheelify:   true,
	})
	return &fixture{upstream: up, store: st, service: svc, clock: clock}
}

func wheel(name, version string) upstream.FileInfo {
	return upstream.FileInfo{
		Filename:    name + "-" + version + "-py3-none-any.whl",
		Size:        42,
		MD5Digest:   "d41d8cd98f00b204e9800998ecf8427e",
		PackageType: "bdist_wheel",
		URL:         "https://files.example.com/" + name + "-" + version + "-py3-none-any.whl",
	}
}

func TestShowMirrorsPackageOnFirstRequest(t *testing.T) {
	fx := newFixture(t, nil)
	fx.upstream.addRelease("requests", "2.31.0", []string{"License :: OSI Approved :: MIT License"}, wheel("requests", "2.31.0"))
	fx.upstream.packages["requests"].roles = []upstream.RoleAssignment{
		{Role: upstream.RoleOwner, Login: "kenneth"},
		{Role: upstream.RoleMaintainer, Login: "nate"},
	}

	result, err := fx.service.Show(context.Background(), "requests")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	pkg := result.Package
	if pkg == nil || pkg.Local {
		t.Fatalf("expected mirrored package, got %+v", pkg)
	}
	if !result.Wheelify || !result.HasWheel || result.RequestedName != "requests" {
		t.Fatalf("unexpected result envelope: %+v", result)
	}
	if len(pkg.Owners) != 1 || pkg.Owners[0].Login != "kenneth" || pkg.Owners[0].Local {
		t.Fatalf("unexpected owners: %+v", pkg.Owners)
	}
	if len(pkg.Maintainers) != 1 || pkg.Maintainers[0].Login != "nate" {
		t.Fatalf("unexpected maintainers: %+v", pkg.Maintainers)
	}
	if len(pkg.Releases) != 1 || len(pkg.Releases[0].Files) != 1 {
		t.Fatalf("unexpected releases: %+v", pkg.Releases)
	}
	release := pkg.Releases[0]
	if release.Author == nil || model.StringValue(release.Author.Email) != "author@example.com" {
		t.Fatalf("author should be mirrored with email: %+v", release.Author)
	}
	if release.Files[0].Kind != model.KindWheel || model.StringValue(release.Files[0].URL) == "" {
		t.Fatalf("unexpected file: %+v", release.Files[0])
	}
	if pkg.LastSyncedAt == nil || !pkg.LastSyncedAt.Equal(*fx.clock) {
		t.Fatalf("last synced should be set to the sync time: %v", pkg.LastSyncedAt)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	fx := newFixture(t, nil)
	fx.upstream.addRelease("flask", "3.0.0", nil, wheel("flask", "3.0.0"))

	if _, err := fx.service.Show(context.Background(), "flask"); err != nil {
		t.Fatalf("first show failed: %v", err)
	}
	*fx.clock = fx.clock.Add(2 * time.Hour)
	result, err := fx.service.Show(context.Background(), "flask")
	if err != nil {
		t.Fatalf("second show failed: %v", err)
	}
	if len(result.Package.Releases) != 1 || len(result.Package.Releases[0].Files) != 1 {
		t.Fatalf("resync duplicated rows: %+v", result.Package.Releases)
	}
	if fx.upstream.count("metadata") != 1 {
		t.Fatalf("known versions should not be fetched again, got %d", fx.upstream.count("metadata"))
	}
	if fx.upstream.count("roles") != 1 {
		t.Fatalf("roles are only fetched when the package is first mirrored")
	}
}

func TestShowServesCachedWithinTTL(t *testing.T) {
	fx := newFixture(t, nil)
	fx.upstream.addRelease("six", "1.16.0", nil)

	if _, err := fx.service.Show(context.Background(), "six"); err != nil {
		t.Fatalf("show failed: %v", err)
	}
	before := fx.upstream.count("versions")
	*fx.clock = fx.clock.Add(30 * time.Minute)
	if _, err := fx.service.Show(context.Background(), "six"); err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if fx.upstream.count("versions") != before {
		t.Fatalf("fresh package should not contact upstream")
	}
}

func TestShowPicksUpNewReleasesAfterTTL(t *testing.T) {
	fx := newFixture(t, nil)
	fx.upstream.addRelease("attrs", "23.1.0", nil)
	if _, err := fx.service.Show(context.Background(), "attrs"); err != nil {
		t.Fatalf("show failed: %v", err)
	}

	fx.upstream.addRelease("attrs", "23.2.0", nil)
	*fx.clock = fx.clock.Add(61 * time.Minute)
	result, err := fx.service.Show(context.Background(), "attrs")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if _, ok := result.Package.Versions()["23.2.0"]; !ok || len(result.Package.Releases) != 2 {
		t.Fatalf("expected both releases, got %v", result.Package.Versions())
	}
}

func TestResolveUsesSingleSubstitution(t *testing.T) {
	fx := newFixture(t, nil)
	fx.upstream.addRelease("my_pkg", "1.0", nil)

	result, err := fx.service.Show(context.Background(), "My-Pkg")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if result.Package == nil || result.Package.Name != "my_pkg" {
		t.Fatalf("expected package stored under upstream name, got %+v", result.Package)
	}
	if result.RequestedName != "My-Pkg" {
		t.Fatalf("requested name should be echoed back: %s", result.RequestedName)
	}
	if fx.upstream.count("search") != 2 {
		t.Fatalf("expected literal search then one substitution, got %d searches", fx.upstream.count("search"))
	}
}

func TestUnknownPackageCreatesNothing(t *testing.T) {
	fx := newFixture(t, nil)

	result, err := fx.service.Show(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("unknown package should not error: %v", err)
	}
	if result.Package != nil {
		t.Fatalf("expected no package, got %+v", result.Package)
	}
	names, _ := fx.store.ListPackageNames(context.Background())
	if len(names) != 0 {
		t.Fatalf("nothing should be persisted: %v", names)
	}
}

func TestUpstreamFailureCommitsNothing(t *testing.T) {
	fx := newFixture(t, nil)
	fx.upstream.addRelease("numpy", "1.26.0", nil)
	fx.upstream.addRelease("numpy", "1.26.1", nil)
	fx.upstream.failOn = "files"

	_, err := fx.service.Show(context.Background(), "numpy")
	if err == nil {
		t.Fatalf("expected upstream failure")
	}
	if apperr.KindOf(err) != apperr.KindUpstreamUnavailable {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	if _, err := fx.store.GetPackage(context.Background(), "numpy"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed sync must not persist anything, got %v", err)
	}
}

func TestLocalPackageIsNeverRefreshed(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	tx, err := fx.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	pkg, _, err := tx.EnsurePackage(ctx, "internal-tool", true)
	if err != nil {
		t.Fatalf("ensure package: %v", err)
	}
	if _, _, err := tx.EnsureRelease(ctx, pkg, &model.Release{Version: "0.1"}); err != nil {
		t.Fatalf("ensure release: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	fx.upstream.addRelease("internal-tool", "9.9", nil)

	result, err := fx.service.Show(ctx, "internal-tool")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if len(result.Package.Releases) != 1 || result.Package.Releases[0].Version != "0.1" {
		t.Fatalf("local package should be served as stored: %+v", result.Package.Releases)
	}
	if fx.upstream.count("versions") != 0 {
		t.Fatalf("local package must not contact upstream")
	}
}

func TestSanitizeSkipsUnstableVersions(t *testing.T) {
	fx := newFixture(t, regexp.MustCompile(`^(?:[0-9]+(\.[0-9]+)*$)`))
	fx.upstream.addRelease("django", "5.0", nil)
	fx.upstream.addRelease("django", "5.1a1", nil)

	result, err := fx.service.Show(context.Background(), "django")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	versions := result.Package.Versions()
	if _, ok := versions["5.1a1"]; ok || len(versions) != 1 {
		t.Fatalf("pre-release should be filtered: %v", versions)
	}
}

func TestClassifiersPropagateToPackageAndRelease(t *testing.T) {
	fx := newFixture(t, nil)
	fx.upstream.addRelease("httpx", "0.27.0", []string{
		"License :: OSI Approved :: MIT License",
		"Programming Language :: Python :: 3",
		"Framework :: Unregistered",
	})

	result, err := fx.service.Show(context.Background(), "httpx")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	release := result.Package.Releases[0]
	for _, name := range []string{"License", "License :: OSI Approved", "Programming Language :: Python"} {
		if !release.Classifiers.Contains(name) || !result.Package.Classifiers.Contains(name) {
			t.Fatalf("ancestor %q missing: release=%v package=%v", name, release.Classifiers, result.Package.Classifiers)
		}
	}
	if release.Classifiers.Contains("Framework :: Unregistered") {
		t.Fatalf("unknown classifier should be skipped")
	}
	if len(release.Classifiers) != 6 {
		t.Fatalf("expected 6 classifiers, got %v", release.Classifiers)
	}
}

func TestShowStoresUpstreamCanonicalSpelling(t *testing.T) {
	fx := newFixture(t, nil)
	fx.upstream.foldCase = true
	fx.upstream.addRelease("Django", "4.2", nil)
	ctx := context.Background()

	for _, spelling := range []string{"DJANGO", "django", "Django"} {
		*fx.clock = fx.clock.Add(2 * time.Hour)
		result, err := fx.service.Show(ctx, spelling)
		if err != nil {
			t.Fatalf("show %s failed: %v", spelling, err)
		}
		if result.Package == nil || result.Package.Name != "Django" {
			t.Fatalf("%s: expected package stored as Django, got %+v", spelling, result.Package)
		}
	}
	names, err := fx.store.ListPackageNames(ctx)
	if err != nil {
		t.Fatalf("list names: %v", err)
	}
	if len(names) != 1 || names[0] != "Django" {
		t.Fatalf("expected a single package under the canonical name, got %v", names)
	}
	if fx.upstream.count("search") != 0 {
		t.Fatalf("a direct hit should not fall back to search")
	}
}

func TestShowReportsMissingWheel(t *testing.T) {
	fx := newFixture(t, nil)
	fx.upstream.addRelease("legacy", "0.1", nil, upstream.FileInfo{
		Filename:    "legacy-0.1.tar.gz",
		PackageType: string(model.KindSdist),
		URL:         "https://files.example.com/legacy-0.1.tar.gz",
	})

	result, err := fx.service.Show(context.Background(), "legacy")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if result.HasWheel || !result.Wheelify {
		t.Fatalf("sdist-only package should report no wheel: %+v", result)
	}
}

func TestSyncCountsNothingForLocalPackage(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	tx, err := fx.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, _, err := tx.EnsurePackage(ctx, "shadowed", true); err != nil {
		t.Fatalf("ensure package: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	fx.upstream.addRelease("shadowed", "1.0", nil)
	fx.upstream.addRelease("shadowed", "2.0", nil)

	syncer := NewSynchronizer(fx.upstream, classifier.NewTaxonomy(), SyncOptions{})
	pkg, applied, err := syncer.Sync(ctx, fx.store, Resolution{Name: "shadowed", Versions: []string{"1.0", "2.0"}}, nil)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !pkg.Local || len(pkg.Releases) != 0 {
		t.Fatalf("local package must be left untouched: %+v", pkg)
	}
	if applied != 0 {
		t.Fatalf("expected no applied releases for a local package, got %d", applied)
	}
}
