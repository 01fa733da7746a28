package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/any-hub/any-index/internal/apperr"
	"github.com/any-hub/any-index/internal/classifier"
	"github.com/any-hub/any-index/internal/model"
	"github.com/any-hub/any-index/internal/storage"
	"github.com/any-hub/any-index/internal/store"
	"github.com/any-hub/any-index/internal/store/memory"
)

var (
	alice = &model.User{Login: "alice", Local: true}
	bob   = &model.User{Login: "bob", Local: true}
	carol = &model.User{Login: "carol", Local: true}
)

type harness struct {
	store     *memory.Store
	artifacts *storage.Store
	ingestor  *Ingestor
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	artifacts, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("storage init failed: %v", err)
	}
	tax := classifier.NewTaxonomy()
	if _, err := tax.Register("Topic :: Utilities"); err != nil {
		t.Fatalf("register classifier: %v", err)
	}
	st := memory.New()
	return &harness{store: st, artifacts: artifacts, ingestor: NewIngestor(st, artifacts, tax, opts)}
}

func sdistRequest(user *model.User, name, version, body string) Request {
	return Request{
		User:             user,
		Name:             name,
		Version:          version,
		FileType:         model.KindSdist,
		Summary:          "a tool",
		Classifiers:      []string{"Topic :: Utilities"},
		OriginalFilename: "whatever-" + version + ".tar.gz",
		Content:          strings.NewReader(body),
	}
}

func TestUploadCreatesLocalPackageOwnedByUploader(t *testing.T) {
	h := newHarness(t, Options{RewriteFilename: true})

	file, err := h.ingestor.Upload(context.Background(), sdistRequest(alice, "tool", "1.0", "payload"))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if file.Filename != "tool-1.0.tar.gz" || file.Size != int64(len("payload")) {
		t.Fatalf("unexpected file record: %+v", file)
	}
	if model.StringValue(file.Path) != "t/tool-1.0.tar.gz" {
		t.Fatalf("unexpected path: %v", model.StringValue(file.Path))
	}
	if _, err := os.Stat(filepath.Join(h.artifacts.BasePath(), "t", "tool-1.0.tar.gz")); err != nil {
		t.Fatalf("artifact not written: %v", err)
	}

	pkg, err := h.store.GetPackage(context.Background(), "tool")
	if err != nil {
		t.Fatalf("package not stored: %v", err)
	}
	if !pkg.Local || len(pkg.Owners) != 1 || pkg.Owners[0].Login != "alice" {
		t.Fatalf("uploader should be sole owner of a local package: %+v", pkg)
	}
	if !pkg.Classifiers.Contains("Topic") || !pkg.Releases[0].Classifiers.Contains("Topic :: Utilities") {
		t.Fatalf("classifiers not propagated: %v", pkg.Classifiers)
	}
	if pkg.Releases[0].Author == nil || pkg.Releases[0].Author.Login != "alice" {
		t.Fatalf("release author should be the uploader")
	}
}

func TestReuploadReusesRecordAndUpdatesSize(t *testing.T) {
	h := newHarness(t, Options{RewriteFilename: true})
	ctx := context.Background()

	first, err := h.ingestor.Upload(ctx, sdistRequest(alice, "tool", "1.0", "short"))
	if err != nil {
		t.Fatalf("first upload failed: %v", err)
	}
	second, err := h.ingestor.Upload(ctx, sdistRequest(alice, "tool", "1.0", "a much longer payload"))
	if err != nil {
		t.Fatalf("second upload failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("re-upload should reuse the record: %d vs %d", first.ID, second.ID)
	}

	pkg, _ := h.store.GetPackage(ctx, "tool")
	files := pkg.Releases[0].Files
	if len(files) != 1 || files[0].Size != int64(len("a much longer payload")) {
		t.Fatalf("size should be updated in place: %+v", files)
	}
	data, err := os.ReadFile(filepath.Join(h.artifacts.BasePath(), "t", "tool-1.0.tar.gz"))
	if err != nil || string(data) != "a much longer payload" {
		t.Fatalf("artifact should be replaced, got %q (%v)", data, err)
	}
}

func TestUploadAuthorization(t *testing.T) {
	h := newHarness(t, Options{RewriteFilename: true})
	ctx := context.Background()

	if _, err := h.ingestor.Upload(ctx, sdistRequest(alice, "tool", "1.0", "x")); err != nil {
		t.Fatalf("seed upload failed: %v", err)
	}
	tx, err := h.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	pkg, _, _ := tx.EnsurePackage(ctx, "tool", true)
	maintainer, _ := tx.EnsureUser(ctx, "bob", true, nil)
	if err := tx.AddMaintainer(ctx, pkg, maintainer); err != nil {
		t.Fatalf("add maintainer: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := h.ingestor.Upload(ctx, sdistRequest(bob, "tool", "1.1", "x")); err != nil {
		t.Fatalf("maintainer upload should succeed: %v", err)
	}
	if _, err := h.ingestor.Upload(ctx, sdistRequest(alice, "tool", "1.2", "x")); err != nil {
		t.Fatalf("owner upload should succeed: %v", err)
	}

	_, err = h.ingestor.Upload(ctx, sdistRequest(carol, "tool", "1.3", "x"))
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("non-owner should be unauthorized, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.artifacts.BasePath(), "t", "tool-1.3.tar.gz")); !os.IsNotExist(err) {
		t.Fatalf("rejected upload must not write the artifact")
	}
	pkg, _ = h.store.GetPackage(ctx, "tool")
	if _, ok := pkg.Versions()["1.3"]; ok {
		t.Fatalf("rejected upload must not create a release")
	}

	_, err = h.ingestor.Upload(ctx, sdistRequest(&model.User{Login: "alice", Local: false}, "tool", "1.4", "x"))
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("mirrored identity should be rejected, got %v", err)
	}
}

func TestUploadToMirroredPackage(t *testing.T) {
	ctx := context.Background()
	seed := func(h *harness) {
		tx, _ := h.store.Begin(ctx)
		if _, _, err := tx.EnsurePackage(ctx, "requests", false); err != nil {
			t.Fatalf("seed: %v", err)
		}
		_ = tx.Commit()
	}

	strict := newHarness(t, Options{RewriteFilename: true})
	seed(strict)
	_, err := strict.ingestor.Upload(ctx, sdistRequest(alice, "requests", "99.0", "x"))
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("upload to mirrored package should be rejected, got %v", err)
	}

	lenient := newHarness(t, Options{RewriteFilename: true, AllowMirrorShadowing: true})
	seed(lenient)
	if _, err := lenient.ingestor.Upload(ctx, sdistRequest(alice, "requests", "99.0", "x")); err != nil {
		t.Fatalf("shadowing enabled should accept upload: %v", err)
	}
}

func TestUploadRejectsBadInput(t *testing.T) {
	h := newHarness(t, Options{
		RewriteFilename: true,
		Sanitize:        regexp.MustCompile(`^(?:[0-9]+(\.[0-9]+)*$)`),
	})
	ctx := context.Background()

	_, err := h.ingestor.Upload(ctx, sdistRequest(alice, "tool", "1.0rc1", "x"))
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("sanitize mismatch should be unauthorized, got %v", err)
	}

	req := sdistRequest(alice, "tool", "1.0", "x")
	req.FileType = "bdist_unknown"
	if _, err := h.ingestor.Upload(ctx, req); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("unknown filetype should be invalid input, got %v", err)
	}

	req = sdistRequest(alice, "tool", "1.0", "x")
	req.OriginalFilename = "tool-1.0.zip"
	if _, err := h.ingestor.Upload(ctx, req); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("unsupported sdist archive should be invalid input, got %v", err)
	}

	req = sdistRequest(alice, "tool", "1.0", "x")
	req.Content = nil
	if _, err := h.ingestor.Upload(ctx, req); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("missing content should be invalid input, got %v", err)
	}

	names, _ := h.store.ListPackageNames(ctx)
	if len(names) != 0 {
		t.Fatalf("rejected uploads must not persist anything: %v", names)
	}
}

func TestUploadWithoutRewriteKeepsSafeFilename(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	req := sdistRequest(alice, "tool", "1.0", "x")
	req.FileType = model.KindWheel
	req.OriginalFilename = "tool-1.0-py3-none-any.whl"
	file, err := h.ingestor.Upload(ctx, req)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if file.Filename != "tool-1.0-py3-none-any.whl" || file.Kind != model.KindWheel {
		t.Fatalf("submitted filename should be kept: %+v", file)
	}

	req = sdistRequest(alice, "tool", "1.1", "x")
	req.OriginalFilename = "../escape.tar.gz"
	if _, err := h.ingestor.Upload(ctx, req); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("path traversal should be rejected, got %v", err)
	}
}

// commitFailingStore 让 Commit 失败，模拟数据库在写入末尾出错。
type commitFailingStore struct {
	*memory.Store
	fail bool
}

func (s *commitFailingStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil || !s.fail {
		return tx, err
	}
	return commitFailingTx{Tx: tx}, nil
}

type commitFailingTx struct {
	store.Tx
}

func (tx commitFailingTx) Commit() error {
	_ = tx.Tx.Rollback()
	return errors.New("commit refused")
}

func TestFailedReuploadKeepsPreviousArtifact(t *testing.T) {
	artifacts, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("storage init failed: %v", err)
	}
	st := &commitFailingStore{Store: memory.New()}
	ingestor := NewIngestor(st, artifacts, classifier.NewTaxonomy(), Options{RewriteFilename: true})
	ctx := context.Background()

	if _, err := ingestor.Upload(ctx, sdistRequest(alice, "tool", "1.0", "original")); err != nil {
		t.Fatalf("first upload failed: %v", err)
	}

	st.fail = true
	if _, err := ingestor.Upload(ctx, sdistRequest(alice, "tool", "1.0", "replacement")); err == nil {
		t.Fatalf("expected upload to fail when commit fails")
	}
	if _, err := ingestor.Upload(ctx, sdistRequest(alice, "tool", "2.0", "brand new")); err == nil {
		t.Fatalf("expected upload to fail when commit fails")
	}

	dir := filepath.Join(artifacts.BasePath(), "t")
	data, err := os.ReadFile(filepath.Join(dir, "tool-1.0.tar.gz"))
	if err != nil || string(data) != "original" {
		t.Fatalf("stored bytes must match the committed record, got %q (%v)", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tool-2.0.tar.gz")); !os.IsNotExist(err) {
		t.Fatalf("failed upload must not publish a new artifact")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read bucket: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("staged temp files should be discarded, found %d entries", len(entries))
	}

	pkg, err := st.GetPackage(ctx, "tool")
	if err != nil {
		t.Fatalf("package lookup: %v", err)
	}
	if files := pkg.Releases[0].Files; len(files) != 1 || files[0].Size != int64(len("original")) {
		t.Fatalf("record should still describe the original upload: %+v", files)
	}
}
