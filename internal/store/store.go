// Package store 定义镜像索引的持久化接口。每个顶层操作在一个 Tx 内完成，
// Ensure* 系列按自然键幂等创建，重复调用返回已有记录，用于吸收并发同步的竞争。
package store

import (
	"context"
	"errors"

	"github.com/any-hub/any-index/internal/model"
)

// ErrNotFound 表示按自然键查找的记录不存在。
var ErrNotFound = errors.New("record not found")

// ErrTxDone 表示事务已提交或回滚。
var ErrTxDone = errors.New("transaction already finished")

// Reader 是只读查询集合，Store 与 Tx 均实现。
type Reader interface {
	// GetPackage 按规整名查找包并加载 owners / maintainers / releases / files / classifiers。
	GetPackage(ctx context.Context, name string) (*model.Package, error)
}

// Store 是持久化入口。
type Store interface {
	Reader

	// Begin 开启一个工作单元。
	Begin(ctx context.Context) (Tx, error)
	// ListPackageNames 返回按名称排序的全部包名。
	ListPackageNames(ctx context.Context) ([]string, error)
	// ListClassifiers 返回已持久化的分类名，用于初始化分类树。
	ListClassifiers(ctx context.Context) ([]string, error)
	Close() error
}

// Tx 是单个工作单元。Commit 之后再调用 Rollback 为空操作。
type Tx interface {
	Reader

	// EnsurePackage 返回 name 对应的包，不存在时以 local 创建；created 表示本次新建。
	EnsurePackage(ctx context.Context, name string, local bool) (pkg *model.Package, created bool, err error)
	// EnsureUser 按 (login, local) 查找或创建用户，email 仅在新建时写入。
	EnsureUser(ctx context.Context, login string, local bool, email *string) (*model.User, error)
	// AddOwner / AddMaintainer 追加角色，已存在时忽略，保持插入顺序。
	AddOwner(ctx context.Context, pkg *model.Package, user *model.User) error
	AddMaintainer(ctx context.Context, pkg *model.Package, user *model.User) error
	// EnsureRelease 按 (package, version) 查找或创建版本，已存在时忽略 release 中的其余字段。
	EnsureRelease(ctx context.Context, pkg *model.Package, release *model.Release) (*model.Release, bool, error)
	// EnsureReleaseFile 按 (release, filename) 查找或创建文件记录。
	EnsureReleaseFile(ctx context.Context, release *model.Release, file *model.ReleaseFile) (*model.ReleaseFile, bool, error)
	// UpdateReleaseFile 更新已有文件记录的大小、摘要与附加信息。
	UpdateReleaseFile(ctx context.Context, file *model.ReleaseFile) error
	// AddPackageClassifiers / AddReleaseClassifiers 按顺序追加分类，已存在的忽略。
	AddPackageClassifiers(ctx context.Context, pkg *model.Package, names []string) error
	AddReleaseClassifiers(ctx context.Context, release *model.Release, names []string) error
	// TouchPackage 持久化包的 LastSyncedAt 与 UpdatedAt。
	TouchPackage(ctx context.Context, pkg *model.Package) error

	Commit() error
	Rollback() error
}

// IsNotFound 判断 err 是否为 ErrNotFound。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
