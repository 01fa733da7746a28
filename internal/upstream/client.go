// Package upstream 定义镜像引擎依赖的上游索引接口，并提供 PyPI JSON API 实现。
package upstream

import (
	"context"
	"errors"
)

var (
	// ErrNotFound 表示上游不存在该包或版本。
	ErrNotFound = errors.New("upstream package not found")
	// ErrUnavailable 表示上游网络、协议错误或超时。
	ErrUnavailable = errors.New("upstream unavailable")
)

// Role 名称与上游一致。
const (
	RoleOwner      = "Owner"
	RoleMaintainer = "Maintainer"
)

// SearchResult 是按名称搜索得到的候选项。
type SearchResult struct {
	Name string `json:"name"`
}

// RoleAssignment 描述上游包的一条权限记录。
type RoleAssignment struct {
	Role  string `json:"role"`
	Login string `json:"user"`
}

// ReleaseMetadata 是单个版本的描述信息，缺失字段保持空串。
type ReleaseMetadata struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	StableVersion   string   `json:"stable_version"`
	Summary         string   `json:"summary"`
	License         string   `json:"license"`
	Description     string   `json:"description"`
	Keywords        string   `json:"keywords"`
	HomePage        string   `json:"home_page"`
	DownloadURL     string   `json:"download_url"`
	DocsURL         string   `json:"docs_url"`
	BugtrackURL     string   `json:"bugtrack_url"`
	Platform        string   `json:"platform"`
	Author          string   `json:"author"`
	AuthorEmail     string   `json:"author_email"`
	Maintainer      string   `json:"maintainer"`
	MaintainerEmail string   `json:"maintainer_email"`
	Classifiers     []string `json:"classifiers"`
}

// FileInfo 是上游发布文件的描述。
type FileInfo struct {
	Filename      string `json:"filename"`
	Size          int64  `json:"size"`
	MD5Digest     string `json:"md5_digest"`
	PackageType   string `json:"packagetype"`
	PythonVersion string `json:"python_version"`
	HasSig        bool   `json:"has_sig"`
	Comment       string `json:"comment_text"`
	URL           string `json:"url"`
}

// Client 是镜像同步所需的上游操作集合，所有方法在网络失败时返回包装了 ErrUnavailable 的错误。
type Client interface {
	Search(ctx context.Context, name string) ([]SearchResult, error)
	// ListVersions 返回上游认可的规范名与全部版本号，包不存在时两者均为空。
	ListVersions(ctx context.Context, name string) (string, []string, error)
	ListRoles(ctx context.Context, name string) ([]RoleAssignment, error)
	ReleaseMetadata(ctx context.Context, name, version string) (*ReleaseMetadata, error)
	FileListing(ctx context.Context, name, version string) ([]FileInfo, error)
}
