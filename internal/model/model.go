// Package model 描述镜像索引中的实体：Package / Release / ReleaseFile / Classifier / User。
// 实体按自然键标识，持久化由 internal/store 负责，本包不包含任何存储逻辑。
package model

import (
	"regexp"
	"strings"
	"time"

	packageurl "github.com/package-url/packageurl-go"
)

// User 以 (Login, Local) 作为身份；本地账号与上游镜像账号同名时视为不同用户。
type User struct {
	ID    int64   `json:"-" db:"id"`
	Login string  `json:"login" db:"login"`
	Local bool    `json:"local" db:"local"`
	Email *string `json:"email,omitempty" db:"email"`
}

// SameIdentity 判断两个用户是否是同一身份。
func (u *User) SameIdentity(other *User) bool {
	if u == nil || other == nil {
		return false
	}
	return u.Login == other.Login && u.Local == other.Local
}

// Package 是索引中的顶层实体，Classifiers 为所有 Release 分类的反范式并集。
type Package struct {
	ID             int64      `json:"-" db:"id"`
	Name           string     `json:"name" db:"name"`
	NormalizedName string     `json:"-" db:"normalized_name"`
	Local          bool       `json:"local" db:"local"`
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`

	Owners      []*User       `json:"owners" db:"-"`
	Maintainers []*User       `json:"maintainers" db:"-"`
	Releases    []*Release    `json:"releases" db:"-"`
	Classifiers ClassifierSet `json:"classifiers" db:"-"`
}

// Versions 返回当前已知的版本号集合。
func (p *Package) Versions() map[string]struct{} {
	out := make(map[string]struct{}, len(p.Releases))
	for _, release := range p.Releases {
		out[release.Version] = struct{}{}
	}
	return out
}

// IsOwnerOrMaintainer 判断 user 是否出现在 owners 或 maintainers 中。
func (p *Package) IsOwnerOrMaintainer(user *User) bool {
	for _, u := range p.Owners {
		if u.SameIdentity(user) {
			return true
		}
	}
	for _, u := range p.Maintainers {
		if u.SameIdentity(user) {
			return true
		}
	}
	return false
}

// HasWheel 表示任一 Release 是否提供 wheel 文件。
func (p *Package) HasWheel() bool {
	for _, release := range p.Releases {
		for _, file := range release.Files {
			if file.Kind == KindWheel {
				return true
			}
		}
	}
	return false
}

// Release 以 (Package, Version) 为身份。
type Release struct {
	ID            int64   `json:"-" db:"id"`
	PackageID     int64   `json:"-" db:"package_id"`
	Version       string  `json:"version" db:"version"`
	StableVersion *string `json:"stable_version,omitempty" db:"stable_version"`
	Summary       *string `json:"summary,omitempty" db:"summary"`
	License       *string `json:"license,omitempty" db:"license"`
	Description   *string `json:"description,omitempty" db:"description"`
	Keywords      *string `json:"keywords,omitempty" db:"keywords"`
	HomePage      *string `json:"home_page,omitempty" db:"home_page"`
	DownloadURL   *string `json:"download_url,omitempty" db:"download_url"`
	DocsURL       *string `json:"docs_url,omitempty" db:"docs_url"`
	BugtrackURL   *string `json:"bugtrack_url,omitempty" db:"bugtrack_url"`
	Platform      *string `json:"platform,omitempty" db:"platform"`
	AuthorID      *int64  `json:"-" db:"author_id"`
	MaintainerID  *int64  `json:"-" db:"maintainer_id"`

	Author      *User          `json:"author,omitempty" db:"-"`
	Maintainer  *User          `json:"maintainer,omitempty" db:"-"`
	Files       []*ReleaseFile `json:"files" db:"-"`
	Classifiers ClassifierSet  `json:"classifiers" db:"-"`
}

// ReleaseFile 以 (Release, Filename) 为身份；镜像文件记录 URL，本地上传记录 Path。
type ReleaseFile struct {
	ID            int64        `json:"-" db:"id"`
	ReleaseID     int64        `json:"-" db:"release_id"`
	Filename      string       `json:"filename" db:"filename"`
	Size          int64        `json:"size" db:"size"`
	MD5Digest     *string      `json:"md5_digest,omitempty" db:"md5_digest"`
	Kind          ArtifactKind `json:"package_type" db:"package_type"`
	PythonVersion *string      `json:"python_version,omitempty" db:"python_version"`
	HasSig        bool         `json:"has_sig" db:"has_sig"`
	Comment       *string      `json:"comment_text,omitempty" db:"comment_text"`
	URL           *string      `json:"url,omitempty" db:"url"`
	Path          *string      `json:"path,omitempty" db:"path"`
}

var separatorRun = regexp.MustCompile(`[-_.]+`)

// NormalizeName 按 PEP 503 规则规整包名：小写，并将连续的 - _ . 折叠为单个 -。
func NormalizeName(name string) string {
	return separatorRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// PURL 返回包（可选版本）的 package URL，便于下游工具关联。
func PURL(name, version string) string {
	return packageurl.NewPackageURL(packageurl.TypePyPi, "", NormalizeName(name), version, nil, "").ToString()
}

// StringPtr 在字符串非空时返回指针，空串视为缺失。
func StringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// StringValue 解引用可空字符串。
func StringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
