package storage

import (
	"fmt"
	"strings"

	"github.com/any-hub/any-index/internal/apperr"
	"github.com/any-hub/any-index/internal/model"
)

// FileParams 是构造规范文件名所需的上传表单字段。
type FileParams struct {
	Name      string
	Version   string
	Kind      model.ArtifactKind
	PyVersion string
	Platform  string
}

var sdistSuffixes = []string{"tar.gz", "tar.bz2"}

// GuessFilename 根据表单字段生成规范文件名，original 仅用于推断 sdist 的压缩格式。
func GuessFilename(params FileParams, original string) (string, error) {
	if params.Name == "" || params.Version == "" {
		return "", apperr.InvalidInput("name and version are required")
	}

	if params.Kind == model.KindSdist {
		for _, ext := range sdistSuffixes {
			if strings.HasSuffix(original, "."+ext) {
				return fmt.Sprintf("%s-%s.%s", params.Name, params.Version, ext), nil
			}
		}
		return "", apperr.InvalidInput(fmt.Sprintf("unsupported sdist archive %q", original))
	}

	ext, ok := model.BuiltExtension(params.Kind)
	if !ok {
		return "", apperr.InvalidInput(fmt.Sprintf("unsupported filetype %q", params.Kind))
	}
	if params.PyVersion == "" || params.Platform == "" {
		return "", apperr.InvalidInput("pyversion and platform are required for built distributions")
	}
	return fmt.Sprintf("%s-%s-py%s-%s.%s",
		params.Name,
		params.Version,
		params.PyVersion,
		strings.ToLower(params.Platform),
		ext,
	), nil
}

// ValidateFilename 拒绝空名、路径分隔符与 ".." 等可能逃逸存储目录的文件名。
func ValidateFilename(filename string) error {
	switch {
	case filename == "", filename == ".", filename == "..":
		return apperr.InvalidInput("invalid filename")
	case strings.ContainsAny(filename, `/\`):
		return apperr.InvalidInput("filename must not contain path separators")
	case strings.Contains(filename, ".."):
		return apperr.InvalidInput("filename must not contain '..'")
	case strings.ContainsRune(filename, 0):
		return apperr.InvalidInput("filename must not contain NUL")
	}
	return nil
}

// Bucket 返回文件所在的分桶目录名（首字符小写）。
func Bucket(filename string) string {
	for _, r := range filename {
		return strings.ToLower(string(r))
	}
	return ""
}

// RelativePath 返回相对存储根目录的 URL 风格路径，如 "m/my_pkg-1.0.tar.gz"。
func RelativePath(filename string) string {
	return Bucket(filename) + "/" + filename
}
