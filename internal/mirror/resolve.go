package mirror

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-index/internal/apperr"
	"github.com/any-hub/any-index/internal/logging"
	"github.com/any-hub/any-index/internal/upstream"
)

// ErrNotFound 表示所有解析策略都未能在上游找到该包。
var ErrNotFound = errors.New("package unknown upstream")

// Resolution 是名称解析的结果。
type Resolution struct {
	// Name 为上游认可的规范名，后续所有上游调用都使用它。
	Name     string
	Versions []string
}

// Resolver 将请求名映射为上游规范名。
type Resolver struct {
	client upstream.Client
	names  upstream.NameCache
	logger *logrus.Logger
}

// NewResolver 构造解析器，names 可为 nil。
func NewResolver(client upstream.Client, names upstream.NameCache, logger *logrus.Logger) *Resolver {
	return &Resolver{client: client, names: names, logger: logging.OrDiscard(logger)}
}

// matchKey 是模糊匹配使用的比较键：小写且 '-' 视同 '_'。
func matchKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "-", "_")
}

// Resolve 依次尝试：原名列版本、按原名搜索、'-'→'_' 后搜索、'_'→'-' 后搜索。
func (r *Resolver) Resolve(ctx context.Context, requested string) (Resolution, error) {
	if r.names != nil {
		if cached, ok := r.names.Get(ctx, requested); ok {
			canonical, versions, err := r.listVersions(ctx, cached)
			if err != nil {
				return Resolution{}, err
			}
			if len(versions) > 0 {
				return Resolution{Name: canonical, Versions: versions}, nil
			}
		}
	}

	canonical, versions, err := r.listVersions(ctx, requested)
	if err != nil {
		return Resolution{}, err
	}
	if len(versions) > 0 {
		if canonical != requested {
			r.remember(ctx, requested, canonical)
		}
		return Resolution{Name: canonical, Versions: versions}, nil
	}

	candidates := []string{requested}
	if strings.Contains(requested, "-") {
		candidates = append(candidates, strings.ReplaceAll(requested, "-", "_"))
	}
	if strings.Contains(requested, "_") {
		candidates = append(candidates, strings.ReplaceAll(requested, "_", "-"))
	}

	for _, candidate := range candidates {
		res, found, err := r.search(ctx, candidate)
		if err != nil {
			return Resolution{}, err
		}
		if !found {
			continue
		}
		r.logger.WithFields(logging.PackageFields("name_resolved", requested, res.Name)).Debug("upstream name resolved by search")
		r.remember(ctx, requested, res.Name)
		return res, nil
	}

	return Resolution{}, ErrNotFound
}

func (r *Resolver) remember(ctx context.Context, requested, canonical string) {
	if r.names == nil {
		return
	}
	if err := r.names.Set(ctx, requested, canonical); err != nil {
		r.logger.WithFields(logging.PackageFields("name_cache_error", requested, canonical)).Warn(err.Error())
	}
}

func (r *Resolver) search(ctx context.Context, name string) (Resolution, bool, error) {
	results, err := r.client.Search(ctx, name)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return Resolution{}, false, nil
		}
		return Resolution{}, false, apperr.UpstreamUnavailable(err)
	}

	key := matchKey(name)
	for _, result := range results {
		if matchKey(result.Name) != key {
			continue
		}
		canonical, versions, err := r.listVersions(ctx, result.Name)
		if err != nil {
			return Resolution{}, false, err
		}
		if len(versions) == 0 {
			return Resolution{}, false, nil
		}
		return Resolution{Name: canonical, Versions: versions}, true, nil
	}
	return Resolution{}, false, nil
}

// listVersions 返回上游规范名与版本，上游未给出规范名时沿用 name。
func (r *Resolver) listVersions(ctx context.Context, name string) (string, []string, error) {
	canonical, versions, err := r.client.ListVersions(ctx, name)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return name, nil, nil
		}
		return "", nil, apperr.UpstreamUnavailable(err)
	}
	if canonical == "" {
		canonical = name
	}
	return canonical, versions, nil
}
