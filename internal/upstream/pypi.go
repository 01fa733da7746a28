package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// DefaultBaseURL 是 PyPI 官方地址。
const DefaultBaseURL = "https://pypi.org"

const maxResponseBytes = 64 << 20

// Options 控制 PyPIClient 的重试与熔断行为。
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	UserAgent      string
	MaxRetries     int
	InitialBackoff time.Duration
	TripThreshold  int64
}

// PyPIClient 通过 PyPI JSON API 实现 Client。
type PyPIClient struct {
	baseURL        string
	httpClient     *http.Client
	userAgent      string
	maxRetries     int
	initialBackoff time.Duration
	breaker        *circuit.Breaker
}

// NewPyPIClient 构造带熔断与指数退避的 PyPI 客户端。
func NewPyPIClient(opts Options) *PyPIClient {
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "any-index"
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	threshold := opts.TripThreshold
	if threshold <= 0 {
		threshold = 5
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	breakerBackoff := backoff.NewExponentialBackOff()
	breakerBackoff.InitialInterval = 30 * time.Second
	breakerBackoff.MaxInterval = 5 * time.Minute
	breakerBackoff.Multiplier = 2.0
	breakerBackoff.Reset()

	return &PyPIClient{
		baseURL:        baseURL,
		httpClient:     httpClient,
		userAgent:      userAgent,
		maxRetries:     maxRetries,
		initialBackoff: initial,
		breaker: circuit.NewBreakerWithOptions(&circuit.Options{
			BackOff:    breakerBackoff,
			ShouldTrip: circuit.ThresholdTripFunc(threshold),
		}),
	}
}

// BreakerOpen 返回熔断器当前是否处于打开状态，供健康检查使用。
func (c *PyPIClient) BreakerOpen() bool {
	return c.breaker.Tripped()
}

type projectResponse struct {
	Info      projectInfo                `json:"info"`
	Releases  map[string]json.RawMessage `json:"releases"`
	Ownership struct {
		Roles []RoleAssignment `json:"roles"`
	} `json:"ownership"`
}

type projectInfo struct {
	Name string `json:"name"`
}

type versionResponse struct {
	Info versionInfo `json:"info"`
	URLs []urlEntry  `json:"urls"`
}

type versionInfo struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Summary         string   `json:"summary"`
	License         string   `json:"license"`
	Description     string   `json:"description"`
	Keywords        string   `json:"keywords"`
	HomePage        string   `json:"home_page"`
	DownloadURL     string   `json:"download_url"`
	DocsURL         *string  `json:"docs_url"`
	BugtrackURL     *string  `json:"bugtrack_url"`
	Platform        *string  `json:"platform"`
	Author          string   `json:"author"`
	AuthorEmail     string   `json:"author_email"`
	Maintainer      string   `json:"maintainer"`
	MaintainerEmail string   `json:"maintainer_email"`
	Classifiers     []string `json:"classifiers"`
}

type urlEntry struct {
	Filename      string            `json:"filename"`
	Size          int64             `json:"size"`
	MD5Digest     string            `json:"md5_digest"`
	Digests       map[string]string `json:"digests"`
	PackageType   string            `json:"packagetype"`
	PythonVersion string            `json:"python_version"`
	HasSig        bool              `json:"has_sig"`
	Comment       *string           `json:"comment_text"`
	URL           string            `json:"url"`
}

// Search 查询包名，PyPI 自身会按规整名匹配，命中时返回其规范名。
func (c *PyPIClient) Search(ctx context.Context, name string) ([]SearchResult, error) {
	var resp projectResponse
	if err := c.getJSON(ctx, c.projectURL(name), &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if resp.Info.Name == "" {
		return nil, nil
	}
	return []SearchResult{{Name: resp.Info.Name}}, nil
}

// ListVersions 返回 info.name 给出的规范名与全部版本号；PyPI 对任意拼写都会命中，
// 因此调用方必须使用返回的规范名而不是请求名。
func (c *PyPIClient) ListVersions(ctx context.Context, name string) (string, []string, error) {
	var resp projectResponse
	if err := c.getJSON(ctx, c.projectURL(name), &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil, nil
		}
		return "", nil, err
	}
	canonical := resp.Info.Name
	if canonical == "" {
		canonical = name
	}
	versions := make([]string, 0, len(resp.Releases))
	for version := range resp.Releases {
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return canonical, versions, nil
}

// ListRoles 返回包的 Owner / Maintainer 列表。
func (c *PyPIClient) ListRoles(ctx context.Context, name string) ([]RoleAssignment, error) {
	var resp projectResponse
	if err := c.getJSON(ctx, c.projectURL(name), &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return resp.Ownership.Roles, nil
}

// ReleaseMetadata 返回指定版本的描述信息。
func (c *PyPIClient) ReleaseMetadata(ctx context.Context, name, version string) (*ReleaseMetadata, error) {
	var resp versionResponse
	if err := c.getJSON(ctx, c.versionURL(name, version), &resp); err != nil {
		return nil, err
	}
	info := resp.Info
	return &ReleaseMetadata{
		Name:            info.Name,
		Version:         info.Version,
		Summary:         info.Summary,
		License:         info.License,
		Description:     info.Description,
		Keywords:        info.Keywords,
		HomePage:        info.HomePage,
		DownloadURL:     info.DownloadURL,
		DocsURL:         deref(info.DocsURL),
		BugtrackURL:     deref(info.BugtrackURL),
		Platform:        deref(info.Platform),
		Author:          info.Author,
		AuthorEmail:     info.AuthorEmail,
		Maintainer:      info.Maintainer,
		MaintainerEmail: info.MaintainerEmail,
		Classifiers:     info.Classifiers,
	}, nil
}

// FileListing 返回指定版本的发布文件。
func (c *PyPIClient) FileListing(ctx context.Context, name, version string) ([]FileInfo, error) {
	var resp versionResponse
	if err := c.getJSON(ctx, c.versionURL(name, version), &resp); err != nil {
		return nil, err
	}
	files := make([]FileInfo, 0, len(resp.URLs))
	for _, entry := range resp.URLs {
		md5 := entry.MD5Digest
		if md5 == "" {
			md5 = entry.Digests["md5"]
		}
		files = append(files, FileInfo{
			Filename:      entry.Filename,
			Size:          entry.Size,
			MD5Digest:     md5,
			PackageType:   entry.PackageType,
			PythonVersion: entry.PythonVersion,
			HasSig:        entry.HasSig,
			Comment:       deref(entry.Comment),
			URL:           entry.URL,
		})
	}
	return files, nil
}

func (c *PyPIClient) projectURL(name string) string {
	return fmt.Sprintf("%s/pypi/%s/json", c.baseURL, url.PathEscape(name))
}

func (c *PyPIClient) versionURL(name, version string) string {
	return fmt.Sprintf("%s/pypi/%s/%s/json", c.baseURL, url.PathEscape(name), url.PathEscape(version))
}

// getJSON 在熔断器保护下执行带退避的 GET；404 不计入熔断失败。
// ctx 携带 memo 时同一 URL 只请求一次，404 同样被记住。
func (c *PyPIClient) getJSON(ctx context.Context, target string, out any) error {
	memo := memoFrom(ctx)
	if body, ok := memo.get(target); ok {
		if body == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s: %w: %w", target, ErrUnavailable, err)
		}
		return nil
	}

	var (
		notFound bool
		body     []byte
	)
	err := c.breaker.Call(func() error {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = c.initialBackoff
		policy.MaxElapsedTime = 0
		policy.Reset()

		return backoff.Retry(func() error {
			status, raw, err := c.fetch(ctx, target, out)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return backoff.Permanent(err)
				}
				return err
			case status == http.StatusNotFound:
				notFound = true
				return nil
			case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
				return fmt.Errorf("upstream status %d", status)
			case status != http.StatusOK:
				return backoff.Permanent(fmt.Errorf("unexpected upstream status %d", status))
			}
			body = raw
			return nil
		}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
	}, 0)

	if notFound {
		memo.put(target, nil)
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w: %w", target, ErrUnavailable, err)
	}
	memo.put(target, body)
	return nil
}

func (c *PyPIClient) fetch(ctx context.Context, target string, out any) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, nil, backoff.Permanent(fmt.Errorf("decode %s: %w", target, err))
	}
	return resp.StatusCode, body, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
