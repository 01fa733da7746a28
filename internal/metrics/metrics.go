// Package metrics 汇总镜像与上传相关的 Prometheus 指标，使用独立 Registry 以便测试隔离。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 的所有方法在 nil 接收者上为空操作。
type Recorder struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestTotal     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	cacheDecisions   *prometheus.CounterVec
	syncTotal        *prometheus.CounterVec
	syncDuration     prometheus.Histogram
	releasesMirrored prometheus.Counter
	uploadTotal      *prometheus.CounterVec
	uploadBytes      prometheus.Counter
}

// New 注册全部指标。
func New() *Recorder {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anyindex_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "anyindex_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	cacheDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anyindex_cache_decisions_total",
		Help: "Metadata cache decisions by outcome",
	}, []string{"decision"})

	syncTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anyindex_mirror_sync_total",
		Help: "Mirror synchronization passes by outcome",
	}, []string{"outcome"})

	syncDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "anyindex_mirror_sync_duration_seconds",
		Help:    "Duration of mirror synchronization passes",
		Buckets: prometheus.DefBuckets,
	})

	releasesMirrored := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anyindex_mirror_releases_total",
		Help: "Releases fetched from upstream",
	})

	uploadTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anyindex_uploads_total",
		Help: "Uploads by outcome",
	}, []string{"outcome"})

	uploadBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anyindex_upload_bytes_total",
		Help: "Bytes written to artifact storage",
	})

	registry.MustRegister(
		requestTotal,
		requestDuration,
		cacheDecisions,
		syncTotal,
		syncDuration,
		releasesMirrored,
		uploadTotal,
		uploadBytes,
		collectors.NewGoCollector(),
	)

	return &Recorder{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestTotal:     requestTotal,
		requestDuration:  requestDuration,
		cacheDecisions:   cacheDecisions,
		syncTotal:        syncTotal,
		syncDuration:     syncDuration,
		releasesMirrored: releasesMirrored,
		uploadTotal:      uploadTotal,
		uploadBytes:      uploadBytes,
	}
}

// Registry 返回底层 Registry。
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler 返回 Prometheus 抓取端点。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// ObserveRequest 记录一次 HTTP 请求。
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.requestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveDecision 记录缓存决策。
func (r *Recorder) ObserveDecision(decision string) {
	if r == nil {
		return
	}
	r.cacheDecisions.WithLabelValues(decision).Inc()
}

// ObserveSync 记录一次同步，outcome 取 ok / not_found / error。
func (r *Recorder) ObserveSync(outcome string, releases int, duration time.Duration) {
	if r == nil {
		return
	}
	r.syncTotal.WithLabelValues(outcome).Inc()
	r.syncDuration.Observe(duration.Seconds())
	if releases > 0 {
		r.releasesMirrored.Add(float64(releases))
	}
}

// ObserveUpload 记录一次上传。
func (r *Recorder) ObserveUpload(outcome string, size int64) {
	if r == nil {
		return
	}
	r.uploadTotal.WithLabelValues(outcome).Inc()
	if size > 0 {
		r.uploadBytes.Add(float64(size))
	}
}
