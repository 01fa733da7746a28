package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	"github.com/any-hub/any-index/internal/config"
)

// dnsRefreshInterval 是 DNS 缓存的刷新周期。
const dnsRefreshInterval = 5 * time.Minute

var dialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext:           dialer.DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于所有上游请求。
// 域名解析经由 dnscache 缓存，缓存在 ctx 结束前按周期刷新。
func NewUpstreamClient(ctx context.Context, cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	resolver := &dnscache.Resolver{}
	go refreshResolver(ctx, resolver)

	transport := defaultTransport.Clone()
	transport.DialContext = cachedDialContext(resolver)

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

func refreshResolver(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(dnsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}

// cachedDialContext 依次尝试解析出的每个地址，返回第一个成功的连接。
func cachedDialContext(resolver *dnscache.Resolver) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if ip := net.ParseIP(host); ip != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = errors.New("no addresses resolved for " + host)
		}
		return nil, lastErr
	}
}
