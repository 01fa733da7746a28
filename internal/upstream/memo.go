package upstream

import (
	"context"
	"sync"
)

type memoKey struct{}

// responseMemo 记录一次调用链内已取得的上游文档，nil 表示 404。
type responseMemo struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// WithMemo 返回的 ctx 让同一调用链内对相同 URL 的请求只访问上游一次。
// 已携带 memo 的 ctx 原样返回。
func WithMemo(ctx context.Context) context.Context {
	if memoFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, memoKey{}, &responseMemo{docs: map[string][]byte{}})
}

func memoFrom(ctx context.Context) *responseMemo {
	memo, _ := ctx.Value(memoKey{}).(*responseMemo)
	return memo
}

func (m *responseMemo) get(target string) ([]byte, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.docs[target]
	return body, ok
}

func (m *responseMemo) put(target string, body []byte) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[target] = body
}
