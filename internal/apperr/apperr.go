// Package apperr 定义镜像引擎对外暴露的错误分类，并负责映射到 HTTP 状态码。
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind 描述错误类别，调用方据此决定渲染方式或是否可恢复。
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindInvalidInput        Kind = "invalid_input"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindConflict            Kind = "conflict"
	KindInternal            Kind = "internal"
)

// Error 携带分类、HTTP 状态与原始错误，Unwrap 后仍可用 errors.Is 判断底层原因。
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is 让 errors.Is(err, apperr.ErrUnauthorized) 这类按类别的判断成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || t.Code == e.Code)
}

var statusByKind = map[Kind]int{
	KindNotFound:            http.StatusNotFound,
	KindUnauthorized:        http.StatusForbidden,
	KindInvalidInput:        http.StatusBadRequest,
	KindUpstreamUnavailable: http.StatusBadGateway,
	KindConflict:            http.StatusConflict,
	KindInternal:            http.StatusInternalServerError,
}

// New 创建指定类别的错误。
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Status: statusFor(kind), Message: message}
}

// Wrap 为底层错误附加类别与描述。
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Status: statusFor(kind), Message: message, Err: err}
}

func statusFor(kind Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// 预定义的类别哨兵，仅用于 errors.Is 比较（Code 为空表示匹配整个类别）。
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrConflict            = &Error{Kind: KindConflict}
)

// NotFound 构造 NotFound 错误。
func NotFound(message string) *Error {
	return New(KindNotFound, "NOT_FOUND", message)
}

// Unauthorized 构造 Unauthorized 错误。
func Unauthorized(message string) *Error {
	return New(KindUnauthorized, "UNAUTHORIZED", message)
}

// InvalidInput 构造 InvalidInput 错误。
func InvalidInput(message string) *Error {
	return New(KindInvalidInput, "INVALID_INPUT", message)
}

// UpstreamUnavailable 包装上游访问失败（网络、协议或超时）。
func UpstreamUnavailable(err error) *Error {
	return Wrap(err, KindUpstreamUnavailable, "UPSTREAM_UNAVAILABLE", "upstream repository unavailable")
}

// KindOf 返回 err 链上第一个 *Error 的类别；上下文超时/取消视为上游不可用。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUpstreamUnavailable
	}
	return KindInternal
}

// FromError 将任意错误规整为 *Error，未分类的错误视为内部错误。
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if KindOf(err) == KindUpstreamUnavailable {
		return UpstreamUnavailable(err)
	}
	return Wrap(err, KindInternal, "INTERNAL_ERROR", "internal server error")
}
