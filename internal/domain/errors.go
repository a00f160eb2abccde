package domain

import (
	"errors"
	"fmt"
)

// ErrKind 错误类别
// 上层（HTTP/聚合Worker）根据类别决定响应码或重试策略。
type ErrKind int

const (
	KindUnknown     ErrKind = iota
	KindValidation          // 请求参数或载荷不合法，重试无效
	KindNotFound            // 目标资源不存在
	KindConflict            // 唯一性或层级约束冲突（并发写、重复键、环）
	KindTransient           // 基础设施瞬时故障（DB/Redis），可重试
	KindFatalConfig         // 配置错误导致子系统无法启动，不可自动恢复
)

var kindString = map[ErrKind]string{
	KindUnknown:     "unknown",
	KindValidation:  "validation",
	KindNotFound:    "not_found",
	KindConflict:    "conflict",
	KindTransient:   "transient",
	KindFatalConfig: "fatal_config",
}

func (k ErrKind) String() string {
	if s, ok := kindString[k]; ok {
		return s
	}
	return "unknown"
}

// Error 带类别的领域错误，支持 errors.Is / errors.As 链式判断
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error // 底层错误（可为 nil）
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidation 构造参数校验错误
func NewValidation(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NewNotFound 构造资源不存在错误
func NewNotFound(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// NewConflict 构造约束冲突错误
func NewConflict(format string, args ...interface{}) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// NewTransient 包装瞬时基础设施错误
func NewTransient(msg string, err error) error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// NewFatalConfig 构造致命配置错误
func NewFatalConfig(format string, args ...interface{}) error {
	return &Error{Kind: KindFatalConfig, Msg: fmt.Sprintf(format, args...)}
}

// KindOf 提取错误类别，非领域错误返回 KindUnknown
func KindOf(err error) ErrKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsValidation 判断是否为参数校验错误
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound 判断是否为资源不存在错误
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict 判断是否为约束冲突错误
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsTransient 判断是否为可重试的瞬时错误
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsFatalConfig 判断是否为致命配置错误
func IsFatalConfig(err error) bool { return KindOf(err) == KindFatalConfig }
