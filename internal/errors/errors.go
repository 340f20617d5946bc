package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 用于统一管理同步引擎的错误，包含错误码和错误消息
type AppError struct {
	Code    int    // 错误码
	Message string // 调用方可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 让标准库 errors.Is 按错误码比较
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Wrapf 包装原始错误并追加上下文
func (e *AppError) Wrapf(format string, args ...any) *AppError {
	return e.Wrap(fmt.Errorf(format, args...))
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// IsPrecondition 前置条件错误：调用方应禁用对应操作，不会自动重试
func IsPrecondition(err error) bool {
	code := GetCode(err)
	return code >= 20000 && code < 21000
}

// IsTransport 传输层错误：由重连状态机消化，不直接暴露给界面
func IsTransport(err error) bool {
	code := GetCode(err)
	return code >= 10000 && code < 11000
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 传输相关 10000-10999
	CodeTransportClosed  = 10001
	CodeHeartbeatTimeout = 10002
	CodeDialFailed       = 10003
	CodeConnectionLost   = 10004

	// 前置条件 20000-20999
	CodeIdentityUnresolved = 20001
	CodeNotConnected       = 20002
	CodeInvalidArgument    = 20003

	// 协议相关 30000-30999
	CodeMalformedFrame = 30001

	// 外部接口 40000-40999
	CodeRequestFailed = 40001
	CodeUnauthorized  = 40002

	// 系统错误 50000-50999
	CodeInternal       = 50001
	CodeQueueFull      = 50002
	CodeShuttingDown   = 50003
	CodeRetryExhausted = 50004

	// 视图定位 60000-60999
	CodeAnchorTargetMissing = 60001
)

// ============== 预定义错误 ==============

// 传输相关
var (
	ErrTransportClosed  = NewError(CodeTransportClosed, "transport closed")
	ErrHeartbeatTimeout = NewError(CodeHeartbeatTimeout, "heartbeat timeout")
	ErrDialFailed       = NewError(CodeDialFailed, "dial failed")
	ErrConnectionLost   = NewError(CodeConnectionLost, "connection lost")
)

// 前置条件
var (
	ErrIdentityUnresolved = NewError(CodeIdentityUnresolved, "sender identity not resolved")
	ErrNotConnected       = NewError(CodeNotConnected, "not connected")
	ErrInvalidArgument    = NewError(CodeInvalidArgument, "invalid argument")
)

// 协议相关
var (
	ErrMalformedFrame = NewError(CodeMalformedFrame, "malformed frame")
)

// 外部接口
var (
	ErrRequestFailed = NewError(CodeRequestFailed, "request failed")
	ErrUnauthorized  = NewError(CodeUnauthorized, "login required")
)

// 系统相关
var (
	ErrInternal       = NewError(CodeInternal, "internal error")
	ErrQueueFull      = NewError(CodeQueueFull, "queue full")
	ErrShuttingDown   = NewError(CodeShuttingDown, "shutting down")
	ErrRetryExhausted = NewError(CodeRetryExhausted, "retry attempts exhausted")
)

// 视图定位
var (
	ErrAnchorTargetMissing = NewError(CodeAnchorTargetMissing, "anchor target not attached")
)
