// Package errs 定义同步引擎对外暴露的错误分类。
// 调用方统一使用 errors.Is 判断类别；传输层据此映射 HTTP 状态码与 WS 错误码。
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 会话或消息不存在，调用方应离开当前页面
	ErrNotFound = errors.New("not found")
	// ErrValidation 消息内容与声明类型不匹配，写入前即拒绝
	ErrValidation = errors.New("validation failed")
	// ErrPermission 非本人撤回/非参与者互动
	ErrPermission = errors.New("permission denied")
	// ErrTransient 网络或存储错误，交由调用方手动重试
	ErrTransient = errors.New("transient failure")
)

// NotFound 包装为 ErrNotFound。
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Validation 包装为 ErrValidation。
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Permission 包装为 ErrPermission。
func Permission(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermission, fmt.Sprintf(format, args...))
}

// Transient 将底层 I/O 错误包装为 ErrTransient；已分类的错误原样返回。
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// Classified 判断错误是否已属于上述某一类别。
func Classified(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPermission) || errors.Is(err, ErrTransient)
}

// Code 返回传输层使用的错误码。
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrPermission):
		return "PERMISSION"
	case errors.Is(err, ErrTransient):
		return "TRANSIENT"
	default:
		return "INTERNAL"
	}
}
