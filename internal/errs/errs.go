// Package errs 定义引擎统一的错误分类
package errs

import (
	"errors"
	"fmt"
)

// 错误分类。调用方通过 errors.Is 判断类别，具体错误用 %w 包装。
var (
	// ErrInvalidConfig 配置不满足约束，创建时拒绝，不重试
	ErrInvalidConfig = errors.New("invalid config")
	// ErrTransient 限流或网络问题，按退避重试
	ErrTransient = errors.New("transient failure")
	// ErrRejected 交易所拒绝订单
	ErrRejected = errors.New("order rejected")
	// ErrDriftDetected 账本与交易所状态不一致
	ErrDriftDetected = errors.New("drift detected")
	// ErrPersistenceFailure 账本写入失败，该 bot 阻塞直到写入成功
	ErrPersistenceFailure = errors.New("persistence failure")
)

// InvalidConfig 构造一个带上下文的配置错误
func InvalidConfig(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Persistence 包装账本写入错误
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistenceFailure, op, err)
}

// Drift 描述一次检测到的偏差
func Drift(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDriftDetected, fmt.Sprintf(format, args...))
}

// IsRetryable 判断错误是否属于可重试的瞬时错误
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
