package exchange

import (
	"errors"
	"fmt"

	"grid-engine/internal/errs"
)

// Kind 是网关错误的类别
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindRateLimited
	KindRejected
	KindNotFound
	KindAlreadyFilled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	case KindRejected:
		return "rejected"
	case KindNotFound:
		return "not_found"
	case KindAlreadyFilled:
		return "already_filled"
	}
	return "unknown"
}

// RejectReason 细分交易所拒单原因
type RejectReason string

const (
	ReasonPriceFilter RejectReason = "price_filter"
	ReasonBalance     RejectReason = "balance"
	ReasonPermission  RejectReason = "permission"
	ReasonNotional    RejectReason = "notional"
	ReasonDuplicate   RejectReason = "duplicate"
	ReasonOther       RejectReason = "other"
)

// Error 是网关返回的已分类错误
type Error struct {
	Op     string
	Kind   Kind
	Reason RejectReason
	Code   int64
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Reason != "" {
		msg += "(" + string(e.Reason) + ")"
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让网关错误可以用 errors.Is 匹配引擎的错误分类
func (e *Error) Is(target error) bool {
	switch target {
	case errs.ErrTransient:
		return e.Kind == KindNetwork || e.Kind == KindRateLimited
	case errs.ErrRejected:
		return e.Kind == KindRejected
	}
	return false
}

// NewError 构造一个分类错误
func NewError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Rejected 构造一个拒单错误
func Rejected(op string, reason RejectReason, err error) *Error {
	return &Error{Op: op, Kind: KindRejected, Reason: reason, Err: err}
}

// KindOf 返回错误类别，未分类错误返回 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ReasonOf 返回拒单原因
func ReasonOf(err error) RejectReason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func IsRateLimited(err error) bool   { return KindOf(err) == KindRateLimited }
func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsAlreadyFilled(err error) bool { return KindOf(err) == KindAlreadyFilled }
func IsNetwork(err error) bool       { return KindOf(err) == KindNetwork }

// IsRetryableRejection 判断拒单是否应在下一次对账时重试 (行情变化导致的价格过滤)
func IsRetryableRejection(err error) bool {
	if KindOf(err) != KindRejected {
		return false
	}
	switch ReasonOf(err) {
	case ReasonPriceFilter, ReasonDuplicate:
		return true
	}
	return false
}
