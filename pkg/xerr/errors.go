package xerr

import (
	"errors"
	"fmt"
)

// 聚合链路的错误码
const (
	InvalidSide      = 1001 // 成交方向既不是 Buy 也不是 Sell
	EmptyBucket      = 1002 // 窗口内没有任何成交
	ChannelClosed    = 1003 // 上游在完成标记之前关闭
	Persistence      = 1004 // 写入/刷盘失败
	AlreadyFinalized = 1005
	Sealed           = 1006 // bucket 已经 finalize，不能再写
	Config           = 1007
	TimeframePanic   = 1008
	Panic            = 1009 // timeframe 之外的 goroutine（分发、数据源）panic
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Err  error  `json:"-"`
}

func (e *CodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.Err }

// Is 按错误码匹配，所以 Wrap 出来的错误仍然 errors.Is 原来的哨兵错误
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 给底层错误挂上错误码；err 为 nil 时返回 nil
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, Err: err}
}

// CodeOf 取出错误链上第一个错误码，没有则返回 0
func CodeOf(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func MapErrMsg(code int) string {
	switch code {
	case InvalidSide:
		return "invalid trade side"
	case EmptyBucket:
		return "empty bucket"
	case ChannelClosed:
		return "channel closed unexpectedly"
	case Persistence:
		return "persistence failure"
	case AlreadyFinalized:
		return "bucket already finalized"
	case Sealed:
		return "bucket sealed"
	case Config:
		return "invalid config"
	case TimeframePanic:
		return "timeframe panicked"
	case Panic:
		return "goroutine panicked"
	default:
		return "unknown error"
	}
}
