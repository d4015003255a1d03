package ike

import (
	"errors"
	"fmt"

	"github.com/iniwex5/ike-go/pkg/request"
)

var (
	// ErrRetransmitTimeout 重传次数耗尽仍未收到响应
	ErrRetransmitTimeout = errors.New("IKE 请求重传超时")
	ErrSessionClosed     = errors.New("IKE 会话已关闭")
	// ErrTempFailureWindowExceeded 对端持续返回 TEMPORARY_FAILURE
	ErrTempFailureWindowExceeded = request.ErrTempFailureWindowExceeded

	errBusy = errors.New("已有未完成的请求")
)

// InternalError 本端实现或资源问题，不是对端的协议错误
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("内部错误 (%s): %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func internal(op string, err error) error {
	return &InternalError{Op: op, Err: err}
}
