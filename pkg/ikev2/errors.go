package ikev2

import (
	"errors"
	"fmt"
)

// ProtocolError 可以映射为错误通知的协议错误
type ProtocolError struct {
	Notify uint16
	// Data 放入通知载荷的数据，如 INVALID_KE_PAYLOAD 的 DH 组
	Data []byte
	Msg  string
}

func (e *ProtocolError) Error() string {
	if e.Msg == "" {
		return NotifyName(e.Notify)
	}
	return fmt.Sprintf("%s: %s", NotifyName(e.Notify), e.Msg)
}

// Is 按通知类型比较
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Notify == e.Notify
}

// ToNotify 生成响应中携带的错误通知
func (e *ProtocolError) ToNotify() *NotifyPayload {
	return &NotifyPayload{ProtocolID: 0, NotifyType: e.Notify, NotifyData: e.Data}
}

func newProtocolError(notify uint16, format string, args ...any) *ProtocolError {
	return &ProtocolError{Notify: notify, Msg: fmt.Sprintf(format, args...)}
}

// 用于 errors.Is 的哨兵
var (
	ErrInvalidSyntax        = &ProtocolError{Notify: INVALID_SYNTAX}
	ErrAuthenticationFailed = &ProtocolError{Notify: AUTHENTICATION_FAILED}
	ErrNoProposalChosen     = &ProtocolError{Notify: NO_PROPOSAL_CHOSEN}
	ErrInvalidKEPayload     = &ProtocolError{Notify: INVALID_KE_PAYLOAD}
	ErrTemporaryFailure     = &ProtocolError{Notify: TEMPORARY_FAILURE}
	ErrChildSANotFound      = &ProtocolError{Notify: CHILD_SA_NOT_FOUND}
	ErrTSUnacceptable       = &ProtocolError{Notify: TS_UNACCEPTABLE}
	ErrInvalidMessageID     = &ProtocolError{Notify: INVALID_MESSAGE_ID}
)

func NewInvalidSyntax(format string, args ...any) *ProtocolError {
	return newProtocolError(INVALID_SYNTAX, format, args...)
}

func NewAuthenticationFailed(format string, args ...any) *ProtocolError {
	return newProtocolError(AUTHENTICATION_FAILED, format, args...)
}

func NewNoProposalChosen(format string, args ...any) *ProtocolError {
	return newProtocolError(NO_PROPOSAL_CHOSEN, format, args...)
}

// NewInvalidKEPayload 携带期望的 DH 组
func NewInvalidKEPayload(group AlgorithmType) *ProtocolError {
	return &ProtocolError{
		Notify: INVALID_KE_PAYLOAD,
		Data:   []byte{byte(group >> 8), byte(group)},
		Msg:    fmt.Sprintf("期望 DH 组 %d", group),
	}
}

func NewTemporaryFailure(format string, args ...any) *ProtocolError {
	return newProtocolError(TEMPORARY_FAILURE, format, args...)
}

func NewTSUnacceptable(format string, args ...any) *ProtocolError {
	return newProtocolError(TS_UNACCEPTABLE, format, args...)
}

// IsErrorNotify 0-16383 为错误类型
func IsErrorNotify(t uint16) bool {
	return t <= maxErrorNotify
}

// ErrorFromNotify 将对端错误通知转换为 ProtocolError
func ErrorFromNotify(n *NotifyPayload) *ProtocolError {
	return &ProtocolError{
		Notify: n.NotifyType,
		Data:   n.NotifyData,
		Msg:    "对端通知",
	}
}

// NotifyOf 提取错误中的通知类型，非协议错误返回 false
func NotifyOf(err error) (uint16, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Notify, true
	}
	return 0, false
}
