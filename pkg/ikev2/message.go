package ikev2

import "fmt"

// Message 解码后的 IKE 消息 (明文载荷列表)
type Message struct {
	Header   *IKEHeader
	Payloads []Payload
}

func (m *Message) IsResponse() bool {
	return m.Header.Flags&FlagResponse != 0
}

func (m *Message) String() string {
	types := make([]string, 0, len(m.Payloads))
	for _, p := range m.Payloads {
		types = append(types, p.Type().String())
	}
	return fmt.Sprintf("%s msgID=%d resp=%t %v", m.Header.ExchangeType, m.Header.MessageID, m.IsResponse(), types)
}

// FindPayload 返回第一个类型为 T 的载荷
func FindPayload[T Payload](payloads []Payload) (T, bool) {
	for _, p := range payloads {
		if v, ok := p.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// FindAll 返回全部类型为 T 的载荷
func FindAll[T Payload](payloads []Payload) []T {
	var out []T
	for _, p := range payloads {
		if v, ok := p.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// FindNotify 按通知类型查找
func FindNotify(payloads []Payload, notifyType uint16) *NotifyPayload {
	for _, p := range payloads {
		if n, ok := p.(*NotifyPayload); ok && n.NotifyType == notifyType {
			return n
		}
	}
	return nil
}

// FirstErrorNotify 返回第一个错误类型通知
func FirstErrorNotify(payloads []Payload) *NotifyPayload {
	for _, p := range payloads {
		if n, ok := p.(*NotifyPayload); ok && n.IsError() {
			return n
		}
	}
	return nil
}

// FindTS 查找 TSi (initiator=true) 或 TSr
func FindTS(payloads []Payload, initiator bool) *TSPayload {
	for _, p := range payloads {
		if ts, ok := p.(*TSPayload); ok && ts.IsInitiator == initiator {
			return ts
		}
	}
	return nil
}

// FindID 查找 IDi 或 IDr
func FindID(payloads []Payload, initiator bool) *IDPayload {
	for _, p := range payloads {
		if id, ok := p.(*IDPayload); ok && id.IsInitiator == initiator {
			return id
		}
	}
	return nil
}
