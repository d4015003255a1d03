package ikev2

import (
	"fmt"

	"github.com/iniwex5/ike-go/pkg/crypto"
)

// 与 crypto 包的签名实现共用同一组编号
const (
	AuthMethodRSASig    = crypto.AuthMethodRSA
	AuthMethodSharedKey = crypto.AuthMethodPSK
	AuthMethodECDSA256  = crypto.AuthMethodECDSA256
	AuthMethodECDSA384  = crypto.AuthMethodECDSA384
	AuthMethodECDSA521  = crypto.AuthMethodECDSA521
)

var authMethodNames = map[uint8]string{
	AuthMethodRSASig:    "RSA",
	AuthMethodSharedKey: "PSK",
	AuthMethodECDSA256:  "ECDSA-P256",
	AuthMethodECDSA384:  "ECDSA-P384",
	AuthMethodECDSA521:  "ECDSA-P521",
}

// AuthMethodName 日志与错误信息使用
func AuthMethodName(m uint8) string {
	if n, ok := authMethodNames[m]; ok {
		return n
	}
	return fmt.Sprintf("AUTH(%d)", m)
}

// AuthPayload AUTH 载荷，AuthData 的含义由 AuthMethod 决定
type AuthPayload struct {
	AuthMethod uint8
	AuthData   []byte
}

func (p *AuthPayload) Type() PayloadType { return AUTH }

func (p *AuthPayload) Encode() ([]byte, error) {
	out := make([]byte, 0, 4+len(p.AuthData))
	out = append(out, p.AuthMethod, 0, 0, 0)
	return append(out, p.AuthData...), nil
}

// DecodePayloadAuth AuthData 复制一份，不引用原始数据包
func DecodePayloadAuth(body []byte) (*AuthPayload, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("AUTH 载荷只有 %d 字节", len(body))
	}
	return &AuthPayload{
		AuthMethod: body[0],
		AuthData:   append([]byte(nil), body[4:]...),
	}, nil
}
