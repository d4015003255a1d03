package ikev2

import "errors"

// 证书编码 (RFC 7296 3.6 节)
const (
	CertEncodingX509Signature uint8 = 4
)

// CertPayload 证书载荷
type CertPayload struct {
	Encoding uint8
	Data     []byte
}

func (p *CertPayload) Type() PayloadType { return CERT }

func (p *CertPayload) Encode() ([]byte, error) {
	return append([]byte{p.Encoding}, p.Data...), nil
}

func DecodePayloadCert(data []byte) (*CertPayload, error) {
	if len(data) < 1 {
		return nil, errors.New("CERT 载荷太短")
	}
	return &CertPayload{Encoding: data[0], Data: data[1:]}, nil
}

// CertReqPayload 证书请求载荷 (RFC 7296 3.7 节)
type CertReqPayload struct {
	Encoding    uint8
	Authorities []byte // SHA-1 公钥哈希拼接
}

func (p *CertReqPayload) Type() PayloadType { return CERTREQ }

func (p *CertReqPayload) Encode() ([]byte, error) {
	return append([]byte{p.Encoding}, p.Authorities...), nil
}

func DecodePayloadCertReq(data []byte) (*CertReqPayload, error) {
	if len(data) < 1 {
		return nil, errors.New("CERTREQ 载荷太短")
	}
	return &CertReqPayload{Encoding: data[0], Authorities: data[1:]}, nil
}
