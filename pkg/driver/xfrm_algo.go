package driver

import (
	"fmt"

	"github.com/iniwex5/netlink"

	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// IKEv2 算法 ID 到 Linux XFRM 内核算法名的映射

type xfrmAuth struct {
	name      string
	keyBits   int
	truncBits int
}

var xfrmAuthAlgos = map[ikev2.AlgorithmType]xfrmAuth{
	ikev2.AUTH_HMAC_MD5_96:       {"hmac(md5)", 128, 96},
	ikev2.AUTH_HMAC_SHA1_96:      {"hmac(sha1)", 160, 96},
	ikev2.AUTH_HMAC_SHA2_256_128: {"hmac(sha256)", 256, 128},
	ikev2.AUTH_HMAC_SHA2_384_192: {"hmac(sha384)", 384, 192},
	ikev2.AUTH_HMAC_SHA2_512_256: {"hmac(sha512)", 512, 256},
}

type xfrmAead struct {
	name     string
	saltBits int
	icvBits  int
}

var xfrmAeadAlgos = map[ikev2.AlgorithmType]xfrmAead{
	ikev2.ENCR_AES_GCM_8:  {"rfc4106(gcm(aes))", 32, 64},
	ikev2.ENCR_AES_GCM_12: {"rfc4106(gcm(aes))", 32, 96},
	ikev2.ENCR_AES_GCM_16: {"rfc4106(gcm(aes))", 32, 128},
	ikev2.ENCR_AES_CCM_8:  {"rfc4309(ccm(aes))", 24, 64},
	ikev2.ENCR_AES_CCM_12: {"rfc4309(ccm(aes))", 24, 96},
	ikev2.ENCR_AES_CCM_16: {"rfc4309(ccm(aes))", 24, 128},
}

// stateAlgos 按协商结果填充 XfrmState 的算法，AEAD 与 Crypt/Auth 互斥
func stateAlgos(st *netlink.XfrmState, t *sa.IPsecTransform) error {
	keyBits := t.EncrKeyLen
	if keyBits == 0 {
		keyBits = 128
	}

	if a, ok := xfrmAeadAlgos[t.Encr]; ok {
		// 内核需要 encKey + salt
		if want := (keyBits + a.saltBits) / 8; len(t.EncrKey) != want {
			return fmt.Errorf("AEAD 密钥长度 %d，应为 %d", len(t.EncrKey), want)
		}
		st.Aead = &netlink.XfrmStateAlgo{Name: a.name, Key: t.EncrKey, ICVLen: a.icvBits}
		return nil
	}

	switch t.Encr {
	case ikev2.ENCR_AES_CBC:
		st.Crypt = &netlink.XfrmStateAlgo{Name: "cbc(aes)", Key: t.EncrKey}
	case ikev2.ENCR_AES_CTR:
		st.Crypt = &netlink.XfrmStateAlgo{Name: "rfc3686(ctr(aes))", Key: t.EncrKey}
	case ikev2.ENCR_NULL:
		st.Crypt = &netlink.XfrmStateAlgo{Name: "ecb(cipher_null)"}
	default:
		return fmt.Errorf("不支持的 XFRM 加密算法: %d", t.Encr)
	}

	auth, ok := xfrmAuthAlgos[t.Integ]
	if !ok {
		return fmt.Errorf("不支持的 XFRM 完整性算法: %d", t.Integ)
	}
	if len(t.IntegKey)*8 != auth.keyBits {
		return fmt.Errorf("%s 密钥长度 %d 位，应为 %d", auth.name, len(t.IntegKey)*8, auth.keyBits)
	}
	st.Auth = &netlink.XfrmStateAlgo{Name: auth.name, Key: t.IntegKey, TruncateLen: auth.truncBits}
	return nil
}
