package ikev2

import (
	"fmt"

	"github.com/iniwex5/ike-go/pkg/crypto"
)

// MatchedAlgorithms 协商结果: 每种变换类型恰好一个
type MatchedAlgorithms struct {
	ProposalNum uint8
	ProtocolID  ProtocolID
	SPI         []byte
	Encr        AlgorithmType
	EncrKeyLen  int // 位，来自 Key Length 属性
	Integ       AlgorithmType
	PRF         AlgorithmType
	// DH 为 0 表示未协商 DH 组
	DH  AlgorithmType
	ESN bool
}

// IsAEAD AEAD 算法不需要独立的完整性变换
func (m *MatchedAlgorithms) IsAEAD() bool {
	switch m.Encr {
	case ENCR_AES_GCM_8, ENCR_AES_GCM_12, ENCR_AES_GCM_16,
		ENCR_AES_CCM_8, ENCR_AES_CCM_12, ENCR_AES_CCM_16:
		return true
	default:
		return false
	}
}

// Proposal 还原为只含选中变换的提议，用于响应方回复
func (m *MatchedAlgorithms) Proposal() *Proposal {
	p := NewProposal(m.ProposalNum, m.ProtocolID, append([]byte(nil), m.SPI...))
	p.AddTransformWithKeyLen(TransformTypeEncr, m.Encr, m.EncrKeyLen)
	if m.ProtocolID == ProtoIKE {
		p.AddTransform(TransformTypePRF, m.PRF, 0)
	}
	if !m.IsAEAD() {
		p.AddTransform(TransformTypeInteg, m.Integ, 0)
	}
	if m.DH != 0 {
		p.AddTransform(TransformTypeDH, m.DH, 0)
	}
	if m.ProtocolID != ProtoIKE {
		esn := ESN_NONE
		if m.ESN {
			esn = ESN
		}
		p.AddTransform(TransformTypeESN, esn, 0)
	}
	return p
}

// Cipher 实例化加密与完整性算法
func (m *MatchedAlgorithms) Cipher() (crypto.Encrypter, crypto.IntegrityAlgorithm, error) {
	enc, err := crypto.GetEncrypterWithKeyLen(uint16(m.Encr), m.EncrKeyLen)
	if err != nil {
		return nil, nil, err
	}
	integ := crypto.AUTH_NONE
	if !m.IsAEAD() {
		integ, err = crypto.GetIntegrityAlgorithm(uint16(m.Integ))
		if err != nil {
			return nil, nil, err
		}
	}
	return enc, integ, nil
}

// PRFAlgorithm 仅 IKE 提议携带 PRF
func (m *MatchedAlgorithms) PRFAlgorithm() (crypto.PRF, error) {
	return crypto.GetPRF(uint16(m.PRF))
}

// supported 本端实现能否处理该变换
func supported(t *Transform) bool {
	switch t.Type {
	case TransformTypeEncr:
		_, err := crypto.GetEncrypterWithKeyLen(uint16(t.ID), t.KeyLength())
		return err == nil
	case TransformTypeInteg:
		_, err := crypto.GetIntegrityAlgorithm(uint16(t.ID))
		return err == nil
	case TransformTypePRF:
		_, err := crypto.GetPRF(uint16(t.ID))
		return err == nil
	case TransformTypeDH:
		return t.ID == 0 || crypto.SupportedGroup(uint16(t.ID))
	case TransformTypeESN:
		return t.ID == ESN_NONE || t.ID == ESN
	}
	return false
}

func sameTransform(a, b *Transform) bool {
	return a.Type == b.Type && a.ID == b.ID && a.KeyLength() == b.KeyLength()
}

// ParseChosen 解析对端选中的提议，每种变换类型只允许一个
func ParseChosen(p *Proposal) (*MatchedAlgorithms, error) {
	m := &MatchedAlgorithms{
		ProposalNum: p.ProposalNum,
		ProtocolID:  p.ProtocolID,
		SPI:         append([]byte(nil), p.SPI...),
	}
	seen := make(map[TransformType]bool)
	for _, t := range p.Transforms {
		if seen[t.Type] {
			return nil, NewInvalidSyntax("选中的提议含多个类型 %d 的变换", t.Type)
		}
		seen[t.Type] = true
		if !supported(t) {
			return nil, NewNoProposalChosen("不支持的变换 类型=%d ID=%d", t.Type, t.ID)
		}
		switch t.Type {
		case TransformTypeEncr:
			m.Encr = t.ID
			m.EncrKeyLen = t.KeyLength()
		case TransformTypeInteg:
			m.Integ = t.ID
		case TransformTypePRF:
			m.PRF = t.ID
		case TransformTypeDH:
			m.DH = t.ID
		case TransformTypeESN:
			m.ESN = t.ID == ESN
		}
	}

	if !seen[TransformTypeEncr] {
		return nil, NewNoProposalChosen("提议缺少加密变换")
	}
	if !m.IsAEAD() && (!seen[TransformTypeInteg] || m.Integ == AUTH_NONE) {
		return nil, NewNoProposalChosen("非 AEAD 提议缺少完整性变换")
	}
	switch p.ProtocolID {
	case ProtoIKE:
		if !seen[TransformTypePRF] {
			return nil, NewNoProposalChosen("IKE 提议缺少 PRF")
		}
		if !seen[TransformTypeDH] || m.DH == 0 {
			return nil, NewNoProposalChosen("IKE 提议缺少 DH 组")
		}
	case ProtoESP:
	default:
		return nil, NewNoProposalChosen("不支持的协议 %d", p.ProtocolID)
	}
	return m, nil
}

// ValidateChosen 发起方校验响应中的 SA: 必须恰好一个提议，且每个变换都出自本端同编号的提议
func ValidateChosen(sa *SAPayload, offered []*Proposal) (*MatchedAlgorithms, error) {
	if sa == nil || len(sa.Proposals) != 1 {
		return nil, NewInvalidSyntax("响应 SA 必须只含一个提议")
	}
	chosen := sa.Proposals[0]
	var base *Proposal
	for _, p := range offered {
		if p.ProposalNum == chosen.ProposalNum && p.ProtocolID == chosen.ProtocolID {
			base = p
			break
		}
	}
	if base == nil {
		return nil, NewInvalidSyntax("响应选择了未提供的提议 #%d", chosen.ProposalNum)
	}
	for _, t := range chosen.Transforms {
		ok := false
		for _, o := range base.Transforms {
			if sameTransform(t, o) {
				ok = true
				break
			}
		}
		// 本端未带 DH 时对端也可以回 NONE
		if !ok && !(t.Type == TransformTypeDH && t.ID == 0 && len(base.DHGroups()) == 0) {
			return nil, NewInvalidSyntax("响应包含未提供的变换 类型=%d ID=%d", t.Type, t.ID)
		}
	}
	return ParseChosen(chosen)
}

// SelectProposal 响应方: 按对端顺序选出第一个与本地配置相交的提议
// 每种变换类型取对端排序中第一个本地也接受的
func SelectProposal(offered, local []*Proposal) (*MatchedAlgorithms, error) {
	for _, op := range offered {
		for _, lp := range local {
			if op.ProtocolID != lp.ProtocolID {
				continue
			}
			if m := intersect(op, lp); m != nil {
				return m, nil
			}
		}
	}
	return nil, NewNoProposalChosen("没有可接受的提议")
}

func intersect(offered, local *Proposal) *MatchedAlgorithms {
	chosen := NewProposal(offered.ProposalNum, offered.ProtocolID, offered.SPI)
	types := []TransformType{TransformTypeEncr, TransformTypePRF, TransformTypeInteg, TransformTypeDH, TransformTypeESN}
	for _, tt := range types {
		ot := offered.TransformsOf(tt)
		lt := local.TransformsOf(tt)
		if len(ot) == 0 && len(lt) == 0 {
			continue
		}
		// 缺省 DH/ESN 等价于 NONE
		if len(ot) == 0 && (tt == TransformTypeDH || tt == TransformTypeESN) {
			ot = []*Transform{{Type: tt, ID: 0}}
		}
		if len(lt) == 0 && (tt == TransformTypeDH || tt == TransformTypeESN) {
			lt = []*Transform{{Type: tt, ID: 0}}
		}
		var pick *Transform
		for _, o := range ot {
			if !supported(o) {
				continue
			}
			for _, l := range lt {
				if sameTransform(o, l) {
					pick = o
					break
				}
			}
			if pick != nil {
				break
			}
		}
		if pick == nil {
			return nil
		}
		chosen.AddTransformWithKeyLen(pick.Type, pick.ID, pick.KeyLength())
	}
	m, err := ParseChosen(chosen)
	if err != nil {
		return nil
	}
	return m
}

// WithoutDH 复制提议并去掉 DH 变换，IKE_AUTH 中的第一个 Child SA 不做 PFS
func WithoutDH(props []*Proposal) []*Proposal {
	out := make([]*Proposal, 0, len(props))
	for _, p := range props {
		c := p.Clone()
		kept := c.Transforms[:0]
		for _, t := range c.Transforms {
			if t.Type != TransformTypeDH {
				kept = append(kept, t)
			}
		}
		c.Transforms = kept
		out = append(out, c)
	}
	return out
}

// WithSPI 复制提议并替换 SPI
func WithSPI(props []*Proposal, spi []byte) []*Proposal {
	out := make([]*Proposal, 0, len(props))
	for _, p := range props {
		c := p.Clone()
		c.SPI = append([]byte(nil), spi...)
		out = append(out, c)
	}
	return out
}

// DefaultIKEProposals 默认 IKE 提议，按安全性从高到低
func DefaultIKEProposals() []*Proposal {
	var out []*Proposal
	add := func(encr AlgorithmType, keyLen int, integ, prf, dh AlgorithmType) {
		p := NewProposal(uint8(len(out)+1), ProtoIKE, nil)
		p.AddTransformWithKeyLen(TransformTypeEncr, encr, keyLen)
		p.AddTransform(TransformTypePRF, prf, 0)
		if integ != AUTH_NONE {
			p.AddTransform(TransformTypeInteg, integ, 0)
		}
		p.AddTransform(TransformTypeDH, dh, 0)
		out = append(out, p)
	}
	add(ENCR_AES_GCM_16, 256, AUTH_NONE, PRF_HMAC_SHA2_384, ECP_384)
	add(ENCR_AES_GCM_16, 128, AUTH_NONE, PRF_HMAC_SHA2_256, ECP_256)
	add(ENCR_AES_CBC, 256, AUTH_HMAC_SHA2_256_128, PRF_HMAC_SHA2_256, MODP_2048_bit)
	add(ENCR_AES_CBC, 128, AUTH_HMAC_SHA2_256_128, PRF_HMAC_SHA2_256, MODP_2048_bit)
	add(ENCR_AES_CBC, 128, AUTH_HMAC_SHA1_96, PRF_HMAC_SHA1, MODP_1024_bit)
	return out
}

// DefaultESPProposals 默认 ESP 提议
func DefaultESPProposals() []*Proposal {
	var out []*Proposal
	add := func(encr AlgorithmType, keyLen int, integ AlgorithmType) {
		p := NewProposal(uint8(len(out)+1), ProtoESP, nil)
		p.AddTransformWithKeyLen(TransformTypeEncr, encr, keyLen)
		if integ != AUTH_NONE {
			p.AddTransform(TransformTypeInteg, integ, 0)
		}
		p.AddTransform(TransformTypeESN, ESN_NONE, 0)
		out = append(out, p)
	}
	add(ENCR_AES_GCM_16, 256, AUTH_NONE)
	add(ENCR_AES_GCM_16, 128, AUTH_NONE)
	add(ENCR_AES_CBC, 128, AUTH_HMAC_SHA2_256_128)
	add(ENCR_AES_CBC, 128, AUTH_HMAC_SHA1_96)
	return out
}

func (m *MatchedAlgorithms) String() string {
	return fmt.Sprintf("#%d proto=%d encr=%d/%d integ=%d prf=%d dh=%d esn=%t",
		m.ProposalNum, m.ProtocolID, m.Encr, m.EncrKeyLen, m.Integ, m.PRF, m.DH, m.ESN)
}
