package sim

import (
	"crypto/subtle"
	"fmt"
	"sync"
)

// DefaultSQNDelta 可接受的 SQN 跳跃上限 (TS 33.102 附录 C)
const DefaultSQNDelta = 1 << 28

// SoftSIM 基于 Milenage 的软件 SIM，不需要物理 SIM 卡
type SoftSIM struct {
	imsi     string
	milenage *Milenage

	mu sync.Mutex
	// sqnMS 已接受的最大 SQN
	sqnMS  uint64
	closed bool
	Delta  uint64
}

var _ Provider = (*SoftSIM)(nil)

// NewSoftSIM k 为 Ki，op 为 OP 或 OPc (useOPc)
func NewSoftSIM(imsi string, k, op []byte, useOPc bool) (*SoftSIM, error) {
	m, err := NewMilenage(k, op, useOPc)
	if err != nil {
		return nil, err
	}
	return &SoftSIM{imsi: imsi, milenage: m, Delta: DefaultSQNDelta}, nil
}

func (s *SoftSIM) IMSI() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSIMNotPresent
	}
	return s.imsi, nil
}

// CalculateAKA 校验 AUTN 与 SQN 新鲜度
func (s *SoftSIM) CalculateAKA(rand, autn []byte) (res, ck, ik, auts []byte, err error) {
	if len(autn) != 16 {
		return nil, nil, nil, nil, fmt.Errorf("AUTN 长度 %d", len(autn))
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil, nil, nil, ErrSIMNotPresent
	}
	res, ak, err := s.milenage.F2F5(rand)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	sqn := make([]byte, 6)
	subtle.XORBytes(sqn, autn[0:6], ak)
	macA, _, err := s.milenage.F1(rand, sqn, autn[6:8])
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if subtle.ConstantTimeCompare(macA, autn[8:16]) != 1 {
		return nil, nil, nil, nil, ErrAuthFailed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	received := DecodeSQN(sqn)
	if received <= s.sqnMS || received-s.sqnMS > s.Delta {
		auts, err := s.milenage.GenerateAUTS(rand, EncodeSQN(s.sqnMS))
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return nil, nil, nil, auts, ErrSyncFailure
	}
	s.sqnMS = received

	if ck, err = s.milenage.F3(rand); err != nil {
		return nil, nil, nil, nil, err
	}
	if ik, err = s.milenage.F4(rand); err != nil {
		return nil, nil, nil, nil, err
	}
	return res, ck, ik, nil, nil
}

// Close 之后视同卡已拔出
func (s *SoftSIM) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// SetSQN 设置已接受的最大 SQN
func (s *SoftSIM) SetSQN(sqn uint64) {
	s.mu.Lock()
	s.sqnMS = sqn
	s.mu.Unlock()
}

func (s *SoftSIM) SQN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sqnMS
}
