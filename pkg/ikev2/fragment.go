package ikev2

import (
	"errors"
	"fmt"
)

// RFC 7383: IKE Fragmentation
// SKF 载荷主体: Fragment Number (2) | Total Fragments (2) | IV | 密文 | ICV

const (
	// 重组后最大明文长度，防止内存耗尽
	maxFragmentedPacket = 64 * 1024
	skfHeaderLen        = 4
)

var errStaleFragment = errors.New("分片总数小于当前重组集合，忽略")

// FragmentAccumulator 同一消息 ID 的分片集合
// 每个 SA 每个方向最多一个，由 SA 记录持有
type FragmentAccumulator struct {
	MessageID uint32
	Total     uint16
	// NextPayload 来自 1 号分片，是重组后第一个载荷的类型
	NextPayload PayloadType
	// FirstPacket 1 号分片的原始字节，用于重传识别
	FirstPacket []byte

	received map[uint16][]byte
	size     int
}

func NewFragmentAccumulator(msgID uint32, total uint16) *FragmentAccumulator {
	return &FragmentAccumulator{
		MessageID: msgID,
		Total:     total,
		received:  make(map[uint16][]byte),
	}
}

// Add 加入一个已解密的分片，返回是否已收齐
// 重复分片被忽略
func (a *FragmentAccumulator) Add(num uint16, plaintext []byte, next PayloadType, raw []byte) (bool, error) {
	if num == 0 || num > a.Total {
		return false, fmt.Errorf("分片编号 %d 超出范围 1-%d", num, a.Total)
	}
	if _, ok := a.received[num]; ok {
		return a.Complete(), nil
	}
	if a.size+len(plaintext) > maxFragmentedPacket {
		return false, fmt.Errorf("分片重组后超过最大包大小限制 (%d)", maxFragmentedPacket)
	}
	a.received[num] = plaintext
	a.size += len(plaintext)
	if num == 1 {
		a.NextPayload = next
		a.FirstPacket = raw
	}
	return a.Complete(), nil
}

func (a *FragmentAccumulator) Complete() bool {
	return len(a.received) == int(a.Total)
}

// Received 已收到的分片数
func (a *FragmentAccumulator) Received() int {
	return len(a.received)
}

// Assemble 按编号顺序拼接明文
func (a *FragmentAccumulator) Assemble() ([]byte, error) {
	out := make([]byte, 0, a.size)
	for i := uint16(1); i <= a.Total; i++ {
		data, ok := a.received[i]
		if !ok {
			return nil, fmt.Errorf("缺少分片 %d/%d", i, a.Total)
		}
		out = append(out, data...)
	}
	return out, nil
}

// splitInner 把载荷链切成不超过 chunk 的片段
func splitInner(inner []byte, chunk int) [][]byte {
	var out [][]byte
	for len(inner) > chunk {
		out = append(out, inner[:chunk])
		inner = inner[chunk:]
	}
	return append(out, inner)
}
