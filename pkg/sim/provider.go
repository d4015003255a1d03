package sim

import "errors"

//go:generate mockgen -destination=mocks/provider.go -package=mocks github.com/iniwex5/ike-go/pkg/sim Provider

// Provider EAP-AKA 使用的用户身份模块，可以是 SoftSIM 或实体卡
type Provider interface {
	IMSI() (string, error)

	// CalculateAKA 校验 AUTN 并运行 AKA 算法，rand/autn 均为 16 字节
	// 序列号失步时返回 auts 和 ErrSyncFailure，此时 res/ck/ik 为空
	CalculateAKA(rand, autn []byte) (res, ck, ik, auts []byte, err error)

	Close() error
}

// CalculateAKA 的失败原因，EAP-AKA 按此选择回复的子类型
var (
	ErrSIMNotPresent = errors.New("sim: 未检测到 SIM")
	ErrAuthFailed    = errors.New("sim: AUTN 校验失败")
	ErrSyncFailure   = errors.New("sim: SQN 失步")
)
