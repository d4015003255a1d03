package request

import "fmt"

// Request 本地发起的过程，入队后不可修改
// 只有 IKERequest 与 ChildRequest 两种
type Request interface {
	isRequest()
	String() string
}

// IKECommand IKE 层本地过程
type IKECommand int

const (
	CmdCreateIKE IKECommand = iota + 1
	CmdRekeyIKE
	CmdDeleteIKE
	CmdDPD
)

func (c IKECommand) String() string {
	switch c {
	case CmdCreateIKE:
		return "CREATE_IKE"
	case CmdRekeyIKE:
		return "REKEY_IKE"
	case CmdDeleteIKE:
		return "DELETE_IKE"
	case CmdDPD:
		return "DPD"
	default:
		return fmt.Sprintf("IKECommand(%d)", int(c))
	}
}

// ChildCommand Child SA 本地过程
type ChildCommand int

const (
	CmdCreateChild ChildCommand = iota + 1
	CmdRekeyChild
	CmdDeleteChild
)

func (c ChildCommand) String() string {
	switch c {
	case CmdCreateChild:
		return "CREATE_CHILD"
	case CmdRekeyChild:
		return "REKEY_CHILD"
	case CmdDeleteChild:
		return "DELETE_CHILD"
	default:
		return fmt.Sprintf("ChildCommand(%d)", int(c))
	}
}

// ChildHandle 会话内 Child 会话的不透明句柄
type ChildHandle uint64

type IKERequest struct {
	Cmd IKECommand
}

func (IKERequest) isRequest() {}

func (r IKERequest) String() string { return r.Cmd.String() }

type ChildRequest struct {
	Cmd   ChildCommand
	Child ChildHandle
	// Params 创建时的 Child 参数，其他命令为 nil
	Params any
}

func (ChildRequest) isRequest() {}

func (r ChildRequest) String() string {
	return fmt.Sprintf("%s#%d", r.Cmd, r.Child)
}
