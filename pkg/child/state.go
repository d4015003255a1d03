package child

import "fmt"

// State Child 会话状态
type State int

const (
	Initial State = iota
	CreateChildLocalCreate
	Idle
	RekeyChildLocalCreate
	RekeyChildLocalDelete
	RekeyChildRemoteCreate
	RekeyChildRemoteDelete
	DeleteChildLocalDelete
	DeleteChildRemoteDelete
	Closed
)

var stateNames = map[State]string{
	Initial:                 "Initial",
	CreateChildLocalCreate:  "CreateChildLocalCreate",
	Idle:                    "Idle",
	RekeyChildLocalCreate:   "RekeyChildLocalCreate",
	RekeyChildLocalDelete:   "RekeyChildLocalDelete",
	RekeyChildRemoteCreate:  "RekeyChildRemoteCreate",
	RekeyChildRemoteDelete:  "RekeyChildRemoteDelete",
	DeleteChildLocalDelete:  "DeleteChildLocalDelete",
	DeleteChildRemoteDelete: "DeleteChildRemoteDelete",
	Closed:                  "Closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// awaitingResponse 本端有未完成的请求
func (s State) awaitingResponse() bool {
	switch s {
	case CreateChildLocalCreate, RekeyChildLocalCreate, RekeyChildLocalDelete, DeleteChildLocalDelete:
		return true
	}
	return false
}
