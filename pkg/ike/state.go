package ike

import "fmt"

// State IKE 会话状态
type State int

const (
	Initial State = iota
	CreateIkeLocalIkeInit
	CreateIkeLocalIkeAuth
	CreateIkeLocalIkeAuthInEap
	CreateIkeLocalIkeAuthPostEap
	Idle
	ChildProcedureOngoing
	RekeyIkeLocalCreate
	// 同时重协商且本端胜出: 删除旧 SA，同时等待对端删除其新 SA
	SimulRekeyIkeLocalDeleteRemoteDelete
	// 同时重协商且本端落败: 删除本端的新 SA
	SimulRekeyIkeLocalDelete
	RekeyIkeLocalDelete
	RekeyIkeRemoteDelete
	DpdIkeLocalInfo
	DeleteIkeLocalDelete
	Closed
)

var stateNames = [...]string{
	Initial:                              "Initial",
	CreateIkeLocalIkeInit:                "CreateIkeLocalIkeInit",
	CreateIkeLocalIkeAuth:                "CreateIkeLocalIkeAuth",
	CreateIkeLocalIkeAuthInEap:           "CreateIkeLocalIkeAuthInEap",
	CreateIkeLocalIkeAuthPostEap:         "CreateIkeLocalIkeAuthPostEap",
	Idle:                                 "Idle",
	ChildProcedureOngoing:                "ChildProcedureOngoing",
	RekeyIkeLocalCreate:                  "RekeyIkeLocalCreate",
	SimulRekeyIkeLocalDeleteRemoteDelete: "SimulRekeyIkeLocalDeleteRemoteDelete",
	SimulRekeyIkeLocalDelete:             "SimulRekeyIkeLocalDelete",
	RekeyIkeLocalDelete:                  "RekeyIkeLocalDelete",
	RekeyIkeRemoteDelete:                 "RekeyIkeRemoteDelete",
	DpdIkeLocalInfo:                      "DpdIkeLocalInfo",
	DeleteIkeLocalDelete:                 "DeleteIkeLocalDelete",
	Closed:                               "Closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// established IKE SA 已认证
func (s State) established() bool {
	return s >= Idle && s < Closed
}

// rekeying IKE SA 重协商进行中
func (s State) rekeying() bool {
	switch s {
	case RekeyIkeLocalCreate, SimulRekeyIkeLocalDeleteRemoteDelete, SimulRekeyIkeLocalDelete,
		RekeyIkeLocalDelete, RekeyIkeRemoteDelete:
		return true
	}
	return false
}
