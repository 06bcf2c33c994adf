package blesession

// State 会话状态
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscoveringServices
	StateDiscoveringCharacteristics
	StateReady
	StateWriting
	StateAwaitingReply
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discovering-services"
	case StateDiscoveringCharacteristics:
		return "discovering-characteristics"
	case StateReady:
		return "ready"
	case StateWriting:
		return "writing"
	case StateAwaitingReply:
		return "awaiting-reply"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Phase 有界等待所属阶段
type Phase string

const (
	PhaseConnect                 Phase = "connect"
	PhaseDiscoverServices        Phase = "discover-services"
	PhaseDiscoverCharacteristics Phase = "discover-characteristics"
	PhaseSubscribe               Phase = "subscribe"
	PhaseUnsubscribe             Phase = "unsubscribe"
	PhaseWrite                   Phase = "write"
)
