package connection

// State 连接状态
type State int32

const (
	StateDisconnected State = iota // 未连接
	StateConnecting                // 连接中
	StateConnected                 // 已连接
	StateReconnecting              // 等待重连
	StateLost                      // 重试次数用尽，需要用户干预
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Busy 是否处于连接流程中（此时 Connect 为空操作）
func (s State) Busy() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}
