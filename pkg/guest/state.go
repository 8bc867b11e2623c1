package guest

// State is a guest's lifecycle state. Transitions are forward-only and only
// the health monitor or the shutdown path may advance it. A snapshot reload
// rewinds guest execution without touching the lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateDegraded
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
