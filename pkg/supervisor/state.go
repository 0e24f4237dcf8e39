package supervisor

// State is the lifecycle position of one supervised fixture process.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// canStartFromState validates if starting is allowed from the current state
func canStartFromState(state State) bool {
	switch state {
	case StateNotStarted, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// hasLiveProcess reports states in which a process handle is attached.
func hasLiveProcess(state State) bool {
	switch state {
	case StateReady, StatePaused:
		return true
	default:
		return false
	}
}
