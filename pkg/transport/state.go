package transport

// State is the logical connection state.
type State int32

const (
	// StateDisconnected indicates no connection.
	StateDisconnected State = iota

	// StateConnecting indicates the TCP dial is in progress.
	StateConnecting

	// StateAuthenticating indicates the login handshake is in progress.
	StateAuthenticating

	// StateReady indicates an authenticated connection with an active
	// read loop.
	StateReady

	// StateDegraded indicates the read loop terminated; the connection
	// is unusable and awaits the reconnection supervisor.
	StateDegraded
)

// String returns the connection state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}
