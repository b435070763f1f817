package utp

// State is the connection's position in the state machine of spec §4.E.
type State int

const (
	StateNone State = iota
	StateSynSent
	StateConnected
	StateFinSent
	StateErrorWait
	StateDelete
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateSynSent:
		return "SYN_SENT"
	case StateConnected:
		return "CONNECTED"
	case StateFinSent:
		return "FIN_SENT"
	case StateErrorWait:
		return "ERROR_WAIT"
	case StateDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}
