package relay

// State is the lifecycle position of one connection.
type State int32

// Connection states. Closed is terminal; a reconnecting client is a new
// connection with a new id.
const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
