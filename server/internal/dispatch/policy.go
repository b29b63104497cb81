package dispatch

// Policy decides whether the originating connection receives its own event.
type Policy int32

const (
	// IncludeSender broadcasts to every connection, the origin included.
	// Clients of the reference deployment rely on the echo as confirmation.
	IncludeSender Policy = iota

	// ExcludeSender broadcasts to every connection except the origin.
	ExcludeSender
)

// PolicyFor maps the echo_to_sender configuration flag to a Policy.
func PolicyFor(echoToSender bool) Policy {
	if echoToSender {
		return IncludeSender
	}
	return ExcludeSender
}

func (p Policy) String() string {
	switch p {
	case IncludeSender:
		return "include-sender"
	case ExcludeSender:
		return "exclude-sender"
	default:
		return "unknown"
	}
}
