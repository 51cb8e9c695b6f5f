package connection

// State is a connection's lifecycle state.
type State int

const (
	NotConfigured State = iota
	Configured
	Active
	Suspended
	Closed
)

func (s State) String() string {
	switch s {
	case NotConfigured:
		return "not_configured"
	case Configured:
		return "configured"
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Kind distinguishes a transmitter connection from a receiver.
type Kind int

const (
	Transmitter Kind = iota
	Receiver
)

func (k Kind) String() string {
	if k == Receiver {
		return "receiver"
	}
	return "transmitter"
}

// legalTransitions lists the state-machine edges of spec.md §4.1:
// configure, establish, suspend, resume are single fixed-source edges;
// shutdown is legal from any non-closed state. Suspend and Resume
// consult it through canTransition (Resume also requires the source to
// be suspended, since establish shares the ->active target); Configure,
// Establish and Shutdown check their source state directly.
var legalTransitions = map[State]map[State]bool{
	NotConfigured: {Configured: true},
	Configured:    {Active: true, Closed: true},
	Active:        {Suspended: true, Closed: true},
	Suspended:     {Active: true, Closed: true},
	Closed:        {},
}

// canTransition reports whether moving from->to is a legal edge.
func canTransition(from, to State) bool {
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
