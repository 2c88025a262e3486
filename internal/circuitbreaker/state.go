package circuitbreaker

type State int

const (
	// StateClosed: LeMUR calls go through
	StateClosed State = iota

	// StateOpen: calls fail fast with ErrCircuitOpen
	StateOpen

	// StateHalfOpen: one probe call is allowed to test the endpoint
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
