package session

// Status is the authentication state of the current principal.
type Status int

const (
	StatusUnknown Status = iota

	// StatusLoading means the process has not yet settled whether a
	// session exists. It is the initial state; once a session settles
	// it never returns to loading except through an explicit Recheck.
	StatusLoading

	StatusAuthenticated
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}
