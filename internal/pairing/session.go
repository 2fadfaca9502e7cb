package pairing

import "time"

// Role identifies which party a connection plays in a session.
type Role string

const (
	// RoleAdmin is the dashboard that created the session.
	RoleAdmin Role = "admin"
	// RolePhone is the device being linked.
	RolePhone Role = "phone"
)

// State is derived from a session's fields. Completed, failed and expired
// sessions are not represented; they are removed from the store.
type State int

const (
	StateAwaitingPhone State = iota
	StateAwaitingDetails
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateAwaitingPhone:
		return "awaiting_phone"
	case StateAwaitingDetails:
		return "awaiting_details"
	case StatePersisting:
		return "persisting"
	default:
		return "unknown"
	}
}

// Conn is the transport view of a socket used by the state machine.
type Conn interface {
	// ID is unique per socket for the life of the process.
	ID() string
	// Ready reports whether the socket can still accept frames.
	Ready() bool
	// Send queues a response. It is a no-op on a closed socket.
	Send(Response) error
	// Close flushes queued frames and closes the socket.
	Close()
}

// Session is one in-flight pairing attempt.
type Session struct {
	Token     string
	CompanyID int64
	Admin     Conn
	Phone     Conn
	CreatedAt time.Time

	submitting bool
}

// State returns the session's current protocol state.
func (s *Session) State() State {
	switch {
	case s.submitting:
		return StatePersisting
	case s.Phone != nil:
		return StateAwaitingDetails
	default:
		return StateAwaitingPhone
	}
}

// RoleOf reports which role connID holds in the session.
func (s *Session) RoleOf(connID string) (Role, bool) {
	if s.Admin != nil && s.Admin.ID() == connID {
		return RoleAdmin, true
	}
	if s.Phone != nil && s.Phone.ID() == connID {
		return RolePhone, true
	}
	return "", false
}

// Age returns how long the session has existed at now.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
