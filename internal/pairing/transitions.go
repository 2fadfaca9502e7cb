package pairing

import "context"

// transitionKey selects a transition by the sender's role and step.
type transitionKey struct {
	role Role
	step int
}

// transition describes one protocol step.
//
// The machine runs the parts in order: lookup, owner, the state guard and
// finally run. Any of them may return a replyError for the sender.
type transition struct {
	name string

	// lookup resolves the session the frame refers to. Nil means the
	// transition does not act on an existing session.
	lookup func(m *Machine, conn Conn, frame *Frame) (*Session, error)

	// owner checks the sender's relationship to the session.
	owner func(m *Machine, conn Conn, session *Session) error

	// accepts lists the states run may be called in. Any other state is
	// answered with rejects[state], or MsgMismatch when unset.
	accepts []State
	rejects map[State]string

	run func(m *Machine, t *transitionCall) error
}

// transitionCall carries one frame through a transition.
type transitionCall struct {
	ctx     context.Context
	conn    Conn
	frame   *Frame
	session *Session
}

var transitions = map[transitionKey]transition{
	{RoleAdmin, 0}: {
		name: "create",
		run:  (*Machine).createSession,
	},
	{RolePhone, 0}: {
		name:    "join",
		lookup:  lookupByToken,
		owner:   phoneSlotAvailable,
		accepts: []State{StateAwaitingPhone, StateAwaitingDetails},
		rejects: map[State]string{StatePersisting: MsgAlreadySubmit},
		run:     (*Machine).joinSession,
	},
	{RolePhone, 1}: {
		name:    "submit",
		lookup:  lookupSubmitter,
		owner:   boundPhone,
		accepts: []State{StateAwaitingDetails},
		rejects: map[State]string{StatePersisting: MsgAlreadySubmit},
		run:     (*Machine).submitDetails,
	},
}

func (t transition) allows(state State) error {
	if t.accepts == nil {
		return nil
	}
	for _, s := range t.accepts {
		if s == state {
			return nil
		}
	}
	if msg, ok := t.rejects[state]; ok {
		return replyError(msg)
	}
	return replyError(MsgMismatch)
}

func lookupByToken(m *Machine, _ Conn, frame *Frame) (*Session, error) {
	if frame.Token == "" {
		return nil, replyError(MsgNotFound)
	}
	session, ok := m.store.Get(frame.Token)
	if !ok {
		return nil, replyError(MsgNotFound)
	}
	return session, nil
}

// lookupSubmitter resolves the session of a submit from its token, or from
// the sender's index entry when the token is omitted. Only a bound phone may
// submit, so an unresolved session is a mismatch for the sender.
func lookupSubmitter(m *Machine, conn Conn, frame *Frame) (*Session, error) {
	token := frame.Token
	if token == "" {
		indexed, ok := m.store.FindByConnection(conn.ID())
		if !ok {
			return nil, replyError(MsgMismatch)
		}
		token = indexed
	}
	session, ok := m.store.Get(token)
	if !ok {
		return nil, replyError(MsgMismatch)
	}
	return session, nil
}

// phoneSlotAvailable rejects a join from a socket other than the bound
// phone, and from sockets already serving another session or the admin.
func phoneSlotAvailable(m *Machine, conn Conn, session *Session) error {
	if session.Phone != nil && session.Phone.ID() != conn.ID() {
		return replyError(MsgTokenLinked)
	}
	if role, ok := session.RoleOf(conn.ID()); ok && role == RoleAdmin {
		return replyError(MsgMismatch)
	}
	if token, ok := m.store.FindByConnection(conn.ID()); ok && token != session.Token {
		return replyError(MsgMismatch)
	}
	return nil
}

func boundPhone(_ *Machine, conn Conn, session *Session) error {
	if session.Phone == nil || session.Phone.ID() != conn.ID() {
		return replyError(MsgMismatch)
	}
	return nil
}
