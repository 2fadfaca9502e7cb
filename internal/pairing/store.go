package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// TokenBytes is the amount of randomness in a pairing token.
const TokenBytes = 16

var (
	ErrSessionNotFound = errors.New("pairing session not found")
	ErrTokenCollision  = errors.New("pairing token collision")
	ErrAlreadyBound    = errors.New("pairing role already bound to another connection")
)

// Store maps tokens to sessions and connections back to tokens.
//
// Store is not safe for concurrent use. It is owned by the relay loop.
type Store struct {
	sessions map[string]*Session
	index    map[string]string
	now      func() time.Time
	rand     io.Reader
}

// NewStore returns an empty store using crypto/rand for tokens.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		index:    make(map[string]string),
		now:      time.Now,
		rand:     rand.Reader,
	}
}

// Create mints a token and stores a new session owned by admin.
func (s *Store) Create(companyID int64, admin Conn) (*Session, error) {
	token, err := s.generateToken()
	if err != nil {
		return nil, err
	}
	session := &Session{
		Token:     token,
		CompanyID: companyID,
		Admin:     admin,
		CreatedAt: s.now(),
	}
	s.sessions[token] = session
	if admin != nil {
		s.index[admin.ID()] = token
	}
	return session, nil
}

// Get returns the session for token.
func (s *Store) Get(token string) (*Session, bool) {
	session, ok := s.sessions[token]
	return session, ok
}

// Remove deletes the session and the index entries of both parties.
// Removing an unknown token is a no-op.
func (s *Store) Remove(token string) {
	session, ok := s.sessions[token]
	if !ok {
		return
	}
	for _, conn := range []Conn{session.Admin, session.Phone} {
		if conn == nil {
			continue
		}
		if s.index[conn.ID()] == token {
			delete(s.index, conn.ID())
		}
	}
	delete(s.sessions, token)
}

// Bind attaches conn to the session under role and indexes it.
// Binding the connection already holding the role is a no-op.
func (s *Store) Bind(token string, role Role, conn Conn) error {
	session, ok := s.sessions[token]
	if !ok {
		return ErrSessionNotFound
	}
	var slot *Conn
	switch role {
	case RoleAdmin:
		slot = &session.Admin
	case RolePhone:
		slot = &session.Phone
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	if *slot != nil && (*slot).ID() != conn.ID() {
		return ErrAlreadyBound
	}
	*slot = conn
	s.index[conn.ID()] = token
	return nil
}

// FindByConnection returns the token a connection is bound to.
func (s *Store) FindByConnection(connID string) (string, bool) {
	token, ok := s.index[connID]
	return token, ok
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	return len(s.sessions)
}

// Each calls fn for every session. fn must not mutate the store.
func (s *Store) Each(fn func(*Session)) {
	for _, session := range s.sessions {
		fn(session)
	}
}

// Clear drops every session and index entry.
func (s *Store) Clear() {
	s.sessions = make(map[string]*Session)
	s.index = make(map[string]string)
}

func (s *Store) generateToken() (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := randomToken(s.rand)
		if err != nil {
			return "", err
		}
		if _, exists := s.sessions[token]; !exists {
			return token, nil
		}
	}
	return "", ErrTokenCollision
}

func randomToken(r io.Reader) (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
