// Package session provides the authenticated-user provider.
//
// A Session holds at most one attached user. The synchronization services
// read the user id at the start of every operation; with no user attached
// loads return an empty result and mutations are rejected. Attaching and
// detaching is explicit, driven by the CLI, the session file watcher or
// the coordinator.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSubject is returned for tokens without a sub claim.
var ErrNoSubject = errors.New("token has no subject")

// Provider exposes the current authenticated user.
type Provider interface {
	UserID() (string, bool)
}

// Event describes a session change.
type Event struct {
	UserID   string
	Attached bool
}

// Session is the attach/detach holder of the current user. It is safe for
// concurrent use.
type Session struct {
	secret []byte

	mu     sync.RWMutex
	userID string
	subs   map[chan Event]struct{}
}

// New creates a detached session. When secret is non-empty, tokens passed
// to AttachToken must be HS256-signed with it; otherwise tokens are decoded
// without verification.
func New(secret string) *Session {
	return &Session{
		secret: []byte(secret),
		subs:   make(map[chan Event]struct{}),
	}
}

// UserID implements Provider.
func (s *Session) UserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.userID != ""
}

// Attach sets the current user. Re-attaching the same user does not notify.
func (s *Session) Attach(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id cannot be empty")
	}

	s.mu.Lock()
	changed := s.userID != userID
	s.userID = userID
	s.mu.Unlock()

	if changed {
		s.notify(Event{UserID: userID, Attached: true})
	}
	return nil
}

// AttachToken attaches the subject of a JWT access token and returns it.
func (s *Session) AttachToken(token string) (string, error) {
	sub, err := ParseSubject(token, s.secret)
	if err != nil {
		return "", err
	}
	return sub, s.Attach(sub)
}

// Detach clears the current user.
func (s *Session) Detach() {
	s.mu.Lock()
	prev := s.userID
	s.userID = ""
	s.mu.Unlock()

	if prev != "" {
		s.notify(Event{UserID: prev, Attached: false})
	}
}

// Subscribe returns a channel of session changes and a function that
// cancels the subscription. The channel holds only the latest event, so a
// slow reader sees the most recent state rather than every transition.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

func (s *Session) notify(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for ch := range s.subs {
		// Drop a stale pending event so the newest one fits.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// ParseSubject extracts the sub claim of a JWT. With a secret the token
// must be a valid HS256 token signed with it; without one the claims are
// decoded unverified.
func ParseSubject(token string, secret []byte) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return "", fmt.Errorf("token cannot be empty")
	}

	claims := &jwt.RegisteredClaims{}
	if len(secret) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return "", fmt.Errorf("failed to decode token: %w", err)
		}
	} else {
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return "", fmt.Errorf("invalid token: %w", err)
		}
	}

	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}
