// Package session holds the signed-in user's credential for a client
// process and announces when it changes.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/npezzotti/roomsync/internal/types"
)

type Session struct {
	mu        sync.RWMutex
	user      *types.User
	token     string
	listeners map[int]chan struct{}
	nextId    int
}

func New() *Session {
	return &Session{listeners: make(map[int]chan struct{})}
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) User() (types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return types.User{}, false
	}
	return *s.user, true
}

// Set stores the credential for user. Listeners are notified when the token
// differs from the current one.
func (s *Session) Set(user types.User, token string) {
	s.mu.Lock()
	changed := s.token != token
	s.user = &user
	s.token = token
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// Clear forgets the credential, notifying listeners if one was held.
func (s *Session) Clear() {
	s.mu.Lock()
	changed := s.token != "" || s.user != nil
	s.user = nil
	s.token = ""
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// Revoke clears the session if it still holds token. A credential that has
// since been replaced is left alone.
func (s *Session) Revoke(token string) bool {
	s.mu.Lock()
	if token == "" || s.token != token {
		s.mu.Unlock()
		return false
	}
	s.user = nil
	s.token = ""
	s.mu.Unlock()

	s.notify()
	return true
}

// Changes returns a channel that receives a value after each credential
// change, and a function to stop listening. Notifications coalesce: a slow
// listener sees at least one value after any burst of changes.
func (s *Session) Changes() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextId
	s.nextId++
	ch := make(chan struct{}, 1)
	s.listeners[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type stored struct {
	User  types.User `json:"user"`
	Token string     `json:"token"`
}

// Save writes the credential to path with owner-only permissions.
func (s *Session) Save(path string) error {
	s.mu.RLock()
	if s.user == nil {
		s.mu.RUnlock()
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove session file: %w", err)
		}
		return nil
	}
	b, err := json.Marshal(stored{User: *s.user, Token: s.token})
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// Load restores a credential saved by Save. A missing file leaves the
// session empty.
func (s *Session) Load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read session file: %w", err)
	}

	var st stored
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("decode session file: %w", err)
	}
	if st.Token == "" {
		return nil
	}

	s.Set(st.User, st.Token)
	return nil
}
