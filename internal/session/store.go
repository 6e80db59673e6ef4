package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/shindanlab/keiei-ai/internal/diagnosis"
)

// Session holds one user's wizard state, addressed by an unguessable token.
// All access to the embedded state goes through With/View so concurrent
// HTTP handlers never race on it.
type Session struct {
	Token     string
	CreatedAt time.Time

	mu    sync.Mutex
	state *diagnosis.State
}

// With runs fn with exclusive access to the session state. Mutations made by
// fn are the only way session state changes after creation.
func (s *Session) With(fn func(st *diagnosis.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

// View runs fn with exclusive access for read-style operations that still
// need a stable snapshot.
func (s *Session) View(fn func(st *diagnosis.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// Store is the in-memory session registry. Sessions live for the process
// lifetime only; nothing is persisted.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

func generateToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Create starts a new session at the intake stage.
func (s *Store) Create() *Session {
	sess := &Session{
		Token:     generateToken(),
		CreatedAt: time.Now(),
		state:     diagnosis.NewState(),
	}
	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()
	return sess
}

// Get returns the session for token, or nil when unknown.
func (s *Store) Get(token string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[token]
}

// Delete discards a session. Unknown tokens are a no-op.
func (s *Store) Delete(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
