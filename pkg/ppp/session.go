package ppp

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Identifier is the identifier sequence shared by every control protocol of
// a session. The zero value starts at 1 on the first Next.
type Identifier struct {
	value uint8
	mu    sync.Mutex
}

// Next increments the sequence and returns the new value
func (i *Identifier) Next() uint8 {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.value++
	return i.value
}

// Current returns the last value handed out
func (i *Identifier) Current() uint8 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.value
}

// Session is the context shared by the control phases of one PPP session.
// Kill is its single failure exit.
type Session struct {
	ID        string
	CreatedAt time.Time

	identifier Identifier

	onKill   func(err error)
	killOnce sync.Once
	done     chan struct{}
	err      error
	mu       sync.RWMutex

	logger *zap.Logger
}

// NewSession creates a new session context
func NewSession(logger *zap.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
		logger:    logger.With(zap.String("session_id", id)),
	}
}

// Identifier returns the session's identifier sequence
func (s *Session) Identifier() *Identifier {
	return &s.identifier
}

// Logger returns the session-scoped logger
func (s *Session) Logger() *zap.Logger {
	return s.logger
}

// SetOnKill sets the callback invoked once when the session is killed
func (s *Session) SetOnKill(callback func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKill = callback
}

// Kill terminates the session. Only the first call has any effect.
func (s *Session) Kill(err error) {
	s.killOnce.Do(func() {
		if err == nil {
			err = ErrKilled
		}

		s.mu.Lock()
		s.err = err
		callback := s.onKill
		s.mu.Unlock()

		s.logger.Error("Session killed",
			zap.Error(err),
			zap.Uint8("last_identifier", s.identifier.Current()),
		)

		close(s.done)
		if callback != nil {
			callback(err)
		}
	})
}

// Done returns a channel closed when the session is killed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the kill reason, nil while the session is alive
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// IsKilled returns true once Kill has been called
func (s *Session) IsKilled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
