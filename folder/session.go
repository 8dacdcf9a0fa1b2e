// Package folder keeps folder handles in the state their callers need and
// builds the message operations (find, move, delete) on top of them.
package folder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhcgn/mailsig/mailerr"
	"github.com/dhcgn/mailsig/mailstore"
)

// DefaultRetryDelay is the pause between two attempts to open a folder.
const DefaultRetryDelay = 250 * time.Millisecond

// State is the lifecycle state of a Session.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures sessions.
type Options struct {
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Session owns a single folder handle. All operations on the handle go
// through Do, so at most one of them is outstanding at a time.
type Session struct {
	mu     sync.Mutex
	folder mailstore.Folder
	delay  time.Duration
	logger *slog.Logger
	state  atomic.Int32
}

// NewSession wraps f. The handle must not be used by anything else.
func NewSession(f mailstore.Folder, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		folder: f,
		delay:  opts.RetryDelay,
		logger: opts.Logger,
	}
}

// Name returns the folder name.
func (s *Session) Name() string {
	return s.folder.Name()
}

// State reports the last observed lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Ensure returns once the folder is open in a mode satisfying mode. A folder
// open in a weaker mode is closed without expunging and reopened. Transient
// open failures are retried until ctx is done; fatal ones are returned.
func (s *Session) Ensure(ctx context.Context, mode mailstore.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensure(ctx, mode)
}

// Do runs fn with the folder open in at least mode, holding the session for
// the duration of the call.
func (s *Session) Do(ctx context.Context, mode mailstore.Mode, fn func(ctx context.Context, f mailstore.Folder) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(ctx, mode); err != nil {
		return err
	}
	return fn(ctx, s.folder)
}

// Close closes the folder, expunging deleted messages when expunge is set.
func (s *Session) Close(ctx context.Context, expunge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.folder.IsOpen() {
		s.setState(StateClosed)
		return nil
	}
	err := s.folder.Close(ctx, expunge)
	s.setState(StateClosed)
	if err != nil {
		return fmt.Errorf("close %s: %w", s.folder.Name(), err)
	}
	return nil
}

func (s *Session) ensure(ctx context.Context, mode mailstore.Mode) error {
	name := s.folder.Name()
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			s.setState(s.observed())
			return mailerr.Cancelled(ctx, "ensure "+name)
		}
		if s.folder.IsOpen() && s.folder.Mode().Satisfies(mode) {
			s.setState(StateOpen)
			return nil
		}

		s.setState(StateOpening)
		err := s.reopen(ctx, mode)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			s.setState(s.observed())
			return mailerr.Cancelled(ctx, "ensure "+name)
		}
		if !mailerr.Retryable(err) {
			s.setState(s.observed())
			return fmt.Errorf("ensure %s %s: %w", name, mode, err)
		}

		if s.logger != nil {
			s.logger.Warn("Folder open failed, retrying", "folder", name, "mode", mode.String(), "attempt", attempt, "err", err)
		}
		select {
		case <-ctx.Done():
			s.setState(s.observed())
			return mailerr.Cancelled(ctx, "ensure "+name)
		case <-time.After(s.delay):
		}
	}
}

func (s *Session) reopen(ctx context.Context, mode mailstore.Mode) error {
	if s.folder.IsOpen() {
		if s.logger != nil {
			s.logger.Debug("Reopening folder", "folder", s.folder.Name(), "from", s.folder.Mode().String(), "to", mode.String())
		}
		if err := s.folder.Close(ctx, false); err != nil {
			return err
		}
	}
	return s.folder.Open(ctx, mode)
}

func (s *Session) observed() State {
	if s.folder.IsOpen() {
		return StateOpen
	}
	return StateClosed
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}
