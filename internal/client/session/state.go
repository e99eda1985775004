package session

import (
	"context"
	"sync"

	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
)

// State is the lifecycle position of one vault.
type State int

const (
	LoggedOut State = iota
	Authenticating
	TwoFactorPending
	Locked
	Unlocking
	Unlocked
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case Authenticating:
		return "authenticating"
	case TwoFactorPending:
		return "two_factor_pending"
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	}
	return "unknown"
}

// vaultSession is the in-memory side of a vault. keys is non-nil exactly
// when state is Unlocked.
//
// Sync and delivery passes hold keysMu shared for their whole run; anything
// that replaces or zeroes the keys holds it exclusively, after cancelling
// the running passes.
type vaultSession struct {
	unlockMu sync.Mutex
	syncMu   sync.Mutex
	keysMu   sync.RWMutex

	mu           sync.RWMutex
	state        State
	keys         *cryptox.SessionKeys
	authFailures int
	passes       map[*int]context.CancelFunc
	closing      int
}

func (s *vaultSession) current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// unlocked returns the session keys, or nil when the vault is not unlocked.
func (s *vaultSession) unlocked() *cryptox.SessionKeys {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Unlocked {
		return nil
	}
	return s.keys
}

// begin starts a pass that uses the session keys. The returned context is
// cancelled when the vault locks; end must be called once the pass is over.
func (s *vaultSession) begin(ctx context.Context) (context.Context, *cryptox.SessionKeys, func(), error) {
	s.keysMu.RLock()
	s.mu.Lock()
	if s.state != Unlocked || s.keys == nil || s.closing > 0 {
		s.mu.Unlock()
		s.keysMu.RUnlock()
		return nil, nil, nil, common.ErrVaultLocked
	}
	keys := s.keys
	ctx, cancel := context.WithCancel(ctx)
	token := new(int)
	if s.passes == nil {
		s.passes = make(map[*int]context.CancelFunc)
	}
	s.passes[token] = cancel
	s.mu.Unlock()

	end := func() {
		s.mu.Lock()
		delete(s.passes, token)
		s.mu.Unlock()
		cancel()
		s.keysMu.RUnlock()
	}
	return ctx, keys, end, nil
}

// exclusive cancels the running passes, waits for them to end and runs fn
// with no pass holding the keys.
func (s *vaultSession) exclusive(fn func()) {
	s.mu.Lock()
	s.closing++
	for _, cancel := range s.passes {
		cancel()
	}
	s.mu.Unlock()

	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	fn()

	s.mu.Lock()
	s.closing--
	s.mu.Unlock()
}

func (s *vaultSession) setUnlocked(keys *cryptox.SessionKeys) {
	s.exclusive(func() { s.install(keys) })
}

func (s *vaultSession) install(keys *cryptox.SessionKeys) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys.Clear()
	s.keys = keys
	s.state = Unlocked
	s.authFailures = 0
}

// drop zeroes the keys and moves to next once no pass is using them.
func (s *vaultSession) drop(next State) {
	s.exclusive(func() { s.clear(next) })
}

func (s *vaultSession) clear(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys.Clear()
	s.keys = nil
	s.state = next
}

func (s *vaultSession) set(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
}
