package agent

import (
	"sync"
	"time"

	"github.com/basemate/basemate/pkg/llm"
)

// Admission is the outcome of trying to start work for a sender.
type Admission int

const (
	// AdmitOK means the caller now holds the sender's processing slot
	// and must call Release exactly once.
	AdmitOK Admission = iota
	// AdmitBusy means a previous message from the sender is still in
	// flight. The new message is dropped, not queued.
	AdmitBusy
	// AdmitRateLimited means the sender sent again inside the rate
	// window. RetryAfter carries the whole-second wait.
	AdmitRateLimited
)

func (a Admission) String() string {
	switch a {
	case AdmitOK:
		return "ok"
	case AdmitBusy:
		return "busy"
	case AdmitRateLimited:
		return "rate-limited"
	default:
		return "unknown"
	}
}

type session struct {
	lastRequestAt time.Time
	processing    bool
	greeted       bool
	history       []llm.Message
}

// SessionRegistry owns all per-sender state: the processing flag, the
// rate-limit clock, the greeted marker and the bounded history. Every
// field is guarded by one mutex; handlers for different senders only
// contend on the map lookup.
type SessionRegistry struct {
	mu           sync.Mutex
	sessions     map[string]*session
	window       time.Duration
	historyLimit int
	now          func() time.Time
}

// NewSessionRegistry builds a registry with the given rate window and
// history cap. Non-positive arguments fall back to 5s and 10 entries.
func NewSessionRegistry(window time.Duration, historyLimit int) *SessionRegistry {
	if window <= 0 {
		window = 5 * time.Second
	}
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &SessionRegistry{
		sessions:     make(map[string]*session),
		window:       window,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

func (r *SessionRegistry) get(senderID string) *session {
	s, ok := r.sessions[senderID]
	if !ok {
		s = &session{}
		r.sessions[senderID] = s
	}
	return s
}

// TryAcquire attempts to claim the sender's processing slot. Busy wins
// over rate-limited: an in-flight message means the new one is dropped
// regardless of timing. On AdmitRateLimited, retryAfter is the
// remaining wait rounded up to whole seconds.
func (r *SessionRegistry) TryAcquire(senderID string) (Admission, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(senderID)
	if s.processing {
		return AdmitBusy, 0
	}

	now := r.now()
	if !s.lastRequestAt.IsZero() {
		elapsed := now.Sub(s.lastRequestAt)
		if elapsed < r.window {
			remaining := r.window - elapsed
			secs := int((remaining + time.Second - 1) / time.Second)
			return AdmitRateLimited, secs
		}
	}

	s.processing = true
	s.lastRequestAt = now
	return AdmitOK, 0
}

// Release clears the sender's processing slot. Safe to call for a
// sender that was never acquired.
func (r *SessionRegistry) Release(senderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[senderID]; ok {
		s.processing = false
	}
}

// Append pushes a message onto the sender's history, evicting from the
// head once the cap is reached.
func (r *SessionRegistry) Append(senderID string, msg llm.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(senderID)
	s.history = append(s.history, msg)
	if over := len(s.history) - r.historyLimit; over > 0 {
		s.history = append([]llm.Message(nil), s.history[over:]...)
	}
}

// History returns a copy of the sender's history, oldest first.
func (r *SessionRegistry) History(senderID string) []llm.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[senderID]
	if !ok || len(s.history) == 0 {
		return nil
	}
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Reset drops the sender's history. Called after a completion failure
// so a half-formed exchange is never replayed on the next turn.
func (r *SessionRegistry) Reset(senderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[senderID]; ok {
		s.history = nil
	}
}

// Greeted reports whether the sender has already received the
// onboarding message.
func (r *SessionRegistry) Greeted(senderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[senderID]
	return ok && s.greeted
}

// MarkGreeted records a sender as onboarded.
func (r *SessionRegistry) MarkGreeted(senderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(senderID).greeted = true
}
