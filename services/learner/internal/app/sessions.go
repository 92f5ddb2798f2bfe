package app

import (
	"sync"
	"sync/atomic"
	"time"

	"gamedo/internal/util"
	"gamedo/pkg/gateway"
)

// DefaultSessionTTL is how long a session may stay idle before it is dropped.
const DefaultSessionTTL = 12 * time.Hour

// UserSession is one signed-in account on this device. Boards are opened on
// first use and closed on logout or expiry.
type UserSession struct {
	Token   string
	Session gateway.Session

	// Unix nanoseconds. Not guarded by mu.
	lastSeen atomic.Int64

	mu           sync.Mutex
	closed       bool
	roomBoard    *gateway.RoomBoard
	teacherBoard *gateway.TeacherBoard
}

// Username is the local account name.
func (s *UserSession) Username() string {
	return s.Session.Account.Username
}

// close releases the boards. A closed session never opens new ones.
func (s *UserSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.roomBoard != nil {
		s.roomBoard.Close()
		s.roomBoard = nil
	}
	if s.teacherBoard != nil {
		s.teacherBoard.Close()
		s.teacherBoard = nil
	}
}

func (s *UserSession) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *UserSession) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// sessionTable maps opaque bearer tokens to signed-in accounts. Sessions hold
// live subscriptions, so they never leave the process.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*UserSession
	ttl      time.Duration
	now      func() time.Time
}

func newSessionTable(ttl time.Duration, now func() time.Time) *sessionTable {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &sessionTable{sessions: make(map[string]*UserSession), ttl: ttl, now: now}
}

func (t *sessionTable) create(session gateway.Session) *UserSession {
	us := &UserSession{Token: util.NewToken(), Session: session}
	us.touch(t.now())
	t.mu.Lock()
	t.sessions[us.Token] = us
	t.mu.Unlock()
	return us
}

// get returns a live session and refreshes its idle timer. An idle session is
// dropped on lookup.
func (t *sessionTable) get(token string) (*UserSession, bool) {
	now := t.now()
	t.mu.Lock()
	us, ok := t.sessions[token]
	if ok && us.idleSince(now) > t.ttl {
		delete(t.sessions, token)
		t.mu.Unlock()
		us.close()
		return nil, false
	}
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	us.touch(now)
	return us, true
}

func (t *sessionTable) remove(token string) bool {
	t.mu.Lock()
	us, ok := t.sessions[token]
	delete(t.sessions, token)
	t.mu.Unlock()
	if ok {
		us.close()
	}
	return ok
}

// sweep closes every session idle for longer than the TTL.
func (t *sessionTable) sweep() int {
	now := t.now()
	var expired []*UserSession
	t.mu.Lock()
	for token, us := range t.sessions {
		if us.idleSince(now) > t.ttl {
			expired = append(expired, us)
			delete(t.sessions, token)
		}
	}
	t.mu.Unlock()
	for _, us := range expired {
		us.close()
	}
	return len(expired)
}

func (t *sessionTable) removeAll() int {
	t.mu.Lock()
	all := t.sessions
	t.sessions = make(map[string]*UserSession)
	t.mu.Unlock()
	for _, us := range all {
		us.close()
	}
	return len(all)
}
