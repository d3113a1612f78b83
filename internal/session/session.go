package session

import (
	"sync"

	"github.com/ilnaes/syncpad/internal/common"
)

// Session is one connected client. Outbound messages go through a bounded
// queue drained by the transport; Out is closed when the session ends.
type Session struct {
	id   string
	user string

	mu     sync.Mutex
	out    chan common.Response
	subs   map[string]struct{}
	closed bool
}

func newSession(id, user string, queue int) *Session {
	return &Session{
		id:   id,
		user: user,
		out:  make(chan common.Response, queue),
		subs: make(map[string]struct{}),
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) User() string { return s.user }

// Out yields the messages to write to the client.
func (s *Session) Out() <-chan common.Response { return s.out }

// send queues r without blocking. It returns false only when the queue is
// full; messages to a closed session are dropped.
func (s *Session) send(r common.Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.out <- r:
		return true
	default:
		return false
	}
}

func (s *Session) follow(doc string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.subs[doc] = struct{}{}
	return true
}

func (s *Session) unfollow(doc string) {
	s.mu.Lock()
	delete(s.subs, doc)
	s.mu.Unlock()
}

// close marks the session closed and returns the documents it followed.
// Only the first call gets them.
func (s *Session) close() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	docs := make([]string, 0, len(s.subs))
	for d := range s.subs {
		docs = append(docs, d)
	}
	s.subs = nil
	close(s.out)
	return docs, true
}
