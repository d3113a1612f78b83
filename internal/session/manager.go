// Package session routes client requests to the document store and the
// presence channel, and fans committed operations back out.
package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ilnaes/syncpad/internal/common"
	"github.com/ilnaes/syncpad/internal/doctype"
	"github.com/ilnaes/syncpad/internal/logger"
	"github.com/ilnaes/syncpad/internal/presence"
	"github.com/ilnaes/syncpad/internal/store"
)

type Config struct {
	SendQueue int
	Logger    *zap.Logger
}

func (c *Config) norm() {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.Logger == nil {
		c.Logger = logger.Log
	}
}

type Manager struct {
	cfg      Config
	log      *zap.Logger
	store    *store.Store
	presence *presence.Channel

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New builds a manager on top of st and installs itself as st's commit
// notifier.
func New(st *store.Store, cfg Config) *Manager {
	cfg.norm()
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger.Named("session"),
		store:    st,
		sessions: make(map[string]*Session),
	}
	m.presence = presence.New(st.WithSubscribers, m)
	st.SetNotifier(m)
	return m
}

// Connect registers a new session for user and greets it with its id.
func (m *Manager) Connect(user string) *Session {
	s := newSession(uuid.NewString(), user, m.cfg.SendQueue)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.send(common.Response{Type: common.Hello, SessionId: s.id})
	m.log.Debug("connected", zap.String("session", s.id), zap.String("user", user))
	return s
}

// Disconnect ends s: it leaves every document, its presence is cleared
// for the remaining subscribers, and its queue is closed. Safe to call
// more than once.
func (m *Manager) Disconnect(s *Session) {
	docs, ok := s.close()
	if !ok {
		return
	}
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	for _, doc := range docs {
		m.store.Unsubscribe(doc, s.id)
		m.presence.Clear(doc, s.id)
	}
	m.presence.Drop(s.id)
	m.log.Debug("disconnected", zap.String("session", s.id), zap.Int("docs", len(docs)))
}

func (m *Manager) lookup(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Deliver queues r for the session with the given id. A session that
// cannot keep up is disconnected.
func (m *Manager) Deliver(id string, r common.Response) {
	if s := m.lookup(id); s != nil {
		m.deliver(s, r)
	}
}

func (m *Manager) deliver(s *Session, r common.Response) {
	if !s.send(r) {
		m.log.Warn("send queue full, dropping session", zap.String("session", s.id))
		// callers may hold a document lock that Disconnect needs
		go m.Disconnect(s)
	}
}

// Committed acknowledges c to its origin and forwards it to every other
// subscriber. The store calls it in commit order. Stored cursors move
// past the operation so late joiners see them where the text now is.
func (m *Manager) Committed(docID string, c store.Commit, subscribers []string) {
	if c.Type != nil {
		m.presence.Shift(docID, c.Origin, func(v json.RawMessage, own bool) json.RawMessage {
			return doctype.TransformPresence(c.Type, v, c.Op, own)
		})
	}

	if s := m.lookup(c.Origin); s != nil {
		m.deliver(s, common.Response{
			Type:    common.Accepted,
			Seq:     c.Seq,
			DocId:   docID,
			Version: c.Version,
			Payload: c.Payload,
		})
	}

	remote := common.Response{
		Type:      common.RemoteOperation,
		DocId:     docID,
		Version:   c.Version,
		Payload:   c.Payload,
		SessionId: c.Origin,
	}
	for _, id := range subscribers {
		if id != c.Origin {
			m.Deliver(id, remote)
		}
	}
}

// Handle serves one request from s. Failures are reported to s alone.
func (m *Manager) Handle(ctx context.Context, s *Session, req common.Request) {
	var err error
	switch req.Type {
	case common.Subscribe:
		err = m.subscribe(ctx, s, req)
	case common.Unsubscribe:
		if m.store.Unsubscribe(req.DocId, s.id) {
			m.presence.Clear(req.DocId, s.id)
		}
		s.unfollow(req.DocId)
		m.deliver(s, common.Response{Type: common.Unsubscribed, Seq: req.Seq, DocId: req.DocId})
	case common.Fetch:
		var v store.View
		if v, err = m.store.Fetch(ctx, req.DocId, req.DocType); err == nil {
			m.deliver(s, common.Response{
				Type:    common.Snapshot,
				Seq:     req.Seq,
				DocId:   req.DocId,
				DocType: v.Type,
				Version: v.Version,
				Content: v.Content,
			})
		}
	case common.Operation:
		// the ack comes from Committed so it stays ordered with remote ops
		_, err = m.store.Submit(ctx, req.DocId, s.id, req.Seq, req.Version, req.Payload)
	case common.Presence:
		err = m.presence.Publish(req.DocId, s.id, req.Value)
	default:
		err = common.Protocolf("unknown message type %q", req.Type)
	}

	if err != nil {
		m.log.Debug("request failed", zap.String("session", s.id),
			zap.String("type", string(req.Type)), zap.String("doc", req.DocId), zap.Error(err))
		m.deliver(s, common.ErrorResponse(req, err))
	}
}

func (m *Manager) subscribe(ctx context.Context, s *Session, req common.Request) error {
	joined := false
	err := m.store.Subscribe(ctx, req.DocId, req.DocType, s.id, func(v store.View) {
		joined = s.follow(req.DocId)
		m.deliver(s, common.Response{
			Type:     common.Subscribed,
			Seq:      req.Seq,
			DocId:    req.DocId,
			DocType:  v.Type,
			Version:  v.Version,
			Content:  v.Content,
			Presence: m.presence.Snapshot(req.DocId, s.id),
		})
	})
	if err == nil && !joined {
		// the session closed while subscribing
		m.store.Unsubscribe(req.DocId, s.id)
	}
	return err
}

// Count is the number of connected sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close disconnects every session.
func (m *Manager) Close() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		m.Disconnect(s)
	}
}
