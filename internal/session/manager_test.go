package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/ilnaes/syncpad/internal/common"
	"github.com/ilnaes/syncpad/internal/doctype/text"
	"github.com/ilnaes/syncpad/internal/persist"
	"github.com/ilnaes/syncpad/internal/store"
)

func setup(t *testing.T, queue int) *Manager {
	st := store.New(store.Config{
		Adapter:       persist.NewMemory(),
		DefaultType:   text.Name,
		SweepInterval: time.Hour,
	})
	m := New(st, Config{SendQueue: queue})
	t.Cleanup(func() {
		m.Close()
		st.Close(context.Background())
	})
	_, err := st.Create(context.Background(), "D", text.Name, json.RawMessage(`"Hi!"`))
	assert.Equal(t, err, nil)
	return m
}

func recv(t *testing.T, s *Session) common.Response {
	t.Helper()
	select {
	case r, ok := <-s.Out():
		if !ok {
			t.Fatalf("session %s closed", s.ID())
		}
		return r
	case <-time.After(time.Second):
		t.Fatalf("session %s got nothing", s.ID())
	}
	return common.Response{}
}

func empty(t *testing.T, s *Session) {
	t.Helper()
	select {
	case r := <-s.Out():
		t.Fatalf("unexpected %s on %s", r.Type, s.ID())
	default:
	}
}

func connect(t *testing.T, m *Manager) *Session {
	s := m.Connect("")
	hello := recv(t, s)
	assert.Equal(t, hello.Type, common.Hello)
	assert.Equal(t, hello.SessionId, s.ID())
	return s
}

func subscribe(t *testing.T, m *Manager, s *Session, doc string) common.Response {
	m.Handle(context.Background(), s, common.Request{Type: common.Subscribe, Seq: 1, DocId: doc})
	r := recv(t, s)
	assert.Equal(t, r.Type, common.Subscribed)
	return r
}

func op(seq, version int64, comps ...string) common.Request {
	b, _ := json.Marshal(comps)
	return common.Request{Type: common.Operation, Seq: seq, DocId: "D", Version: version, Payload: b}
}

func TestTwoEditors(t *testing.T) {
	ctx := context.Background()
	m := setup(t, 0)
	s1, s2 := connect(t, m), connect(t, m)

	ack := subscribe(t, m, s1, "D")
	assert.Equal(t, string(ack.Content), `"Hi!"`)
	assert.Equal(t, ack.Version, int64(0))
	assert.Equal(t, ack.DocType, text.Name)
	subscribe(t, m, s2, "D")

	m.Handle(ctx, s1, op(2, 0, "i,3,!!"))
	m.Handle(ctx, s2, op(2, 0, "i,0,>> "))

	a1 := recv(t, s1)
	assert.Equal(t, a1.Type, common.Accepted)
	assert.Equal(t, a1.Seq, int64(2))
	assert.Equal(t, a1.Version, int64(1))

	r1 := recv(t, s2)
	assert.Equal(t, r1.Type, common.RemoteOperation)
	assert.Equal(t, r1.Version, int64(1))
	assert.Equal(t, string(r1.Payload), `["i,3,!!"]`)
	a2 := recv(t, s2)
	assert.Equal(t, a2.Type, common.Accepted)
	assert.Equal(t, a2.Version, int64(2))

	r2 := recv(t, s1)
	assert.Equal(t, r2.Type, common.RemoteOperation)
	assert.Equal(t, r2.SessionId, s2.ID())
	var comps []string
	assert.Equal(t, json.Unmarshal(r2.Payload, &comps), nil)
	assert.Equal(t, comps, []string{"i,0,>> "})

	// no echoes
	empty(t, s1)
	empty(t, s2)

	m.Handle(ctx, s1, common.Request{Type: common.Fetch, Seq: 9, DocId: "D"})
	snap := recv(t, s1)
	assert.Equal(t, snap.Type, common.Snapshot)
	assert.Equal(t, snap.Seq, int64(9))
	assert.Equal(t, snap.Version, int64(2))
	var content string
	assert.Equal(t, json.Unmarshal(snap.Content, &content), nil)
	assert.Equal(t, content, ">> Hi!!!")
}

func TestRejected(t *testing.T) {
	ctx := context.Background()
	m := setup(t, 0)
	s1, s2 := connect(t, m), connect(t, m)
	subscribe(t, m, s1, "D")
	subscribe(t, m, s2, "D")

	m.Handle(ctx, s1, op(4, 0, "d,1,50"))
	r := recv(t, s1)
	assert.Equal(t, r.Type, common.Rejected)
	assert.Equal(t, r.Seq, int64(4))
	assert.Equal(t, r.Code, common.CodeProtocol)
	empty(t, s2)

	m.Handle(ctx, s1, op(5, 3, "i,0,x"))
	r = recv(t, s1)
	assert.Equal(t, r.Type, common.Rejected)
	assert.Equal(t, r.Code, common.CodeProtocol)

	m.Handle(ctx, s1, common.Request{Type: "Dance", Seq: 6})
	r = recv(t, s1)
	assert.Equal(t, r.Type, common.Error)
	assert.Equal(t, r.Seq, int64(6))

	m.Handle(ctx, s1, common.Request{Type: common.Subscribe, DocId: "D", DocType: "rich-text"})
	r = recv(t, s1)
	assert.Equal(t, r.Type, common.Error)
	assert.Equal(t, r.Code, common.CodeProtocol)
}

func drain(s *Session) {
	for {
		select {
		case <-s.Out():
		default:
			return
		}
	}
}

func TestPresenceFollowsEdits(t *testing.T) {
	ctx := context.Background()
	m := setup(t, 0)
	s1, s2 := connect(t, m), connect(t, m)
	subscribe(t, m, s1, "D")
	subscribe(t, m, s2, "D")

	m.Handle(ctx, s1, common.Request{Type: common.Presence, DocId: "D", Value: json.RawMessage(`{"index":2,"length":0}`)})
	m.Handle(ctx, s2, common.Request{Type: common.Presence, DocId: "D", Value: json.RawMessage(`{"index":0,"length":0}`)})
	m.Handle(ctx, s2, op(2, 0, "i,0,>> "))
	drain(s1)
	drain(s2)

	s3 := connect(t, m)
	ack := subscribe(t, m, s3, "D")
	var c1, c2 struct{ Index, Length int }
	assert.Equal(t, json.Unmarshal(ack.Presence[s1.ID()], &c1), nil)
	assert.Equal(t, json.Unmarshal(ack.Presence[s2.ID()], &c2), nil)
	assert.Equal(t, c1.Index, 5)
	// the author's cursor follows its own insert
	assert.Equal(t, c2.Index, 3)
}

func TestPresenceLeaveRace(t *testing.T) {
	ctx := context.Background()
	m := setup(t, 0)
	s, watcher := connect(t, m), connect(t, m)
	subscribe(t, m, watcher, "D")

	for i := 0; i < 50; i++ {
		subscribe(t, m, s, "D")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Handle(ctx, s, common.Request{Type: common.Presence, DocId: "D", Value: json.RawMessage(`{"index":1}`)})
		}()
		go func() {
			defer wg.Done()
			m.Handle(ctx, s, common.Request{Type: common.Unsubscribe, Seq: 2, DocId: "D"})
		}()
		wg.Wait()

		_, stale := m.presence.Snapshot("D", "")[s.ID()]
		assert.Equal(t, stale, false)
		drain(s)
		drain(watcher)
	}
}

func TestPresence(t *testing.T) {
	ctx := context.Background()
	m := setup(t, 0)
	s1, s2 := connect(t, m), connect(t, m)
	subscribe(t, m, s1, "D")
	subscribe(t, m, s2, "D")

	m.Handle(ctx, s1, common.Request{Type: common.Presence, DocId: "D", Value: json.RawMessage(`{"index":2}`)})
	p := recv(t, s2)
	assert.Equal(t, p.Type, common.RemotePresence)
	assert.Equal(t, p.SessionId, s1.ID())
	assert.Equal(t, string(p.Value), `{"index":2}`)
	empty(t, s1)

	// late joiners see existing cursors
	s3 := connect(t, m)
	ack := subscribe(t, m, s3, "D")
	assert.Equal(t, string(ack.Presence[s1.ID()]), `{"index":2}`)

	m.Disconnect(s1)
	for _, s := range []*Session{s2, s3} {
		p = recv(t, s)
		assert.Equal(t, p.Type, common.RemotePresence)
		assert.Equal(t, p.SessionId, s1.ID())
		assert.Equal(t, string(p.Value), "null")
	}
	assert.Equal(t, m.Count(), 2)

	_, ok := <-s1.Out()
	assert.Equal(t, ok, false)
	// disconnecting twice is harmless
	m.Disconnect(s1)

	m.Handle(ctx, s2, common.Request{Type: common.Unsubscribe, Seq: 3, DocId: "D"})
	r := recv(t, s2)
	assert.Equal(t, r.Type, common.Unsubscribed)
	assert.Equal(t, r.Seq, int64(3))
	p = recv(t, s3)
	assert.Equal(t, string(p.Value), "null")
}

func TestAuthorLeaves(t *testing.T) {
	ctx := context.Background()
	m := setup(t, 0)
	s1, s2 := connect(t, m), connect(t, m)
	subscribe(t, m, s1, "D")
	subscribe(t, m, s2, "D")

	m.Handle(ctx, s1, op(1, 0, "i,0,x"))
	m.Disconnect(s1)

	r := recv(t, s2)
	assert.Equal(t, r.Type, common.RemoteOperation)
	assert.Equal(t, r.Version, int64(1))
}

func TestSlowConsumer(t *testing.T) {
	ctx := context.Background()
	m := setup(t, 4)
	s1, s2 := connect(t, m), connect(t, m)
	subscribe(t, m, s1, "D")
	subscribe(t, m, s2, "D")

	// s2 never reads
	for i := int64(0); i < 10; i++ {
		m.Handle(ctx, s1, op(i, i, "i,0,x"))
		recv(t, s1)
	}

	deadline := time.Now().Add(time.Second)
	for m.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, m.Count(), 1)
}
