// Package presence fans out ephemeral per-session state such as cursors.
// Nothing here is persisted or versioned.
package presence

import (
	"encoding/json"
	"sync"

	"github.com/ilnaes/syncpad/internal/common"
)

// Sink delivers a message to one session without blocking.
type Sink interface {
	Deliver(session string, r common.Response)
}

// Members runs fn with the sessions following a document. Membership
// must not change until fn returns.
type Members func(docID string, fn func(subscribers []string))

type Channel struct {
	members Members
	sink    Sink

	mu   sync.Mutex
	docs map[string]map[string]json.RawMessage // doc -> session -> value
}

func New(members Members, sink Sink) *Channel {
	return &Channel{
		members: members,
		sink:    sink,
		docs:    make(map[string]map[string]json.RawMessage),
	}
}

// Publish records value as from's presence on docID and sends it to every
// other subscriber. A later publish replaces an earlier one.
func (c *Channel) Publish(docID, from string, value json.RawMessage) error {
	if common.IsNull(value) {
		c.Clear(docID, from)
		return nil
	}
	var err error
	c.members(docID, func(subs []string) {
		if !contains(subs, from) {
			err = common.Protocolf("presence on %q without subscribing", docID)
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		m, ok := c.docs[docID]
		if !ok {
			m = make(map[string]json.RawMessage)
			c.docs[docID] = m
		}
		m[from] = value
		c.fanout(docID, from, value, subs)
	})
	return err
}

// Clear drops from's presence on docID and tells the remaining
// subscribers to discard it.
func (c *Channel) Clear(docID, from string) {
	c.members(docID, func(subs []string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if m, ok := c.docs[docID]; ok {
			delete(m, from)
			if len(m) == 0 {
				delete(c.docs, docID)
			}
		}
		c.fanout(docID, from, json.RawMessage("null"), subs)
	})
}

// Shift rewrites every value stored on docID with fn, which is told
// whether the value belongs to author. Nothing is sent; subscribers move
// their own copies when they apply the same operation.
func (c *Channel) Shift(docID, author string, fn func(v json.RawMessage, own bool) json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sess, v := range c.docs[docID] {
		c.docs[docID][sess] = fn(v, sess == author)
	}
}

// Snapshot returns the current presence on docID, leaving out except.
func (c *Channel) Snapshot(docID, except string) map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res map[string]json.RawMessage
	for sess, v := range c.docs[docID] {
		if sess == except {
			continue
		}
		if res == nil {
			res = make(map[string]json.RawMessage)
		}
		res[sess] = v
	}
	return res
}

// Drop forgets everything session published without notifying anyone.
func (c *Channel) Drop(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for doc, m := range c.docs {
		delete(m, session)
		if len(m) == 0 {
			delete(c.docs, doc)
		}
	}
}

func (c *Channel) fanout(docID, from string, value json.RawMessage, subs []string) {
	r := common.Response{
		Type:      common.RemotePresence,
		DocId:     docID,
		SessionId: from,
		Value:     value,
	}
	for _, s := range subs {
		if s != from {
			c.sink.Deliver(s, r)
		}
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
