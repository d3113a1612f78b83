// Package rga implements a replicated growable array, a sequence CRDT.
//
// Every element carries a globally unique id and the id of the element it
// was inserted after. Deleted elements stay in the tree as tombstones so
// later inserts can still anchor on them. Siblings are ordered by
// descending id, which gives every replica the same linearization no
// matter in which order updates arrive. Updates whose anchor has not
// arrived yet are buffered.
package rga

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/ilnaes/syncpad/internal/common"
	"github.com/ilnaes/syncpad/internal/doctype"
)

const Name = "rga"

func init() {
	doctype.Register(Type{})
}

// ID identifies an element. Replicas pick counters above every counter
// they have seen, so ids double as Lamport timestamps.
type ID struct {
	Replica string `json:"replica"`
	Counter int64  `json:"counter"`
}

func (a ID) less(b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Replica < b.Replica
}

func (a ID) valid() bool { return a.Replica != "" && a.Counter > 0 }

// Insert places Value after Parent, or at the head when Parent is nil.
type Insert struct {
	ID     ID     `json:"id"`
	Parent *ID    `json:"parent,omitempty"`
	Value  string `json:"value"`
}

// Update is the op type: a batch of inserts and tombstones.
type Update struct {
	Inserts []Insert `json:"inserts"`
	Deletes []ID     `json:"deletes"`
}

func (u Update) Encode() ([]byte, error) {
	if u.Inserts == nil {
		u.Inserts = []Insert{}
	}
	if u.Deletes == nil {
		u.Deletes = []ID{}
	}
	return json.Marshal(u)
}

type elem struct {
	parent  *ID
	value   string
	deleted bool
}

// State is the replicated document. It is never mutated after it is
// returned; Merge works on a copy.
type State struct {
	elems          map[ID]elem
	pendingInserts []Insert
	pendingDeletes []ID
}

func newState() *State {
	return &State{elems: make(map[ID]elem)}
}

func (s *State) clone() *State {
	c := &State{
		elems:          make(map[ID]elem, len(s.elems)),
		pendingInserts: append([]Insert(nil), s.pendingInserts...),
		pendingDeletes: append([]ID(nil), s.pendingDeletes...),
	}
	for id, e := range s.elems {
		c.elems[id] = e
	}
	return c
}

// Merge returns s with u folded in. Merging is idempotent, commutative and
// associative.
func (s *State) Merge(u Update) *State {
	c := s.clone()
	c.pendingInserts = append(c.pendingInserts, u.Inserts...)
	c.pendingDeletes = append(c.pendingDeletes, u.Deletes...)
	c.integrate()
	return c
}

func (s *State) integrate() {
	for progress := true; progress; {
		progress = false
		rest := s.pendingInserts[:0]
		for _, ins := range s.pendingInserts {
			if _, ok := s.elems[ins.ID]; ok {
				// duplicate delivery
				continue
			}
			if ins.Parent != nil {
				if _, ok := s.elems[*ins.Parent]; !ok {
					rest = append(rest, ins)
					continue
				}
			}
			s.elems[ins.ID] = elem{parent: ins.Parent, value: ins.Value}
			progress = true
		}
		s.pendingInserts = rest
	}

	rest := s.pendingDeletes[:0]
	seen := make(map[ID]bool, len(s.pendingDeletes))
	for _, id := range s.pendingDeletes {
		if seen[id] {
			continue
		}
		seen[id] = true
		e, ok := s.elems[id]
		if !ok {
			rest = append(rest, id)
			continue
		}
		e.deleted = true
		s.elems[id] = e
	}
	s.pendingDeletes = rest

	sort.Slice(s.pendingInserts, func(i, j int) bool {
		return s.pendingInserts[i].ID.less(s.pendingInserts[j].ID)
	})
	sort.Slice(s.pendingDeletes, func(i, j int) bool {
		return s.pendingDeletes[i].less(s.pendingDeletes[j])
	})
}

// order returns every element id, tombstones included, in document order.
func (s *State) order() []ID {
	var roots []ID
	children := make(map[ID][]ID)
	for id, e := range s.elems {
		if e.parent == nil {
			roots = append(roots, id)
		} else {
			children[*e.parent] = append(children[*e.parent], id)
		}
	}
	desc := func(ids []ID) {
		sort.Slice(ids, func(i, j int) bool { return ids[j].less(ids[i]) })
	}

	desc(roots)
	res := make([]ID, 0, len(s.elems))
	stack := make([]ID, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, roots[i])
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		res = append(res, id)
		kids := children[id]
		desc(kids)
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return res
}

// Text is the visible content.
func (s *State) Text() string {
	var b strings.Builder
	for _, id := range s.order() {
		if e := s.elems[id]; !e.deleted {
			b.WriteString(e.value)
		}
	}
	return b.String()
}

type encElem struct {
	ID      ID     `json:"id"`
	Parent  *ID    `json:"parent,omitempty"`
	Value   string `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
}

type encState struct {
	Text     string    `json:"text"`
	Elements []encElem `json:"elements"`
	Pending  Update    `json:"pending"`
}

func (s *State) Encode() ([]byte, error) {
	order := s.order()
	enc := encState{
		Text:     s.Text(),
		Elements: make([]encElem, len(order)),
		Pending: Update{
			Inserts: append([]Insert{}, s.pendingInserts...),
			Deletes: append([]ID{}, s.pendingDeletes...),
		},
	}
	for i, id := range order {
		e := s.elems[id]
		enc.Elements[i] = encElem{ID: id, Parent: e.parent, Value: e.value, Deleted: e.deleted}
	}
	return json.Marshal(enc)
}

// Decode rebuilds a state from its encoding. Elements must be listed so
// that every parent precedes its children.
func Decode(data []byte) (*State, error) {
	var enc encState
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, common.Protocolf("rga content: %v", err)
	}
	s := newState()
	for _, e := range enc.Elements {
		if !e.ID.valid() {
			return nil, common.Protocolf("rga content: bad element id %+v", e.ID)
		}
		if e.Parent != nil {
			if _, ok := s.elems[*e.Parent]; !ok {
				return nil, common.Protocolf("rga content: element %+v precedes its parent", e.ID)
			}
		}
		s.elems[e.ID] = elem{parent: e.Parent, value: e.Value, deleted: e.Deleted}
	}
	s.pendingInserts = enc.Pending.Inserts
	s.pendingDeletes = enc.Pending.Deletes
	s.integrate()
	return s, nil
}

// Type is the RGA document type.
type Type struct{}

func (Type) Name() string { return Name }

func (Type) Empty() doctype.Content { return newState() }

func (Type) DecodeContent(data []byte) (doctype.Content, error) {
	return Decode(data)
}

func (Type) DecodeOp(payload json.RawMessage) (doctype.Op, error) {
	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, common.Protocolf("rga update: %v", err)
	}
	for _, ins := range u.Inserts {
		if !ins.ID.valid() {
			return nil, common.Protocolf("rga insert: bad id %+v", ins.ID)
		}
		if ins.Parent != nil && *ins.Parent == ins.ID {
			return nil, common.Protocolf("rga insert: %+v anchored on itself", ins.ID)
		}
		if ins.Value == "" {
			return nil, common.Protocolf("rga insert: %+v has no value", ins.ID)
		}
	}
	for _, id := range u.Deletes {
		if !id.valid() {
			return nil, common.Protocolf("rga delete: bad id %+v", id)
		}
	}
	return u, nil
}

// Reconcile returns op unchanged: merge does not depend on the base.
func (Type) Reconcile(_ doctype.History, _ int64, op doctype.Op) (doctype.Op, error) {
	return op, nil
}

func (Type) Apply(c doctype.Content, op doctype.Op) (doctype.Content, error) {
	return c.(*State).Merge(op.(Update)), nil
}
