package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ilnaes/syncpad/internal/common"
	"github.com/ilnaes/syncpad/internal/doctype"
	"github.com/ilnaes/syncpad/internal/persist"
)

// View is a document's state at one version.
type View struct {
	ID      string
	Type    string
	Version int64
	Content json.RawMessage
}

// Commit describes one accepted operation.
type Commit struct {
	Origin  string // submitting session
	Seq     int64  // the origin's request seq
	Version int64
	Payload json.RawMessage

	Type doctype.Type
	Op   doctype.Op
}

// Document is the resident record for one id. All fields are guarded by
// mu; the store lock, when both are needed, is taken first.
type Document struct {
	id  string
	typ doctype.Type

	mu      sync.Mutex
	version int64
	content doctype.Content
	// ops committed at versions version-len(history)+1 .. version
	history     []doctype.Op
	subscribers map[string]struct{}
	idleSince   time.Time
	evicted     bool

	// set when the id had no durable record at load time
	fresh bool

	dirty        bool
	saving       chan struct{} // closed when the running save loop exits
	savedVersion int64
}

func newDocument(id string, typ doctype.Type, version int64, content doctype.Content) *Document {
	return &Document{
		id:           id,
		typ:          typ,
		version:      version,
		content:      content,
		subscribers:  make(map[string]struct{}),
		idleSince:    time.Now(),
		savedVersion: version,
	}
}

func (d *Document) ID() string   { return d.id }
func (d *Document) Type() string { return d.typ.Name() }

// Since implements doctype.History. Callers hold d.mu.
func (d *Document) Since(v int64) ([]doctype.Op, error) {
	first := d.version - int64(len(d.history))
	switch {
	case v > d.version || v < 0:
		return nil, common.Protocolf("base version %d but document %q is at %d", v, d.id, d.version)
	case v < first:
		return nil, common.Conflictf("base version %d of %q is older than retained history (from %d)", v, d.id, first)
	}
	return d.history[v-first:], nil
}

func (d *Document) view() (View, error) {
	b, err := d.content.Encode()
	if err != nil {
		return View{}, err
	}
	return View{ID: d.id, Type: d.typ.Name(), Version: d.version, Content: b}, nil
}

func (d *Document) snapshot() (*persist.Snapshot, error) {
	b, err := d.content.Encode()
	if err != nil {
		return nil, err
	}
	return &persist.Snapshot{ID: d.id, Type: d.typ.Name(), Version: d.version, Data: b}, nil
}

func (d *Document) subscriberList() []string {
	res := make([]string, 0, len(d.subscribers))
	for id := range d.subscribers {
		res = append(res, id)
	}
	return res
}

// commit installs a new state and trims history to limit entries.
func (d *Document) commit(content doctype.Content, op doctype.Op, limit int) {
	d.content = content
	d.version++
	d.history = append(d.history, op)
	if n := len(d.history) - limit; n > 0 {
		// copy so the dropped ops can be collected
		d.history = append([]doctype.Op(nil), d.history[n:]...)
	}
	d.dirty = true
}

func (d *Document) idle(now time.Time, timeout time.Duration) bool {
	return len(d.subscribers) == 0 && !d.idleSince.IsZero() && now.Sub(d.idleSince) >= timeout
}

func (d *Document) unsaved() bool {
	return d.dirty || d.saving != nil || d.savedVersion < d.version
}
