// Package store keeps the authoritative in-memory copy of every open
// document.
//
// Operations on one document are applied one at a time under that
// document's lock; different documents never share a lock. Accepted
// operations are handed to a Notifier while the lock is still held, so
// every subscriber observes commits in commit order. Durability is
// asynchronous: each document has at most one save in flight, retried with
// backoff, and a failed save never blocks further edits.
package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ilnaes/syncpad/internal/common"
	"github.com/ilnaes/syncpad/internal/doctype"
	"github.com/ilnaes/syncpad/internal/logger"
	"github.com/ilnaes/syncpad/internal/persist"
)

// Notifier receives every commit. It is called with the document locked
// and must not block or call back into the store for the same document.
type Notifier interface {
	Committed(docID string, c Commit, subscribers []string)
}

type Config struct {
	Adapter        persist.Adapter
	DefaultType    string
	HistoryLimit   int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	LoadTimeout    time.Duration
	SaveTimeout    time.Duration
	SaveMaxElapsed time.Duration
	Logger         *zap.Logger
}

func (c *Config) norm() {
	if c.Adapter == nil {
		c.Adapter = persist.NewMemory()
	}
	if c.DefaultType == "" {
		c.DefaultType = "rich-text"
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 10 * time.Second
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 10 * time.Second
	}
	if c.SaveMaxElapsed <= 0 {
		c.SaveMaxElapsed = time.Minute
	}
	if c.Logger == nil {
		c.Logger = logger.Log
	}
}

type Store struct {
	cfg      Config
	log      *zap.Logger
	notifier Notifier

	mu     sync.Mutex
	docs   map[string]*Document
	closed bool
	loads  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New starts a store and its idle sweeper.
func New(cfg Config) *Store {
	cfg.norm()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		cfg:    cfg,
		log:    cfg.Logger.Named("store"),
		docs:   make(map[string]*Document),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweeper()
	return s
}

// SetNotifier installs the commit hook. Call it before serving.
func (s *Store) SetNotifier(n Notifier) { s.notifier = n }

// Open returns the resident document for id, loading it or creating it
// with typeName's empty content when it does not exist. Concurrent opens
// of one id share a single load.
func (s *Store) Open(ctx context.Context, id, typeName string) (*Document, error) {
	if id == "" {
		return nil, common.Protocolf("missing document id")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.Wrap(common.ErrClosed, "store")
	}
	d, ok := s.docs[id]
	s.mu.Unlock()

	if !ok {
		ch := s.loads.DoChan(id, func() (interface{}, error) {
			return s.load(id, typeName)
		})
		timer := time.NewTimer(s.cfg.LoadTimeout)
		defer timer.Stop()

		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			d = res.Val.(*Document)
		case <-timer.C:
			// let the next open start over instead of joining a wedged load
			s.loads.Forget(id)
			return nil, errors.Wrapf(common.ErrTimeout, "loading %q", id)
		case <-ctx.Done():
			return nil, errors.Wrap(common.ErrTimeout, ctx.Err().Error())
		}
	}

	if typeName != "" && typeName != d.Type() {
		return nil, common.Protocolf("document %q is %s, not %s", id, d.Type(), typeName)
	}
	return d, nil
}

func (s *Store) load(id, typeName string) (*Document, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.LoadTimeout)
	defer cancel()

	var d *Document
	snap, err := s.cfg.Adapter.Load(ctx, id)
	switch {
	case err == nil:
		typ, err := doctype.Lookup(snap.Type)
		if err != nil {
			return nil, errors.Wrapf(common.ErrPersistence, "stored %q: %v", id, err)
		}
		content, err := typ.DecodeContent(snap.Data)
		if err != nil {
			return nil, errors.Wrapf(common.ErrPersistence, "stored %q: %v", id, err)
		}
		d = newDocument(id, typ, snap.Version, content)
		s.log.Debug("loaded", zap.String("doc", id), zap.Int64("version", snap.Version))

	case errors.Is(err, common.ErrNotFound):
		if typeName == "" {
			typeName = s.cfg.DefaultType
		}
		typ, err := doctype.Lookup(typeName)
		if err != nil {
			return nil, err
		}
		d = newDocument(id, typ, 0, typ.Empty())
		d.fresh = true
		s.log.Debug("created", zap.String("doc", id), zap.String("type", typeName))

	default:
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.Wrap(common.ErrClosed, "store")
	}
	if cur, ok := s.docs[id]; ok {
		// an earlier load that timed out got there first
		return cur, nil
	}
	s.docs[id] = d
	return d, nil
}

// locked opens id and runs fn with the document locked, retrying when
// the document is evicted in between.
func (s *Store) locked(ctx context.Context, id, typeName string, fn func(d *Document) error) error {
	for {
		d, err := s.Open(ctx, id, typeName)
		if err != nil {
			return err
		}
		if retry, err := s.run(d, fn); !retry {
			return err
		}
	}
}

// run calls fn with d locked. A panic inside fn becomes an error so that
// the document is never left locked.
func (s *Store) run(d *Document, fn func(d *Document) error) (retry bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.evicted {
		return true, nil
	}

	defer func() {
		if p := recover(); p != nil {
			s.log.Error("document operation panicked", zap.String("doc", d.id), zap.Any("panic", p))
			err = errors.Errorf("document %q: %v", d.id, p)
		}
	}()
	return false, fn(d)
}

// Create seeds a document with content unless it already exists, durably
// or in memory. It reports whether the document was created.
func (s *Store) Create(ctx context.Context, id, typeName string, content json.RawMessage) (bool, error) {
	created := false
	err := s.locked(ctx, id, typeName, func(d *Document) error {
		if !d.fresh || d.version != 0 || d.dirty {
			return nil
		}
		c, err := d.typ.DecodeContent(content)
		if err != nil {
			return err
		}
		d.content = c
		d.fresh = false
		d.dirty = true
		d.savedVersion = -1
		s.scheduleSave(d)
		created = true
		return nil
	})
	return created, err
}

// Fetch returns the current state without subscribing.
func (s *Store) Fetch(ctx context.Context, id, typeName string) (View, error) {
	var v View
	err := s.locked(ctx, id, typeName, func(d *Document) (err error) {
		v, err = d.view()
		return err
	})
	return v, err
}

// Subscribe adds session to the document's subscribers and passes the
// current state to joined while the document is still locked, so the
// caller can queue it ahead of any later commit.
func (s *Store) Subscribe(ctx context.Context, id, typeName, session string, joined func(View)) error {
	return s.locked(ctx, id, typeName, func(d *Document) error {
		v, err := d.view()
		if err != nil {
			return err
		}
		d.subscribers[session] = struct{}{}
		d.idleSince = time.Time{}
		if joined != nil {
			joined(v)
		}
		return nil
	})
}

// Unsubscribe removes session and reports whether it was subscribed.
func (s *Store) Unsubscribe(id, session string) bool {
	s.mu.Lock()
	d, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[session]; !ok {
		return false
	}
	delete(d.subscribers, session)
	if len(d.subscribers) == 0 {
		d.idleSince = time.Now()
	}
	return true
}

// WithSubscribers runs fn with the sessions following id while holding
// the document lock, so no one joins or leaves until fn returns. fn gets
// nil when id is not resident.
func (s *Store) WithSubscribers(id string, fn func(subscribers []string)) {
	s.mu.Lock()
	d, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		fn(nil)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.evicted {
		fn(nil)
		return
	}
	fn(d.subscriberList())
}

// Submit reconciles payload, authored by session against base, with the
// document and commits it. The notifier sees the commit before Submit
// returns. A failed submit leaves the document untouched.
func (s *Store) Submit(ctx context.Context, id, session string, seq, base int64, payload json.RawMessage) (Commit, error) {
	var c Commit
	err := s.locked(ctx, id, "", func(d *Document) error {
		op, err := d.typ.DecodeOp(payload)
		if err != nil {
			return err
		}
		if op, err = d.typ.Reconcile(d, base, op); err != nil {
			return err
		}
		content, err := d.typ.Apply(d.content, op)
		if err != nil {
			return err
		}
		enc, err := op.Encode()
		if err != nil {
			return errors.Wrap(err, "encode op")
		}

		d.commit(content, op, s.cfg.HistoryLimit)
		d.fresh = false
		c = Commit{Origin: session, Seq: seq, Version: d.version, Payload: enc, Type: d.typ, Op: op}
		if s.notifier != nil {
			s.notifier.Committed(id, c, d.subscriberList())
		}
		s.scheduleSave(d)
		return nil
	})
	return c, err
}

// Count is the number of resident documents.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *Store) sweeper() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweep(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// sweep evicts idle documents whose content is durable, and restarts
// saves that gave up.
func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.docs {
		d.mu.Lock()
		if d.idle(now, s.cfg.IdleTimeout) {
			if !d.unsaved() {
				d.evicted = true
				delete(s.docs, id)
				s.log.Debug("evicted", zap.String("doc", id), zap.Int64("version", d.version))
			} else if d.saving == nil {
				s.scheduleSave(d)
			}
		}
		d.mu.Unlock()
	}
}

// Close stops the sweeper, refuses new opens, and waits for pending saves
// until ctx is done. Saves still running after that are abandoned.
func (s *Store) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.mu.Lock()
	s.closed = true
	for _, d := range s.docs {
		d.mu.Lock()
		if d.saving == nil && d.unsaved() {
			s.scheduleSave(d)
		}
		d.mu.Unlock()
	}
	s.mu.Unlock()

	err := s.Flush(ctx)
	s.cancel()
	return err
}
