package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/pkg/errors"

	"github.com/ilnaes/syncpad/internal/common"
	"github.com/ilnaes/syncpad/internal/doctype"
	"github.com/ilnaes/syncpad/internal/doctype/text"
	"github.com/ilnaes/syncpad/internal/persist"
)

type recorder struct {
	mu      sync.Mutex
	commits []Commit
	subs    [][]string
}

func (r *recorder) Committed(_ string, c Commit, subscribers []string) {
	r.mu.Lock()
	r.commits = append(r.commits, c)
	r.subs = append(r.subs, subscribers)
	r.mu.Unlock()
}

func newStore(t *testing.T, a persist.Adapter) (*Store, *recorder) {
	s := New(Config{
		Adapter:       a,
		DefaultType:   text.Name,
		HistoryLimit:  3,
		SweepInterval: time.Hour,
		IdleTimeout:   time.Minute,
		LoadTimeout:   time.Second,
	})
	r := &recorder{}
	s.SetNotifier(r)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, r
}

func ops(strs ...string) json.RawMessage {
	b, _ := json.Marshal(strs)
	return b
}

func fetchText(t *testing.T, s *Store, id string) (string, int64) {
	t.Helper()
	v, err := s.Fetch(context.Background(), id, "")
	assert.Equal(t, err, nil)
	var str string
	assert.Equal(t, json.Unmarshal(v.Content, &str), nil)
	return str, v.Version
}

func TestConcurrentEdits(t *testing.T) {
	ctx := context.Background()
	s, r := newStore(t, persist.NewMemory())

	created, err := s.Create(ctx, "D", text.Name, json.RawMessage(`"Hi!"`))
	assert.Equal(t, err, nil)
	assert.Equal(t, created, true)

	var joined View
	assert.Equal(t, s.Subscribe(ctx, "D", "", "s1", func(v View) { joined = v }), nil)
	assert.Equal(t, s.Subscribe(ctx, "D", "", "s2", nil), nil)
	assert.Equal(t, joined.Version, int64(0))
	assert.Equal(t, string(joined.Content), `"Hi!"`)

	c1, err := s.Submit(ctx, "D", "s1", 7, 0, ops("i,3,!!"))
	assert.Equal(t, err, nil)
	assert.Equal(t, c1.Version, int64(1))
	assert.Equal(t, c1.Seq, int64(7))

	// authored against version 0, transformed past s1's edit
	c2, err := s.Submit(ctx, "D", "s2", 1, 0, ops("i,0,>> "))
	assert.Equal(t, err, nil)
	assert.Equal(t, c2.Version, int64(2))

	str, version := fetchText(t, s, "D")
	assert.Equal(t, str, ">> Hi!!!")
	assert.Equal(t, version, int64(2))

	assert.Equal(t, len(r.commits), 2)
	assert.Equal(t, r.commits[0].Origin, "s1")
	assert.Equal(t, r.commits[1].Origin, "s2")
	assert.Equal(t, len(r.subs[1]), 2)
}

func TestRejects(t *testing.T) {
	ctx := context.Background()
	s, r := newStore(t, persist.NewMemory())

	for i := 0; i < 5; i++ {
		_, err := s.Submit(ctx, "X", "s1", 0, int64(i), ops("i,0,a"))
		assert.Equal(t, err, nil)
	}

	// history keeps the last three ops
	_, err := s.Submit(ctx, "X", "s1", 0, 1, ops("i,0,b"))
	assert.Equal(t, errors.Is(err, common.ErrConflict), true)
	_, err = s.Submit(ctx, "X", "s1", 0, 2, ops("i,0,b"))
	assert.Equal(t, err, nil)

	_, err = s.Submit(ctx, "X", "s1", 0, 9, ops("i,0,b"))
	assert.Equal(t, errors.Is(err, common.ErrProtocol), true)
	_, err = s.Submit(ctx, "X", "s1", 0, 6, json.RawMessage(`{"nope":1}`))
	assert.Equal(t, errors.Is(err, common.ErrProtocol), true)
	_, err = s.Submit(ctx, "X", "s1", 0, 6, ops("d,0,99"))
	assert.Equal(t, errors.Is(err, common.ErrProtocol), true)

	// b was concurrent with the three newest a's and sorts after them
	str, version := fetchText(t, s, "X")
	assert.Equal(t, str, "aaabaa")
	assert.Equal(t, version, int64(6))
	assert.Equal(t, len(r.commits), 6)

	// a failure on one document leaves others alone
	_, err = s.Submit(ctx, "Y", "s1", 0, 0, ops("i,0,y"))
	assert.Equal(t, err, nil)
	_, err = s.Submit(ctx, "X", "s1", 0, 0, ops("i,0,z"))
	assert.NotEqual(t, err, nil)
	str, _ = fetchText(t, s, "Y")
	assert.Equal(t, str, "y")
}

func TestTypeMismatch(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, persist.NewMemory())

	_, err := s.Fetch(ctx, "doc", text.Name)
	assert.Equal(t, err, nil)
	_, err = s.Fetch(ctx, "doc", "rich-text")
	assert.Equal(t, errors.Is(err, common.ErrProtocol), true)
	_, err = s.Fetch(ctx, "other", "no-such-type")
	assert.Equal(t, errors.Is(err, common.ErrProtocol), true)
	_, err = s.Fetch(ctx, "", "")
	assert.Equal(t, errors.Is(err, common.ErrProtocol), true)
}

func TestEvictAndReload(t *testing.T) {
	ctx := context.Background()
	mem := persist.NewMemory()
	s, _ := newStore(t, mem)

	assert.Equal(t, s.Subscribe(ctx, "D", "", "s1", nil), nil)
	_, err := s.Submit(ctx, "D", "s1", 0, 0, ops("i,0,hello"))
	assert.Equal(t, err, nil)

	// subscribed documents stay resident
	s.sweep(time.Now().Add(time.Hour))
	assert.Equal(t, s.Count(), 1)

	assert.Equal(t, s.Unsubscribe("D", "s1"), true)
	assert.Equal(t, s.Unsubscribe("D", "s1"), false)
	assert.Equal(t, s.Flush(ctx), nil)
	s.sweep(time.Now().Add(time.Hour))
	assert.Equal(t, s.Count(), 0)

	snap, err := mem.Load(ctx, "D")
	assert.Equal(t, err, nil)
	assert.Equal(t, snap.Version, int64(1))

	str, version := fetchText(t, s, "D")
	assert.Equal(t, str, "hello")
	assert.Equal(t, version, int64(1))

	// seeding an existing document is a no-op
	created, err := s.Create(ctx, "D", text.Name, json.RawMessage(`"other"`))
	assert.Equal(t, err, nil)
	assert.Equal(t, created, false)
}

// slow counts loads and holds the first one until release is closed.
type slow struct {
	*persist.Memory
	release chan struct{}
	loads   int32
}

func (a *slow) Load(ctx context.Context, id string) (*persist.Snapshot, error) {
	if atomic.AddInt32(&a.loads, 1) == 1 {
		<-a.release
	}
	return a.Memory.Load(ctx, id)
}

func TestOpenCollapses(t *testing.T) {
	a := &slow{Memory: persist.NewMemory(), release: make(chan struct{})}
	s, _ := newStore(t, a)

	var wg sync.WaitGroup
	docs := make([]*Document, 8)
	for i := range docs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := s.Open(context.Background(), "D", "")
			assert.Equal(t, err, nil)
			docs[i] = d
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(a.release)
	wg.Wait()

	assert.Equal(t, atomic.LoadInt32(&a.loads), int32(1))
	for _, d := range docs {
		assert.Equal(t, d == docs[0], true)
	}
}

func TestLoadTimeout(t *testing.T) {
	a := &slow{Memory: persist.NewMemory(), release: make(chan struct{})}
	s := New(Config{Adapter: a, DefaultType: text.Name, LoadTimeout: 50 * time.Millisecond, SweepInterval: time.Hour})
	defer s.Close(context.Background())
	defer close(a.release)

	_, err := s.Open(context.Background(), "D", "")
	assert.Equal(t, errors.Is(err, common.ErrTimeout), true)

	// the wedged load is not joined again
	_, err = s.Open(context.Background(), "D", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, atomic.LoadInt32(&a.loads), int32(2))
}

// flaky fails the first n saves.
type flaky struct {
	*persist.Memory
	n int32
}

func (a *flaky) Save(ctx context.Context, snap *persist.Snapshot) error {
	if atomic.AddInt32(&a.n, -1) >= 0 {
		return errors.Wrap(common.ErrPersistence, "disk on fire")
	}
	return a.Memory.Save(ctx, snap)
}

func TestSaveRetries(t *testing.T) {
	ctx := context.Background()
	a := &flaky{Memory: persist.NewMemory(), n: 2}
	s, _ := newStore(t, a)

	// edits are accepted while saves fail
	for i := 0; i < 3; i++ {
		_, err := s.Submit(ctx, "D", "s1", 0, int64(i), ops("i,0,x"))
		assert.Equal(t, err, nil)
	}

	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.Equal(t, s.Flush(fctx), nil)

	snap, err := a.Memory.Load(ctx, "D")
	assert.Equal(t, err, nil)
	assert.Equal(t, snap.Version, int64(3))
	assert.Equal(t, string(snap.Data), `"xxx"`)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	mem := persist.NewMemory()
	s := New(Config{Adapter: mem, DefaultType: text.Name, SweepInterval: time.Hour})

	_, err := s.Submit(ctx, "D", "s1", 0, 0, ops("i,0,bye"))
	assert.Equal(t, err, nil)
	assert.Equal(t, s.Close(ctx), nil)

	snap, err := mem.Load(ctx, "D")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(snap.Data), `"bye"`)

	_, err = s.Fetch(ctx, "D", "")
	assert.Equal(t, errors.Is(err, common.ErrClosed), true)
}

// explosive is text whose ops blow up on a "boom" payload.
type explosive struct{ text.Type }

func (explosive) Name() string { return "explosive" }

func (explosive) DecodeOp(payload json.RawMessage) (doctype.Op, error) {
	if string(payload) == `"boom"` {
		panic("boom")
	}
	return text.Type{}.DecodeOp(payload)
}

func init() {
	doctype.Register(explosive{})
}

func TestHostileOps(t *testing.T) {
	ctx := context.Background()
	s, r := newStore(t, persist.NewMemory())
	_, err := s.Create(ctx, "D", text.Name, json.RawMessage(`"Hi!"`))
	assert.Equal(t, err, nil)

	for _, bad := range []string{"d,1,9223372036854775807", "i,9223372036854775807,x", "d,-1,1", "d,2,5"} {
		_, err = s.Submit(ctx, "D", "s1", 0, 0, ops(bad))
		assert.Equal(t, errors.Is(err, common.ErrProtocol), true)
	}
	str, version := fetchText(t, s, "D")
	assert.Equal(t, str, "Hi!")
	assert.Equal(t, version, int64(0))
	assert.Equal(t, len(r.commits), 0)
}

func TestPanicIsolation(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, persist.NewMemory())
	_, err := s.Fetch(ctx, "X", "explosive")
	assert.Equal(t, err, nil)
	_, err = s.Fetch(ctx, "Y", text.Name)
	assert.Equal(t, err, nil)

	_, err = s.Submit(ctx, "X", "s1", 0, 0, json.RawMessage(`"boom"`))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, common.Code(err), common.CodeInternal)

	// neither document is left locked
	var errX, errY error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, errX = s.Submit(ctx, "X", "s1", 0, 0, ops("i,0,x"))
		_, errY = s.Submit(ctx, "Y", "s1", 0, 0, ops("i,0,y"))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("document stayed locked after a panic")
	}
	assert.Equal(t, errX, nil)
	assert.Equal(t, errY, nil)

	str, version := fetchText(t, s, "X")
	assert.Equal(t, str, "x")
	assert.Equal(t, version, int64(1))
	str, _ = fetchText(t, s, "Y")
	assert.Equal(t, str, "y")
	assert.Equal(t, s.Close(ctx), nil)
}
