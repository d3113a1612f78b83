// Package doctype defines the capability interface every document type
// implements, and a registry to look types up by name.
//
// A type either transforms an incoming operation through the operations
// committed since its base version (operational transform) or merges it
// into the replicated state regardless of base (CRDT). The document store
// only sees this interface.
package doctype

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/ilnaes/syncpad/internal/common"
)

// Content is a document snapshot. Implementations are immutable values:
// Apply returns a new Content instead of mutating its argument.
type Content interface {
	Encode() ([]byte, error)
}

// Op is a decoded operation payload.
type Op interface {
	Encode() ([]byte, error)
}

// History gives a type access to the operations committed after a version.
type History interface {
	// Since returns ops committed at versions > version, oldest first.
	// It fails with common.ErrConflict when version is older than the
	// retained window and common.ErrProtocol when it is ahead of the
	// document.
	Since(version int64) ([]Op, error)
}

type Type interface {
	Name() string
	Empty() Content
	DecodeContent(data []byte) (Content, error)
	DecodeOp(payload json.RawMessage) (Op, error)
	// Reconcile rewrites op, authored against base, so that it applies to
	// the current content.
	Reconcile(h History, base int64, op Op) (Op, error)
	Apply(c Content, op Op) (Content, error)
}

var (
	mu    sync.RWMutex
	types = make(map[string]Type)
)

// Register makes t available to Lookup. Registering a name twice replaces
// the earlier type.
func Register(t Type) {
	mu.Lock()
	types[t.Name()] = t
	mu.Unlock()
}

func Lookup(name string) (Type, error) {
	mu.RLock()
	t, ok := types[name]
	mu.RUnlock()
	if !ok {
		return nil, common.Protocolf("unknown document type %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return t, nil
}

// Names lists registered types, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	res := make([]string, 0, len(types))
	for n := range types {
		res = append(res, n)
	}
	sort.Strings(res)
	return res
}
