package persist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ilnaes/syncpad/internal/common"
)

// File writes one "<name>.bin" per document into a directory, replacing it
// atomically on every save.
type File struct {
	dir string
	mu  sync.Mutex
}

func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("file store needs STORE_PATH")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, failed(err, "create store dir")
	}
	return &File{dir: dir}, nil
}

// FileName maps a document id to its file name: everything outside
// [A-Za-z0-9] becomes '_'. When that changed the id, a short hash of the
// raw id is appended so that no two ids share a file.
func FileName(id string) string {
	safe := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, id)
	if safe != id {
		sum := sha256.Sum256([]byte(id))
		safe += "-" + hex.EncodeToString(sum[:6])
	}
	return safe + ".bin"
}

func (f *File) read(name string) (*Snapshot, error) {
	b, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		return nil, err
	}
	return unmarshal(b)
}

func (f *File) Load(_ context.Context, id string) (*Snapshot, error) {
	s, err := f.read(FileName(id))
	if os.IsNotExist(err) {
		return nil, notFound(id)
	} else if err != nil {
		return nil, failed(err, "read snapshot")
	}
	if s.ID != id {
		return nil, errors.Wrapf(common.ErrPersistence, "%s holds %q, not %q", FileName(id), s.ID, id)
	}
	return s, nil
}

func (f *File) Save(_ context.Context, snap *Snapshot) error {
	b, err := marshal(snap)
	if err != nil {
		return failed(err, "encode snapshot")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	name := FileName(snap.ID)
	cur, err := f.read(name)
	switch {
	case err == nil && cur.ID != snap.ID:
		return errors.Wrapf(common.ErrPersistence, "%s holds %q, refusing to overwrite with %q", name, cur.ID, snap.ID)
	case err == nil && cur.Version > snap.Version:
		return nil
	case err != nil && !os.IsNotExist(err):
		return failed(err, "read snapshot")
	}

	tmp, err := os.CreateTemp(f.dir, name+".tmp*")
	if err != nil {
		return failed(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return failed(err, "write snapshot")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return failed(err, "sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		return failed(err, "close snapshot")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(f.dir, name)); err != nil {
		return failed(err, "rename snapshot")
	}
	return nil
}

func (f *File) Close() error { return nil }
