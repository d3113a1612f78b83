// Package persist stores document snapshots durably.
//
// The store is the only writer for a given document id and hands each
// adapter full snapshots in commit order. Drivers refuse to replace a
// stored snapshot with an older version, so a delayed write can never undo
// a newer one.
package persist

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/ilnaes/syncpad/internal/common"
)

// Snapshot is the durable record of one document. Data is the type's JSON
// content encoding.
type Snapshot struct {
	ID      string
	Type    string
	Version int64
	Data    []byte
}

type Adapter interface {
	// Load returns the latest saved snapshot, or an error wrapping
	// common.ErrNotFound when id was never saved.
	Load(ctx context.Context, id string) (*Snapshot, error)
	// Save stores snap unless a newer version is already stored.
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

type Config struct {
	Driver   string `mapstructure:"STORE_DRIVER"`
	URL      string `mapstructure:"STORE_URL"`
	Path     string `mapstructure:"STORE_PATH"`
	Database string `mapstructure:"MONGO_DATABASE"`
}

// Open connects the driver named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Adapter, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(cfg.Path)
	case "bolt":
		return NewBolt(cfg.Path)
	case "mongo":
		return NewMongo(ctx, cfg.URL, cfg.Database)
	case "redis":
		return NewRedis(ctx, cfg.URL)
	case "postgres":
		return NewPostgres(ctx, cfg.URL)
	}
	return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
}

// record is the JSON layout shared by the file, bolt and redis drivers.
type record struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

func marshal(s *Snapshot) ([]byte, error) {
	return json.Marshal(record{s.ID, s.Type, s.Version, s.Data})
}

func unmarshal(b []byte) (*Snapshot, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, failed(err, "decode snapshot")
	}
	return &Snapshot{ID: r.ID, Type: r.Type, Version: r.Version, Data: r.Data}, nil
}

func notFound(id string) error {
	return errors.Wrapf(common.ErrNotFound, "document %q", id)
}

func failed(err error, what string) error {
	return errors.Wrapf(common.ErrPersistence, "%s: %v", what, err)
}
