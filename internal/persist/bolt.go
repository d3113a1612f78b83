package persist

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var docsBucket = []byte("documents")

// Bolt keeps snapshots in an embedded bbolt file.
type Bolt struct {
	db *bbolt.DB
}

func NewBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, errors.New("bolt store needs STORE_PATH")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, failed(err, "open bolt")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(docsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, failed(err, "create bucket")
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Load(_ context.Context, id string) (*Snapshot, error) {
	var raw []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		// values are only valid inside the transaction
		if v := tx.Bucket(docsBucket).Get([]byte(id)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, failed(err, "read snapshot")
	}
	if raw == nil {
		return nil, notFound(id)
	}
	return unmarshal(raw)
}

func (b *Bolt) Save(_ context.Context, snap *Snapshot) error {
	val, err := marshal(snap)
	if err != nil {
		return failed(err, "encode snapshot")
	}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(docsBucket)
		if cur := bk.Get([]byte(snap.ID)); cur != nil {
			s, err := unmarshal(cur)
			if err == nil && s.Version > snap.Version {
				return nil
			}
		}
		return bk.Put([]byte(snap.ID), val)
	})
	if err != nil {
		return failed(err, "write snapshot")
	}
	return nil
}

func (b *Bolt) Close() error { return b.db.Close() }
