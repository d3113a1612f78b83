package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// scheduleSave starts the document's save loop unless one is running; a
// running loop picks up the newest content on its next pass, so bursts of
// commits collapse into few writes. Callers hold d.mu.
func (s *Store) scheduleSave(d *Document) {
	if d.saving != nil {
		return
	}
	d.saving = make(chan struct{})
	go s.saveLoop(d, d.saving)
}

func (s *Store) saveLoop(d *Document, done chan struct{}) {
	defer close(done)
	for {
		d.mu.Lock()
		if !d.dirty && d.savedVersion >= d.version {
			d.saving = nil
			d.mu.Unlock()
			return
		}
		snap, err := d.snapshot()
		d.dirty = false
		d.mu.Unlock()

		if err != nil {
			s.log.Error("encode snapshot", zap.String("doc", d.id), zap.Error(err))
			d.mu.Lock()
			d.saving = nil
			d.mu.Unlock()
			return
		}

		if err := s.save(snap.ID, func(ctx context.Context) error {
			return s.cfg.Adapter.Save(ctx, snap)
		}); err != nil {
			// keep the document resident; the next commit or sweep retries
			s.log.Error("giving up on save", zap.String("doc", d.id),
				zap.Int64("version", snap.Version), zap.Error(err))
			d.mu.Lock()
			d.saving = nil
			d.mu.Unlock()
			return
		}

		d.mu.Lock()
		if snap.Version > d.savedVersion {
			d.savedVersion = snap.Version
		}
		d.mu.Unlock()
	}
}

// save retries write with exponential backoff until it succeeds,
// SaveMaxElapsed passes, or the store is torn down.
func (s *Store) save(id string, write func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = s.cfg.SaveMaxElapsed

	attempt := func() error {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SaveTimeout)
		defer cancel()
		return write(ctx)
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn("save failed, retrying", zap.String("doc", id),
			zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(b, s.ctx), notify)
}

// Flush waits until every pending save has finished or ctx is done.
func (s *Store) Flush(ctx context.Context) error {
	for {
		var waiting chan struct{}
		s.mu.Lock()
		for _, d := range s.docs {
			d.mu.Lock()
			if d.saving != nil {
				waiting = d.saving
			}
			d.mu.Unlock()
			if waiting != nil {
				break
			}
		}
		s.mu.Unlock()

		if waiting == nil {
			return nil
		}
		select {
		case <-waiting:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
