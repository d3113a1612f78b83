// Package server is the network edge: it upgrades websocket connections
// into sessions and runs the process until its context ends.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ilnaes/syncpad/internal/config"
	"github.com/ilnaes/syncpad/internal/doctype/richtext"
	"github.com/ilnaes/syncpad/internal/logger"
	"github.com/ilnaes/syncpad/internal/persist"
	"github.com/ilnaes/syncpad/internal/session"
	"github.com/ilnaes/syncpad/internal/store"

	_ "github.com/ilnaes/syncpad/internal/doctype/rga"
	_ "github.com/ilnaes/syncpad/internal/doctype/text"
)

const (
	SeedDoc         = "examples/richtext"
	ShutdownTimeout = 15 * time.Second
)

type Server struct {
	cfg    config.Config
	log    *zap.Logger
	secret []byte

	adapter  persist.Adapter
	store    *store.Store
	sessions *session.Manager
	http     *http.Server
}

// New connects the persistence driver and assembles the store and session
// layers on top of it.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	adapter, err := persist.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	return newServer(cfg, adapter), nil
}

func newServer(cfg config.Config, adapter persist.Adapter) *Server {
	log := logger.Named("server")
	st := store.New(store.Config{
		Adapter:        adapter,
		DefaultType:    cfg.DefaultType,
		HistoryLimit:   cfg.HistoryLimit,
		IdleTimeout:    cfg.IdleTimeout,
		SweepInterval:  cfg.SweepInterval,
		LoadTimeout:    cfg.LoadTimeout,
		SaveTimeout:    cfg.SaveTimeout,
		SaveMaxElapsed: cfg.SaveMaxElapsed,
	})

	s := &Server{
		cfg:      cfg,
		log:      log,
		secret:   []byte(cfg.JWTSecret),
		adapter:  adapter,
		store:    st,
		sessions: session.New(st, session.Config{SendQueue: cfg.SendQueue}),
	}
	s.http = &http.Server{
		Handler: s.Handler(),
		Addr:    cfg.Addr(),
		// websocket pumps set their own deadlines after the upgrade
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	return s
}

// Run serves until ctx is done or the listener fails, then shuts down:
// no new connections, sessions closed, pending saves flushed, adapter
// closed.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Seed {
		if err := s.seed(ctx); err != nil {
			s.shutdown()
			return err
		}
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.http.ListenAndServe()
	}()
	s.log.Info("listening", zap.String("addr", s.http.Addr), zap.String("store", s.cfg.Store.Driver),
		zap.Bool("auth", len(s.secret) > 0))

	statsDone := make(chan struct{})
	defer close(statsDone)
	go s.report(statsDone)

	var err error
	select {
	case err = <-errc:
		err = errors.Wrap(err, "listen")
	case <-ctx.Done():
	}
	if serr := s.shutdown(); err == nil {
		err = serr
	}
	return err
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", zap.Error(err))
	}
	s.sessions.Close()

	var err error
	if err = s.store.Close(ctx); err != nil {
		s.log.Error("unsaved documents at shutdown", zap.Error(err))
	}
	if cerr := s.adapter.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "close store")
	}
	s.log.Info("stopped")
	return err
}

func (s *Server) seed(ctx context.Context) error {
	created, err := s.store.Create(ctx, SeedDoc, richtext.Name, json.RawMessage(`[{"insert":"Hi!"}]`))
	if err != nil {
		return errors.Wrap(err, "seed")
	}
	if created {
		s.log.Info("seeded", zap.String("doc", SeedDoc))
	}
	return nil
}

func (s *Server) report(done <-chan struct{}) {
	if s.cfg.StatsInterval <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.StatsInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			st := s.Stats()
			s.log.Info("stats", zap.Int("conns", st.Conns), zap.Int("docs", st.Docs))
		}
	}
}
