// Package store holds the document-store handle and gates startup on its
// reachability. The service refuses to listen until the first successful ping.
package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v3"
	_ "github.com/lib/pq"
)

// Pinger is the slice of *sql.DB the readiness gate needs; swapped in tests.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// openDatabase is swapped in tests to avoid a real driver connection.
var openDatabase = func(url string) (*sql.DB, error) {
	return sql.Open("postgres", url)
}

const keepaliveInterval = 30 * time.Second

// Store wraps the database handle and its readiness state.
type Store struct {
	log *slog.Logger
	db  *sql.DB

	pinger Pinger
	ready  chan struct{}
}

// Open creates the handle without connecting; readiness is established by
// WaitReady.
func Open(url string, log *slog.Logger) (*Store, error) {
	db, err := openDatabase(url)
	if err != nil {
		return nil, errors.Join(errors.New("store: opening database handle"), err)
	}
	s := &Store{
		log:   log,
		db:    db,
		ready: make(chan struct{}),
	}
	if db != nil {
		s.pinger = db
	}
	return s, nil
}

// NewWithPinger builds a store around a caller-supplied connectivity check,
// with no database handle behind it. Used by tests and health tooling.
func NewWithPinger(p Pinger, log *slog.Logger) *Store {
	return &Store{
		log:    log,
		pinger: p,
		ready:  make(chan struct{}),
	}
}

// DB exposes the underlying handle for collaborators issuing queries.
func (s *Store) DB() *sql.DB { return s.db }

// Ready is closed once the first ping succeeds.
func (s *Store) Ready() <-chan struct{} { return s.ready }

// WaitReady pings the database with exponential backoff until it answers or
// the ctx ends. On success it closes Ready and starts a keepalive loop that
// logs connectivity loss.
func (s *Store) WaitReady(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // retry until ctx cancellation

	attempt := 0
	ping := func() error {
		attempt++
		if err := s.pinger.PingContext(ctx); err != nil {
			s.log.Warn("database not reachable yet", "attempt", attempt, "err", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		return errors.Join(errors.New("store: database never became reachable"), err)
	}

	s.log.Info("database reachable", "attempts", attempt)
	close(s.ready)
	go s.keepalive(ctx)
	return nil
}

// keepalive pings periodically after readiness so connectivity loss shows up
// in the logs instead of only as failed queries.
func (s *Store) keepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pinger.PingContext(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("database keepalive ping failed", "err", err)
			}
		}
	}
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
