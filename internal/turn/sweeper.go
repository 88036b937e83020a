package turn

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skald-rpg/engine/internal/store"
)

// Sweeper expires stale pending actions in the background so abandoned
// pauses do not hold sessions hostage forever.
type Sweeper struct {
	db       *sql.DB
	pending  store.PendingRepo
	interval time.Duration
	logger   zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewSweeper(db *sql.DB, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		db:       db,
		interval: interval,
		logger:   logger.With().Str("component", "pending_sweeper").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	expired, err := s.pending.DeleteExpired(ctx, s.db, time.Now().Unix())
	if err != nil {
		s.logger.Warn().Err(err).Msg("sweep failed")
		return
	}
	for _, p := range expired {
		s.logger.Info().Str("session_id", p.SessionID).Str("turn_id", p.TurnID).
			Str("agent", p.Agent).Msg("pending action expired")
	}
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
