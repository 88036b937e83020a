package turn

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skald-rpg/engine/internal/adventure"
	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/store"
)

// SessionService owns session lifecycle and the one-input-at-a-time gate
// in front of the coordinator.
type SessionService struct {
	db          *sql.DB
	module      *adventure.Module
	coordinator *Coordinator
	sessions    store.SessionRepo
	entities    store.EntityRepo
	quests      store.QuestRepo
	events      store.EventRepo
	pending     store.PendingRepo
	facts       store.FactRepo
	gates       sync.Map // session id -> *sync.Mutex
	logger      zerolog.Logger
	now         func() time.Time
}

func NewSessionService(db *sql.DB, module *adventure.Module, coordinator *Coordinator, logger zerolog.Logger) *SessionService {
	return &SessionService{
		db:          db,
		module:      module,
		coordinator: coordinator,
		logger:      logger.With().Str("component", "session_service").Logger(),
		now:         time.Now,
	}
}

// CreateSession seeds a new session from the adventure module. An empty
// id gets a generated one.
func (s *SessionService) CreateSession(ctx context.Context, sessionID string) (domain.WorldSnapshot, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if existing, err := s.sessions.GetByID(ctx, s.db, sessionID); err == nil && existing != nil {
		return domain.WorldSnapshot{}, domain.NewEngineError(domain.ErrDuplicateSession.Code,
			"session "+sessionID+" already exists")
	}

	snap := s.module.SeedWorld(sessionID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorldSnapshot{}, domain.WrapEngineError(domain.ErrStoreWrite.Code, "creating session", err)
	}
	defer tx.Rollback()

	if err := s.sessions.CreateTx(ctx, tx, store.SessionState{
		SessionID:     sessionID,
		ModuleID:      s.module.ID,
		SceneID:       snap.SceneID,
		SceneSummary:  snap.SceneSummary,
		ClockMin:      snap.ClockMin,
		Weather:       snap.Weather,
		UpdatedAtUnix: s.now().Unix(),
	}); err != nil {
		return domain.WorldSnapshot{}, err
	}
	for _, e := range snap.Entities {
		if err := s.entities.UpsertTx(ctx, tx, sessionID, e); err != nil {
			return domain.WorldSnapshot{}, err
		}
	}
	for _, q := range snap.Quests {
		if err := s.quests.UpsertTx(ctx, tx, sessionID, q); err != nil {
			return domain.WorldSnapshot{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WorldSnapshot{}, domain.WrapEngineError(domain.ErrStoreWrite.Code, "creating session", err)
	}

	s.logger.Info().Str("session_id", sessionID).Str("module_id", s.module.ID).Msg("session created")
	return snap, nil
}

// SubmitInput resolves one player input. A session resolves one turn at
// a time; concurrent submissions fail fast with ErrSessionBusy rather
// than queueing stale intents.
func (s *SessionService) SubmitInput(ctx context.Context, input domain.TurnInput) (domain.TurnOutcome, error) {
	if _, err := s.sessions.GetByID(ctx, s.db, input.SessionID); err != nil {
		return domain.TurnOutcome{}, err
	}

	gate := s.gate(input.SessionID)
	if !gate.TryLock() {
		return domain.TurnOutcome{}, domain.NewEngineError(domain.ErrSessionBusy.Code,
			"session "+input.SessionID+" is resolving another turn")
	}
	defer gate.Unlock()

	return s.coordinator.Resolve(ctx, input)
}

// Snapshot returns the session's canonical world view.
func (s *SessionService) Snapshot(ctx context.Context, sessionID string) (domain.WorldSnapshot, error) {
	sess, err := s.sessions.GetByID(ctx, s.db, sessionID)
	if err != nil {
		return domain.WorldSnapshot{}, err
	}
	entities, err := s.entities.ListBySession(ctx, s.db, sessionID)
	if err != nil {
		return domain.WorldSnapshot{}, err
	}
	quests, err := s.quests.ListBySession(ctx, s.db, sessionID)
	if err != nil {
		return domain.WorldSnapshot{}, err
	}
	return domain.WorldSnapshot{
		SessionID:    sess.SessionID,
		SceneID:      sess.SceneID,
		SceneSummary: sess.SceneSummary,
		ClockMin:     sess.ClockMin,
		Weather:      sess.Weather,
		LastEventSeq: sess.LastEventSeq,
		Entities:     entities,
		Quests:       quests,
	}, nil
}

// Events returns the session's event log from sinceSeq (exclusive).
func (s *SessionService) Events(ctx context.Context, sessionID string, sinceSeq int64) ([]domain.Event, error) {
	if _, err := s.sessions.GetByID(ctx, s.db, sessionID); err != nil {
		return nil, err
	}
	return s.events.ListBySession(ctx, s.db, sessionID, sinceSeq)
}

// Pending returns the session's open pending action, or nil.
func (s *SessionService) Pending(ctx context.Context, sessionID string) (*domain.PendingAction, error) {
	p, err := s.pending.GetBySession(ctx, s.db, sessionID)
	if err != nil {
		if code(err) == domain.ErrPendingNotFound.Code {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// Facts lists the session's active facts.
func (s *SessionService) Facts(ctx context.Context, sessionID string) ([]domain.Fact, error) {
	return s.facts.ListActive(ctx, s.db, sessionID)
}

func (s *SessionService) gate(sessionID string) *sync.Mutex {
	v, _ := s.gates.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
