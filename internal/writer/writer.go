// Package writer is the single mutation authority. Exactly one commit
// attempt happens per turn; it either applies atomically, reports a
// previously applied duplicate, or rejects with no partial writes.
package writer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/skald-rpg/engine/internal/adventure"
	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/store"
)

// Writer validates and applies one turn's merged delta.
type Writer struct {
	db       *sql.DB
	module   *adventure.Module
	sessions store.SessionRepo
	entities store.EntityRepo
	quests   store.QuestRepo
	events   store.EventRepo
	patches  store.PatchRepo
	applied  store.AppliedRepo
	logger   zerolog.Logger
	now      func() int64
}

func New(db *sql.DB, module *adventure.Module, logger zerolog.Logger) *Writer {
	return &Writer{
		db:     db,
		module: module,
		logger: logger.With().Str("component", "world_writer").Logger(),
		now:    func() int64 { return time.Now().Unix() },
	}
}

// Commit applies a turn's delta and optional module patch. Replays of an
// already applied turn id return the recorded sequence range with status
// duplicate and write nothing. Validation failures reject the whole
// delta; no partial state survives a rejection.
func (w *Writer) Commit(ctx context.Context, sessionID string, delta domain.StateDelta, patch *domain.ModulePatch) (domain.CommitResult, error) {
	if prior, err := w.applied.Get(ctx, w.db, delta.TurnID); err != nil {
		return domain.CommitResult{}, err
	} else if prior != nil {
		dup := *prior
		dup.Status = domain.CommitDuplicate
		w.logger.Info().Str("turn_id", delta.TurnID).Msg("turn already applied, returning recorded result")
		return dup, nil
	}

	if delta.Empty() && patch == nil {
		return domain.CommitResult{}, domain.NewEngineError(domain.ErrEmptyDelta.Code,
			"turn "+delta.TurnID+" proposed no changes")
	}

	sess, err := w.sessions.GetByID(ctx, w.db, sessionID)
	if err != nil {
		return domain.CommitResult{}, err
	}
	if reject, err := w.validate(ctx, sessionID, delta, patch); err != nil {
		return domain.CommitResult{}, err
	} else if reject != "" {
		w.logger.Warn().Str("turn_id", delta.TurnID).Str("reason", reject).Msg("delta rejected")
		return domain.CommitResult{TurnID: delta.TurnID, Status: domain.CommitRejected, Reason: reject}, nil
	}

	result, err := w.apply(ctx, *sess, delta, patch)
	if err != nil {
		return domain.CommitResult{}, err
	}
	w.logger.Info().Str("turn_id", delta.TurnID).
		Int64("first_seq", result.FirstSeq).Int64("last_seq", result.LastSeq).
		Msg("turn committed")
	return result, nil
}

// validate runs every check that can fail before the write transaction
// opens. It returns a rejection reason for world-model violations and an
// error for infrastructure faults.
func (w *Writer) validate(ctx context.Context, sessionID string, delta domain.StateDelta, patch *domain.ModulePatch) (string, error) {
	if conflicts := findConflicts(delta); len(conflicts) > 0 {
		return domain.ErrDeltaConflict.Message + ": " + strings.Join(conflicts, "; "), nil
	}

	patchEntity := ""
	if patch != nil {
		used, err := w.patches.UsedPower(ctx, w.db, sessionID)
		if err != nil {
			return "", err
		}
		if err := adventure.ValidatePatch(w.module, *patch, used); err != nil {
			return err.Error(), nil
		}
		patchEntity = patch.ID
	}

	for _, ec := range delta.Entities {
		if ec.EntityID == patchEntity {
			continue
		}
		if _, err := w.entities.GetByID(ctx, w.db, sessionID, ec.EntityID); err != nil {
			if code(err) == domain.ErrUnknownEntity.Code {
				return "unknown entity " + ec.EntityID, nil
			}
			return "", err
		}
	}
	for _, qc := range delta.Quests {
		q, err := w.quests.GetByID(ctx, w.db, sessionID, qc.QuestID)
		if err != nil {
			if code(err) == domain.ErrUnknownQuest.Code {
				return "unknown quest " + qc.QuestID, nil
			}
			return "", err
		}
		if qc.ObjectiveID != "" && !hasObjective(q, qc.ObjectiveID) {
			return fmt.Sprintf("quest %s has no objective %s", qc.QuestID, qc.ObjectiveID), nil
		}
	}
	return "", nil
}

// apply performs the write transaction. Events are re-stamped onto the
// session's single monotonic sequence here and nowhere else.
func (w *Writer) apply(ctx context.Context, sess store.SessionState, delta domain.StateDelta, patch *domain.ModulePatch) (domain.CommitResult, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CommitResult{}, domain.WrapEngineError(domain.ErrStoreWrite.Code, "beginning commit", err)
	}
	defer tx.Rollback()

	now := w.now()

	if patch != nil {
		if err := w.entities.UpsertTx(ctx, tx, sess.SessionID, adventure.PatchEntity(*patch)); err != nil {
			return domain.CommitResult{}, err
		}
		if err := w.patches.InsertTx(ctx, tx, sess.SessionID, delta.TurnID, *patch, now); err != nil {
			return domain.CommitResult{}, err
		}
	}

	for _, ec := range delta.Entities {
		if err := w.applyEntityChange(ctx, tx, sess.SessionID, ec); err != nil {
			return domain.CommitResult{}, err
		}
	}
	for _, qc := range delta.Quests {
		if err := w.applyQuestChange(ctx, tx, sess.SessionID, qc); err != nil {
			return domain.CommitResult{}, err
		}
	}

	events := delta.Events
	if patch != nil {
		payload, _ := json.Marshal(patch)
		events = append([]domain.ProposedEvent{{
			Type:        "module.patched",
			EntityRefs:  []string{patch.ID},
			PayloadJSON: string(payload),
			Durable:     true,
		}}, events...)
	}

	firstSeq, lastSeq := int64(0), sess.LastEventSeq
	for _, pe := range events {
		lastSeq++
		if firstSeq == 0 {
			firstSeq = lastSeq
		}
		event := domain.Event{
			SessionID:   sess.SessionID,
			TurnID:      delta.TurnID,
			SeqNo:       lastSeq,
			Type:        pe.Type,
			EntityRefs:  pe.EntityRefs,
			PayloadJSON: pe.PayloadJSON,
			ParentIDs:   pe.ParentIDs,
			Durable:     pe.Durable,
			CreatedAt:   now,
		}
		if _, err := w.events.AppendTx(ctx, tx, event); err != nil {
			return domain.CommitResult{}, err
		}
		w.applySceneEvent(&sess, pe)
	}

	sess.ClockMin += delta.TimeAdvanceMin
	sess.LastEventSeq = lastSeq
	sess.UpdatedAtUnix = now
	if err := w.sessions.UpdateTx(ctx, tx, sess); err != nil {
		return domain.CommitResult{}, err
	}

	result := domain.CommitResult{
		TurnID:      delta.TurnID,
		Status:      domain.CommitApplied,
		FirstSeq:    firstSeq,
		LastSeq:     lastSeq,
		NewClockMin: sess.ClockMin,
	}
	if err := w.applied.RecordTx(ctx, tx, sess.SessionID, result, now); err != nil {
		return domain.CommitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CommitResult{}, domain.WrapEngineError(domain.ErrStoreWrite.Code, "committing turn", err)
	}
	return result, nil
}

// applySceneEvent moves the session header when the party changes scene.
// A scene.enter event's payload names the authored scene being entered.
func (w *Writer) applySceneEvent(sess *store.SessionState, pe domain.ProposedEvent) {
	if pe.Type != "scene.enter" {
		return
	}
	var payload struct {
		SceneID string `json:"scene_id"`
	}
	if err := json.Unmarshal([]byte(pe.PayloadJSON), &payload); err != nil || payload.SceneID == "" {
		return
	}
	scene, ok := w.module.Scene(payload.SceneID)
	if !ok {
		w.logger.Warn().Str("scene_id", payload.SceneID).Msg("scene.enter names unknown scene, header unchanged")
		return
	}
	sess.SceneID = scene.ID
	sess.SceneSummary = scene.Summary
	if scene.Weather != "" {
		sess.Weather = scene.Weather
	}
}

func (w *Writer) applyEntityChange(ctx context.Context, tx *sql.Tx, sessionID string, ec domain.EntityChange) error {
	if ec.Op == domain.OpRemove && ec.Field == "" {
		return w.entities.DeleteTx(ctx, tx, sessionID, ec.EntityID)
	}

	e, err := w.entities.GetByIDTx(ctx, tx, sessionID, ec.EntityID)
	if err != nil {
		return err
	}

	switch ec.Field {
	case "hp":
		switch ec.Op {
		case domain.OpSet:
			v, err := strconv.ParseInt(ec.Value, 10, 64)
			if err != nil {
				return domain.WrapEngineError(domain.ErrPatchInvalid.Code, "hp value not a number", err)
			}
			e.HP = v
		case domain.OpAdd:
			e.HP += ec.Amount
		}
		if e.HP < 0 {
			e.HP = 0
		}
	case "location":
		e.Location = ec.Value
	case "notes":
		e.Notes = ec.Value
	default: // a named stat
		if e.Stats == nil {
			e.Stats = make(map[string]int64)
		}
		switch ec.Op {
		case domain.OpSet:
			v, err := strconv.ParseInt(ec.Value, 10, 64)
			if err != nil {
				return domain.WrapEngineError(domain.ErrPatchInvalid.Code, "stat value not a number", err)
			}
			e.Stats[ec.Field] = v
		case domain.OpAdd:
			e.Stats[ec.Field] += ec.Amount
		case domain.OpRemove:
			delete(e.Stats, ec.Field)
		}
	}
	return w.entities.UpsertTx(ctx, tx, sessionID, *e)
}

func (w *Writer) applyQuestChange(ctx context.Context, tx *sql.Tx, sessionID string, qc domain.QuestChange) error {
	q, err := w.quests.GetByIDTx(ctx, tx, sessionID, qc.QuestID)
	if err != nil {
		return err
	}
	if qc.Status != "" {
		q.Status = qc.Status
	}
	if qc.ObjectiveID != "" {
		for i := range q.Objectives {
			if q.Objectives[i].ID == qc.ObjectiveID {
				q.Objectives[i].Done = qc.Done
			}
		}
	}
	return w.quests.UpsertTx(ctx, tx, sessionID, *q)
}

func hasObjective(q *domain.Quest, objectiveID string) bool {
	for _, o := range q.Objectives {
		if o.ID == objectiveID {
			return true
		}
	}
	return false
}

func code(err error) int {
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 0
}
