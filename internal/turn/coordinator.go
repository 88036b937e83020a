// Package turn drives the turn state machine. A turn moves through
// guard, director, and the domain agent chain, accumulates exactly one
// merged delta, and ends in exactly one terminal state: committed,
// rejected, or paused.
package turn

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skald-rpg/engine/internal/agent"
	ctxpack "github.com/skald-rpg/engine/internal/context"
	"github.com/skald-rpg/engine/internal/director"
	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/guard"
	"github.com/skald-rpg/engine/internal/memory"
	"github.com/skald-rpg/engine/internal/store"
	"github.com/skald-rpg/engine/internal/writer"
)

// Options bound a turn's execution.
type Options struct {
	DefaultAgent    string
	MaxRounds       int
	MaxToolCalls    int
	RetrievalTopK   int
	PendingTTL      time.Duration
	DecisionTimeout time.Duration // per agent round; zero disables the deadline
}

// Coordinator resolves one player input into one terminal turn outcome.
type Coordinator struct {
	db       *sql.DB
	broker   *ctxpack.Broker
	guard    *guard.Guard
	director *director.Director
	agents   *agent.Registry
	writer   *writer.Writer
	curator  *memory.Curator
	index    *memory.Index
	pending  store.PendingRepo
	events   store.EventRepo
	turnLog  store.TurnLogRepo
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
}

func NewCoordinator(db *sql.DB, broker *ctxpack.Broker, g *guard.Guard, d *director.Director,
	agents *agent.Registry, w *writer.Writer, curator *memory.Curator, index *memory.Index,
	opts Options, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		db:       db,
		broker:   broker,
		guard:    g,
		director: d,
		agents:   agents,
		writer:   w,
		curator:  curator,
		index:    index,
		opts:     opts,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Resolve runs one turn to its terminal state. The caller must hold the
// session's input gate; the coordinator assumes it is the only resolver
// for this session.
func (c *Coordinator) Resolve(ctx context.Context, input domain.TurnInput) (domain.TurnOutcome, error) {
	turn := domain.Turn{
		ID:            c.newID(),
		SessionID:     input.SessionID,
		Input:         input,
		StartedAtUnix: c.now().Unix(),
	}
	turn.Seed = DeriveSeed(turn.ID, input.Text)
	log := c.logger.With().Str("turn_id", turn.ID).Str("session_id", input.SessionID).Logger()

	echo, err := c.consumePending(ctx, &turn)
	if err != nil {
		return domain.TurnOutcome{TurnID: turn.ID}, err
	}

	pack, err := c.broker.BuildContext(ctx, turn, echo)
	if err != nil {
		return domain.TurnOutcome{TurnID: turn.ID}, err
	}

	// A resumed turn answers the pausing component directly; the guard
	// already vetted the original input.
	if echo == nil {
		outcome, proceed, patch, err := c.runGuard(ctx, turn, pack, log)
		if err != nil || !proceed {
			return outcome, err
		}
		return c.runAgents(ctx, turn, pack, patch, "", log)
	}
	return c.runAgents(ctx, turn, pack, nil, echo.Agent, log)
}

// consumePending resolves the session's pending action against the new
// input. An explicit resume must name the paused turn; any other input
// on a paused session is treated as the answer, since the world cannot
// advance past an open question.
func (c *Coordinator) consumePending(ctx context.Context, turn *domain.Turn) (*domain.PendingEcho, error) {
	p, err := c.pending.GetBySession(ctx, c.db, turn.SessionID)
	if err != nil {
		if code(err) == domain.ErrPendingNotFound.Code {
			if turn.Input.ResumeOf != "" {
				return nil, domain.NewEngineError(domain.ErrPendingNotFound.Code,
					"no pending action to resume for turn "+turn.Input.ResumeOf)
			}
			return nil, nil
		}
		return nil, err
	}
	if turn.Input.ResumeOf != "" && turn.Input.ResumeOf != p.TurnID {
		return nil, domain.NewEngineError(domain.ErrPendingMismatch.Code,
			"pending action belongs to turn "+p.TurnID)
	}
	if p.ExpiresAtUnix > 0 && p.ExpiresAtUnix < c.now().Unix() {
		if err := c.pending.Delete(ctx, c.db, p.ID); err != nil {
			return nil, err
		}
		return nil, domain.NewEngineError(domain.ErrPendingExpired.Code,
			"pending action for turn "+p.TurnID+" expired")
	}
	if err := c.pending.Delete(ctx, c.db, p.ID); err != nil {
		return nil, err
	}

	answer := turn.Input.Answer
	if answer == "" {
		answer = turn.Input.Text
	}
	// The resuming turn's dice derive from the original intent plus the
	// answer, under the fresh turn id.
	turn.Seed = DeriveSeed(turn.ID, p.OriginalInput+"\n"+answer)
	return &domain.PendingEcho{
		OriginalInput: p.OriginalInput,
		Prompt:        p.Prompt,
		Answer:        answer,
		Agent:         p.Agent,
	}, nil
}

// runGuard obtains the single guard verdict and maps every failure mode
// to a safe terminal state. proceed is true only for valid and improv
// verdicts; patch carries an improv verdict's proposal to the commit.
func (c *Coordinator) runGuard(ctx context.Context, turn domain.Turn, pack domain.ContextPack,
	log zerolog.Logger) (domain.TurnOutcome, bool, *domain.ModulePatch, error) {

	decision, err := c.guard.Evaluate(ctx, turn, pack)
	if err != nil {
		switch code(err) {
		case domain.ErrDecisionTimeout.Code:
			log.Warn().Err(err).Msg("guard timed out, pausing turn")
			outcome, perr := c.pause(ctx, turn, "guard", domain.PromptDescriptor{
				Type: "free_text",
				Data: map[string]string{"reason": "The keeper ponders. Say it again, or say it differently."},
			})
			return outcome, false, nil, perr
		case domain.ErrDecisionUnparsable.Code:
			log.Warn().Err(err).Msg("guard verdict unparsable, rejecting turn")
			return c.reject(ctx, turn, fallbackRejection(turn.Seed)), false, nil, nil
		default:
			return domain.TurnOutcome{TurnID: turn.ID}, false, nil, err
		}
	}

	switch decision.Status {
	case domain.GuardValid:
		return domain.TurnOutcome{}, true, nil, nil
	case domain.GuardImprov:
		log.Info().Str("patch_id", patchID(decision.Patch)).Msg("guard proposed module patch")
		return domain.TurnOutcome{}, true, decision.Patch, nil
	case domain.GuardReject:
		narrative := decision.Narrative
		if narrative == "" {
			narrative = fallbackRejection(turn.Seed)
		}
		return c.reject(ctx, turn, narrative), false, nil, nil
	case domain.GuardNeedsInput:
		outcome, err := c.pause(ctx, turn, "guard", *decision.Prompt)
		return outcome, false, nil, err
	default:
		return c.reject(ctx, turn, fallbackRejection(turn.Seed)), false, nil, nil
	}
}

// runAgents drives the handoff chain and lands the turn in its terminal
// state. startAgent overrides agent selection when a resumed turn goes
// straight back to the component that paused it.
func (c *Coordinator) runAgents(ctx context.Context, turn domain.Turn, pack domain.ContextPack,
	patch *domain.ModulePatch, startAgent string, log zerolog.Logger) (domain.TurnOutcome, error) {

	directive := c.director.Direct(ctx, turn, pack)

	name := startAgent
	if name == "" || name == "guard" {
		name = directive.StartingAgent
	}
	current, err := c.agents.Get(name)
	if err != nil {
		current, err = c.agents.Get(c.opts.DefaultAgent)
		if err != nil {
			return domain.TurnOutcome{TurnID: turn.ID}, err
		}
	}

	budget := NewBudget(c.opts.MaxRounds, c.opts.MaxToolCalls)
	tools := agent.NewToolContext(c.db, c.index, budget, turn.SessionID, turn.Seed, c.opts.RetrievalTopK)

	merged := domain.StateDelta{TurnID: turn.ID}
	var narrative string

	for {
		if err := budget.SpendRound(); err != nil {
			log.Warn().Int("rounds", budget.Rounds()).Msg("round budget exhausted, pausing turn")
			return c.pause(ctx, turn, current.Name(), retryPrompt("The scene grows tangled."))
		}

		result, err := c.handleWithDeadline(ctx, current, turn, pack, directive, tools)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				log.Warn().Str("agent", current.Name()).Msg("agent timed out, pausing turn")
				return c.pause(ctx, turn, current.Name(), retryPrompt("The tale trails off."))
			}
			switch code(err) {
			case domain.ErrToolBudget.Code:
				log.Warn().Int("tools", budget.Tools()).Msg("tool budget exhausted, pausing turn")
				return c.pause(ctx, turn, current.Name(), retryPrompt("The dice grow weary."))
			case domain.ErrDecisionUnparsable.Code, domain.ErrInvokeFailed.Code:
				log.Warn().Err(err).Str("agent", current.Name()).Msg("agent failed, rejecting turn")
				return c.reject(ctx, turn, fallbackStall(turn.Seed)), nil
			default:
				return domain.TurnOutcome{TurnID: turn.ID}, err
			}
		}

		if result.Delta != nil {
			merged.Merge(*result.Delta, current.Name())
		}
		if result.Narrative != "" {
			if narrative != "" {
				narrative += "\n"
			}
			narrative += result.Narrative
		}

		switch result.Status {
		case domain.ResultCompleted:
			return c.commit(ctx, turn, merged, narrative, patch, log)
		case domain.ResultContinue:
			next, err := c.agents.Get(result.NextAgent)
			if err != nil {
				log.Warn().Str("next_agent", result.NextAgent).Msg("handoff to unknown agent, rejecting turn")
				return c.reject(ctx, turn, fallbackStall(turn.Seed)), nil
			}
			log.Debug().Str("from", current.Name()).Str("to", next.Name()).Msg("agent handoff")
			budget.ResetTools()
			current = next
		case domain.ResultNeedsInput:
			return c.pause(ctx, turn, current.Name(), *result.Prompt)
		case domain.ResultError:
			log.Warn().Str("agent", current.Name()).Str("reason", result.Reason).Msg("agent reported error, rejecting turn")
			return c.reject(ctx, turn, fallbackStall(turn.Seed)), nil
		}
	}
}

// handleWithDeadline runs one agent round under the configured decision
// timeout. A hung model call expires here and the coordinator pauses the
// turn instead of holding the session gate open.
func (c *Coordinator) handleWithDeadline(ctx context.Context, current agent.Agent, turn domain.Turn,
	pack domain.ContextPack, directive domain.PlotDirective, tools *agent.ToolContext) (domain.DomainResult, error) {

	if c.opts.DecisionTimeout <= 0 {
		return current.Handle(ctx, turn, pack, directive, tools)
	}
	hctx, cancel := context.WithTimeout(ctx, c.opts.DecisionTimeout)
	defer cancel()
	result, err := current.Handle(hctx, turn, pack, directive, tools)
	if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return domain.DomainResult{}, context.DeadlineExceeded
	}
	return result, err
}

// commit hands the merged delta to the world writer. After the first
// write begins the turn is no longer cancellable; the commit runs under
// a context detached from the caller's.
func (c *Coordinator) commit(ctx context.Context, turn domain.Turn, merged domain.StateDelta,
	narrative string, patch *domain.ModulePatch, log zerolog.Logger) (domain.TurnOutcome, error) {

	if narrative != "" {
		merged.Events = append(merged.Events, domain.ProposedEvent{
			Type:        "turn.narration",
			PayloadJSON: mustMarshalNarration(narrative),
		})
	}

	commitCtx := context.WithoutCancel(ctx)
	result, err := c.writer.Commit(commitCtx, turn.SessionID, merged, patch)
	if err != nil {
		if code(err) == domain.ErrEmptyDelta.Code {
			// A valid action that changed nothing still resolves.
			return c.reject(ctx, turn, narrative), nil
		}
		return domain.TurnOutcome{TurnID: turn.ID}, err
	}
	if result.Status == domain.CommitRejected {
		log.Warn().Str("reason", result.Reason).Msg("world writer rejected delta")
		outcome := c.reject(commitCtx, turn, fallbackStall(turn.Seed))
		outcome.Commit = &result
		return outcome, nil
	}

	if result.Status == domain.CommitApplied {
		if events, err := c.events.ListByTurn(commitCtx, c.db, turn.ID); err != nil {
			log.Warn().Err(err).Msg("curation skipped, turn events unreadable")
		} else {
			c.curator.Curate(commitCtx, turn.SessionID, events)
		}
	}

	c.logTurn(commitCtx, turn, domain.TurnCommitted, "committed")
	return domain.TurnOutcome{
		TurnID:    turn.ID,
		Status:    domain.TurnCommitted,
		Narrative: narrative,
		Commit:    &result,
	}, nil
}

// pause persists the open question and ends the turn without writing
// world state.
func (c *Coordinator) pause(ctx context.Context, turn domain.Turn, agentName string,
	prompt domain.PromptDescriptor) (domain.TurnOutcome, error) {

	p := domain.PendingAction{
		ID:            c.newID(),
		SessionID:     turn.SessionID,
		TurnID:        turn.ID,
		Agent:         agentName,
		OriginalInput: originalInput(turn),
		Prompt:        prompt,
		CreatedAtUnix: c.now().Unix(),
		ExpiresAtUnix: c.now().Add(c.opts.PendingTTL).Unix(),
	}
	if err := c.pending.Create(ctx, c.db, p); err != nil {
		return domain.TurnOutcome{TurnID: turn.ID}, err
	}
	c.logTurn(ctx, turn, domain.TurnPaused, "paused:"+agentName)
	return domain.TurnOutcome{
		TurnID: turn.ID,
		Status: domain.TurnPaused,
		Prompt: &prompt,
	}, nil
}

// reject ends the turn with a diegetic refusal and no world writes.
// Rejections are naturally idempotent: resubmitting rejects again.
func (c *Coordinator) reject(ctx context.Context, turn domain.Turn, narrative string) domain.TurnOutcome {
	c.logTurn(ctx, turn, domain.TurnRejected, "rejected")
	return domain.TurnOutcome{
		TurnID:    turn.ID,
		Status:    domain.TurnRejected,
		Narrative: narrative,
	}
}

func (c *Coordinator) logTurn(ctx context.Context, turn domain.Turn, status domain.TurnStatus, category string) {
	err := c.turnLog.Record(ctx, c.db, store.TurnLogRecord{
		TurnID:    turn.ID,
		SessionID: turn.SessionID,
		Status:    status,
		Category:  category,
		CreatedAt: c.now().Unix(),
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("turn_id", turn.ID).Msg("turn log write failed")
	}
}

// originalInput is what a later resume should echo: for a turn that is
// itself a resume, the first input of the chain.
func originalInput(turn domain.Turn) string {
	return turn.Input.Text
}

func patchID(p *domain.ModulePatch) string {
	if p == nil {
		return ""
	}
	return p.ID
}

func retryPrompt(flavor string) domain.PromptDescriptor {
	return domain.PromptDescriptor{
		Type: "free_text",
		Data: map[string]string{"reason": flavor + " State your action once more, plainly."},
	}
}

func code(err error) int {
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 0
}
