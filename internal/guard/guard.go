// Package guard screens each player input before any domain agent runs.
// The guard classifies the input against tone and world consistency,
// narrates rejections diegetically, and may propose a module patch when
// the player references plausible content the module never authored.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	ctxpack "github.com/skald-rpg/engine/internal/context"
	"github.com/skald-rpg/engine/internal/dice"
	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/llm"
)

const guardSystem = `You are the consistency guard of a tabletop RPG engine.
Classify the player's input against the scene and the remembered facts.
Reply with JSON {"status": "valid"|"reject"|"improv"|"needs_player_input", ...}.
- "valid": the action fits the world; say nothing else.
- "reject": the action contradicts established facts or tone; include a
  short in-world "narrative" explaining the refusal without breaking
  character.
- "improv": the player referenced plausible content the world lacks;
  include a "patch" ({"kind","id","name","description","scene_id","power"})
  introducing it.
- "needs_player_input": you need a clarification or a die roll first;
  include a "prompt" ({"type":"dice_roll"|"choice"|"free_text","data":{...}}).
You may call roll_dice to settle uncertainty yourself.`

// maxToolRounds bounds the guard's own tool use. The guard is a gate, not
// an agent; one clarifying roll is plenty.
const maxToolRounds = 2

// Guard produces exactly one verdict per turn.
type Guard struct {
	invoker llm.Invoker
	timeout time.Duration
	logger  zerolog.Logger
}

func New(invoker llm.Invoker, timeout time.Duration, logger zerolog.Logger) *Guard {
	return &Guard{
		invoker: invoker,
		timeout: timeout,
		logger:  logger.With().Str("component", "guard").Logger(),
	}
}

// Tools lists the guard's tool catalog.
func (g *Guard) Tools() []llm.Tool {
	return []llm.Tool{{
		Name:        "roll_dice",
		Description: "Roll dice with a formula like 1d20+3 or 2d6+STR.",
		Params:      map[string]string{"formula": "dice formula"},
	}}
}

// Evaluate classifies one player input. A deadline overrun surfaces as
// ErrDecisionTimeout; an unparsable verdict as ErrDecisionUnparsable. The
// coordinator maps both to safe turn outcomes.
func (g *Guard) Evaluate(ctx context.Context, turn domain.Turn, pack domain.ContextPack) (domain.GuardDecision, error) {
	gctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := llm.Request{
		Role:   llm.RoleGuard,
		System: guardSystem,
		Prompt: fmt.Sprintf("%s\nPlayer input: %q", ctxpack.Render(pack), turn.Input.Text),
		Tools:  g.Tools(),
	}

	for round := 0; ; round++ {
		result, err := g.invoker.Invoke(gctx, req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(gctx.Err(), context.DeadlineExceeded) {
				return domain.GuardDecision{}, domain.WrapEngineError(
					domain.ErrDecisionTimeout.Code, "guard verdict timed out", err)
			}
			return domain.GuardDecision{}, err
		}
		if len(result.ToolCalls) == 0 {
			return llm.ParseGuardDecision(result.DecisionJSON)
		}
		if round+1 >= maxToolRounds {
			g.logger.Warn().Str("turn_id", turn.ID).Msg("guard exceeded tool rounds, forcing verdict")
			req.Tools = nil
		}
		req.Exchanges = append(req.Exchanges, llm.ToolExchange{
			Calls:   result.ToolCalls,
			Results: g.executeTools(turn, result.ToolCalls),
		})
	}
}

func (g *Guard) executeTools(turn domain.Turn, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, llm.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: g.runTool(turn, call),
		})
	}
	return results
}

func (g *Guard) runTool(turn domain.Turn, call llm.ToolCall) string {
	if call.Name != "roll_dice" {
		return `{"error":"unknown tool"}`
	}
	var args struct {
		Formula string `json:"formula"`
	}
	if err := json.Unmarshal([]byte(call.ArgsJSON), &args); err != nil {
		return `{"error":"bad arguments"}`
	}
	res, err := dice.Roll(args.Formula, turn.Seed, nil)
	if err != nil {
		return `{"error":` + strconv.Quote(err.Error()) + `}`
	}
	return fmt.Sprintf(`{"formula":%q,"total":%d}`, args.Formula, res.Total)
}
