package turn

import (
	"fmt"

	"github.com/skald-rpg/engine/internal/domain"
)

// Budget meters one turn: handoff rounds are turn-wide, tool calls are
// counted per agent. The coordinator resets the tool counter at each
// handoff; the round budget caps how many resets an agent chain can earn.
type Budget struct {
	maxRounds int
	maxTools  int
	rounds    int
	tools     int
}

func NewBudget(maxRounds, maxTools int) *Budget {
	return &Budget{maxRounds: maxRounds, maxTools: maxTools}
}

// SpendRound charges one handoff round.
func (b *Budget) SpendRound() error {
	if b.rounds >= b.maxRounds {
		return domain.NewEngineError(domain.ErrRoundBudget.Code,
			fmt.Sprintf("turn exceeded %d rounds", b.maxRounds))
	}
	b.rounds++
	return nil
}

// SpendTool charges one tool call against the current agent. Satisfies
// agent.ToolBudget.
func (b *Budget) SpendTool() error {
	if b.tools >= b.maxTools {
		return domain.NewEngineError(domain.ErrToolBudget.Code,
			fmt.Sprintf("agent exceeded %d tool calls", b.maxTools))
	}
	b.tools++
	return nil
}

// ResetTools starts a fresh tool allowance for the next agent in the
// handoff chain.
func (b *Budget) ResetTools() {
	b.tools = 0
}

// Rounds reports rounds spent so far.
func (b *Budget) Rounds() int { return b.rounds }

// Tools reports tool calls spent so far.
func (b *Budget) Tools() int { return b.tools }
