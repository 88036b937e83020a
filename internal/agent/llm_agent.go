package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	ctxpack "github.com/skald-rpg/engine/internal/context"
	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/llm"
)

// llmAgent is the shared model-backed agent body. The three domain
// agents differ only in role, system prompt, and tool catalog.
type llmAgent struct {
	name    string
	role    llm.Role
	system  string
	tools   []llm.Tool
	invoker llm.Invoker
}

func (a *llmAgent) Name() string      { return a.name }
func (a *llmAgent) Tools() []llm.Tool { return a.tools }

// Handle drives one model exchange: prompt, tool calls, result. The tool
// loop has no round cap of its own; every executed call charges the
// agent's tool budget, and exhaustion surfaces as an error the
// coordinator turns into a pause. A misused tool (unknown name, bad
// arguments, nonexistent entity) is the model's mistake: its error goes
// back as tool content so the model can correct course, and the turn
// still lands in a terminal state.
func (a *llmAgent) Handle(ctx context.Context, turn domain.Turn, pack domain.ContextPack,
	directive domain.PlotDirective, tools *ToolContext) (domain.DomainResult, error) {

	req := llm.Request{
		Role:   a.role,
		System: a.system,
		Prompt: buildPrompt(turn, pack, directive),
		Tools:  a.tools,
	}
	for {
		result, err := a.invoker.Invoke(ctx, req)
		if err != nil {
			return domain.DomainResult{}, err
		}
		if len(result.ToolCalls) == 0 {
			return llm.ParseDomainResult(result.DecisionJSON)
		}
		results := make([]llm.ToolResult, 0, len(result.ToolCalls))
		for _, call := range result.ToolCalls {
			tr, err := tools.Execute(ctx, call)
			if err != nil {
				if toolErrCode(err) == domain.ErrToolBudget.Code {
					return domain.DomainResult{}, err
				}
				tr = llm.ToolResult{
					CallID:  call.ID,
					Name:    call.Name,
					Content: `{"error":` + strconv.Quote(err.Error()) + `}`,
				}
			}
			results = append(results, tr)
		}
		req.Exchanges = append(req.Exchanges, llm.ToolExchange{
			Calls:   result.ToolCalls,
			Results: results,
		})
	}
}

func toolErrCode(err error) int {
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 0
}

func buildPrompt(turn domain.Turn, pack domain.ContextPack, directive domain.PlotDirective) string {
	prompt := ctxpack.Render(pack)
	if directive.Beat != "" || directive.Pacing != "" {
		prompt += fmt.Sprintf("Director's advice (non-binding): beat=%s pacing=%s.\n",
			directive.Beat, directive.Pacing)
	}
	for _, obj := range directive.Objectives {
		prompt += "Director suggests: " + obj + "\n"
	}
	return prompt + fmt.Sprintf("Player input: %q", turn.Input.Text)
}

const resultContract = `Reply with JSON:
{"status":"completed"|"continue"|"needs_player_input"|"error",
 "narrative":"...",
 "delta":{"entities":[{"entity_id","field","op":"set"|"add"|"remove","value","amount"}],
          "quests":[{"quest_id","objective_id","status","done","note"}],
          "time_advance_min":0,
          "events":[{"type","entity_refs":[...],"payload_json","durable":false}]},
 "next_agent":"dialogue"|"combat"|"exploration",
 "prompt":{"type":"dice_roll"|"choice"|"free_text","data":{...}}}.
Only "continue" uses next_agent; only "needs_player_input" uses prompt.
Mark an event durable only when it states a lasting world truth.`

var rollDiceTool = llm.Tool{
	Name:        "roll_dice",
	Description: "Roll dice with a formula like 1d20+3 or 2d6+STR. Pass entity_id to use that entity's stats for attribute modifiers.",
	Params:      map[string]string{"formula": "dice formula", "entity_id": "entity whose stats resolve attribute modifiers (optional)"},
}

var recallFactsTool = llm.Tool{
	Name:        "recall_facts",
	Description: "Search the session's remembered facts.",
	Params:      map[string]string{"query": "what to look for"},
}

var inspectEntityTool = llm.Tool{
	Name:        "inspect_entity",
	Description: "Read an entity's canonical state: hp, location, stats, notes.",
	Params:      map[string]string{"entity_id": "the entity to inspect"},
}

// NewDialogue builds the dialogue agent: conversation, persuasion, and
// information flow between the party and NPCs.
func NewDialogue(invoker llm.Invoker) Agent {
	return &llmAgent{
		name:    "dialogue",
		role:    llm.RoleDialogue,
		invoker: invoker,
		tools:   []llm.Tool{recallFactsTool, inspectEntityTool},
		system: `You resolve dialogue in a tabletop RPG. Voice the NPCs in
character, keep what they know consistent with the remembered facts, and
never reveal what an NPC could not know. Dialogue rarely changes world
state; emit quest or entity changes only when the conversation itself
causes them. Hand off to "combat" when talk turns to blows, or to
"exploration" when the party moves or investigates. ` + resultContract,
	}
}

// NewCombat builds the combat agent: initiative, attacks, damage, and
// death.
func NewCombat(invoker llm.Invoker) Agent {
	return &llmAgent{
		name:    "combat",
		role:    llm.RoleCombat,
		invoker: invoker,
		tools:   []llm.Tool{rollDiceTool, inspectEntityTool},
		system: `You resolve combat in a tabletop RPG. Resolve attacks with
roll_dice, apply damage as hp deltas with op "add" and negative amounts,
and narrate concretely. A combatant at 0 hp is down; emit a durable event
for a death. Hand off to "dialogue" when someone parleys mid-fight. ` + resultContract,
	}
}

// NewExploration builds the exploration agent: movement, searching,
// skill checks, and the passage of time.
func NewExploration(invoker llm.Invoker) Agent {
	return &llmAgent{
		name:    "exploration",
		role:    llm.RoleExploration,
		invoker: invoker,
		tools:   []llm.Tool{rollDiceTool, recallFactsTool, inspectEntityTool},
		system: `You resolve exploration in a tabletop RPG: movement between
scenes, searching, and skill checks. When an action's outcome should hinge
on the player's own roll, pause with a "needs_player_input" prompt of type
"dice_roll" instead of rolling for them. Advance time_advance_min for
actions that take time. Hand off to "dialogue" or "combat" as the fiction
demands. ` + resultContract,
	}
}
