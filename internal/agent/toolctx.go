package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/skald-rpg/engine/internal/dice"
	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/llm"
	"github.com/skald-rpg/engine/internal/memory"
	"github.com/skald-rpg/engine/internal/store"
)

// ToolBudget meters tool calls across a whole turn. Implemented by the
// coordinator's budget; exhaustion pauses the turn.
type ToolBudget interface {
	SpendTool() error
}

// ToolContext executes agent tool calls against read-only world state.
// Every execution charges the turn's tool budget.
type ToolContext struct {
	db        *sql.DB
	index     *memory.Index
	entities  store.EntityRepo
	budget    ToolBudget
	sessionID string
	seed      int64
	rolls     int
	topK      int
}

func NewToolContext(db *sql.DB, index *memory.Index, budget ToolBudget, sessionID string, seed int64, topK int) *ToolContext {
	return &ToolContext{
		db:        db,
		index:     index,
		budget:    budget,
		sessionID: sessionID,
		seed:      seed,
		topK:      topK,
	}
}

// Execute runs one tool call and returns its JSON content. Budget
// exhaustion is returned as an error so the caller can pause the turn
// instead of silently feeding the model a failure.
func (tc *ToolContext) Execute(ctx context.Context, call llm.ToolCall) (llm.ToolResult, error) {
	if err := tc.budget.SpendTool(); err != nil {
		return llm.ToolResult{}, err
	}
	content, err := tc.run(ctx, call)
	if err != nil {
		return llm.ToolResult{}, err
	}
	return llm.ToolResult{CallID: call.ID, Name: call.Name, Content: content}, nil
}

func (tc *ToolContext) run(ctx context.Context, call llm.ToolCall) (string, error) {
	switch call.Name {
	case "roll_dice":
		return tc.rollDice(ctx, call.ArgsJSON)
	case "recall_facts":
		return tc.recallFacts(ctx, call.ArgsJSON)
	case "inspect_entity":
		return tc.inspectEntity(ctx, call.ArgsJSON)
	default:
		return "", domain.NewEngineError(domain.ErrToolUnknown.Code,
			"no such tool "+call.Name)
	}
}

// rollDice resolves a formula deterministically from the turn seed. Each
// roll within a turn derives a distinct sub-seed so repeated rolls differ
// while replays of the turn do not.
func (tc *ToolContext) rollDice(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		Formula  string `json:"formula"`
		EntityID string `json:"entity_id,omitempty"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", domain.WrapEngineError(domain.ErrToolUnknown.Code, "bad roll_dice arguments", err)
	}
	var attrs map[string]int64
	if args.EntityID != "" {
		e, err := tc.entities.GetByID(ctx, tc.db, tc.sessionID, args.EntityID)
		if err != nil {
			return "", err
		}
		attrs = make(map[string]int64, len(e.Stats))
		for k, v := range e.Stats {
			attrs[strings.ToUpper(k)] = v
		}
	}
	tc.rolls++
	res, err := dice.Roll(args.Formula, tc.seed+int64(tc.rolls), attrs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"formula":%q,"rolls":%s,"total":%d}`,
		res.Formula, intsJSON(res.Rolls), res.Total), nil
}

func (tc *ToolContext) recallFacts(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		Query string   `json:"query"`
		Tags  []string `json:"tags,omitempty"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", domain.WrapEngineError(domain.ErrToolUnknown.Code, "bad recall_facts arguments", err)
	}
	snippets, err := tc.index.Search(ctx, tc.sessionID, args.Tags, args.Query, tc.topK)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]any{"facts": snippets})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (tc *ToolContext) inspectEntity(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		EntityID string `json:"entity_id"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", domain.WrapEngineError(domain.ErrToolUnknown.Code, "bad inspect_entity arguments", err)
	}
	e, err := tc.entities.GetByID(ctx, tc.db, tc.sessionID, args.EntityID)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func intsJSON(ints []int) string {
	parts := make([]string, len(ints))
	for i, v := range ints {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
