package agent

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/llm"
	"github.com/skald-rpg/engine/internal/memory"
	"github.com/skald-rpg/engine/internal/store"
)

type countingBudget struct {
	remaining int
}

func (b *countingBudget) SpendTool() error {
	if b.remaining <= 0 {
		return domain.ErrToolBudget
	}
	b.remaining--
	return nil
}

func newToolTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "skald.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	var sessions store.SessionRepo
	if err := sessions.CreateTx(ctx, tx, store.SessionState{
		SessionID: "s1", ModuleID: "m", SceneID: "old-mill",
	}); err != nil {
		t.Fatalf("seeding session: %v", err)
	}
	var entities store.EntityRepo
	if err := entities.UpsertTx(ctx, tx, "s1", domain.Entity{
		ID: "goblin-1", Name: "Goblin", Kind: "npc", Location: "old-mill",
		HP: 7, Stats: map[string]int64{"str": 1, "dex": 2},
	}); err != nil {
		t.Fatalf("seeding entity: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return db
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register(NewDialogue(llm.NewScriptInvoker()))

	if _, err := r.Get("dialogue"); err != nil {
		t.Fatalf("Get(dialogue): %v", err)
	}
	_, err := r.Get("necromancy")
	var ee *domain.EngineError
	if !errors.As(err, &ee) || ee.Code != domain.ErrAgentNotFound.Code {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
	if got := r.List(); len(got) != 1 || got[0] != "dialogue" {
		t.Fatalf("List() = %v", got)
	}
}

func TestHandleCompletedWithDelta(t *testing.T) {
	script := llm.NewScriptInvoker().QueueJSON(llm.RoleCombat, `{
		"status": "completed",
		"narrative": "Your blade finds the gap in the goblin's armor.",
		"delta": {
			"entities": [{"entity_id":"goblin-1","field":"hp","op":"add","amount":-5}],
			"events": [{"type":"combat.hit","entity_refs":["goblin-1"],"payload_json":"{\"narrative\":\"blade strike\"}"}]
		}
	}`)
	combat := NewCombat(script)

	res, err := combat.Handle(context.Background(),
		domain.Turn{ID: "turn-1", Input: domain.TurnInput{SessionID: "s1", Text: "attack the goblin"}},
		domain.ContextPack{SceneID: "old-mill"}, domain.PlotDirective{}, nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != domain.ResultCompleted {
		t.Fatalf("status = %q", res.Status)
	}
	if len(res.Delta.Entities) != 1 || res.Delta.Entities[0].Amount != -5 {
		t.Fatalf("delta = %+v", res.Delta)
	}
}

func TestHandleExecutesToolsAgainstWorld(t *testing.T) {
	db := newToolTestDB(t)
	budget := &countingBudget{remaining: 6}
	tools := NewToolContext(db, memory.NewIndex(db), budget, "s1", 99, 4)

	script := llm.NewScriptInvoker().
		Queue(llm.RoleCombat, llm.Result{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "inspect_entity", ArgsJSON: `{"entity_id":"goblin-1"}`},
			{ID: "c2", Name: "roll_dice", ArgsJSON: `{"formula":"1d20+DEX","entity_id":"goblin-1"}`},
		}}).
		QueueJSON(llm.RoleCombat, `{"status":"completed","narrative":"done"}`)
	combat := NewCombat(script)

	_, err := combat.Handle(context.Background(),
		domain.Turn{ID: "turn-1", Input: domain.TurnInput{SessionID: "s1", Text: "attack"}},
		domain.ContextPack{}, domain.PlotDirective{}, tools)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if budget.remaining != 4 {
		t.Fatalf("budget remaining = %d, want 4", budget.remaining)
	}
	last := script.Calls[len(script.Calls)-1]
	if len(last.Exchanges) != 1 || len(last.Exchanges[0].Results) != 2 {
		t.Fatalf("exchanges = %+v", last.Exchanges)
	}
	results := last.Exchanges[0].Results
	if !strings.Contains(results[0].Content, `"Goblin"`) {
		t.Fatalf("inspect content = %q", results[0].Content)
	}
	if !strings.Contains(results[1].Content, `"total"`) {
		t.Fatalf("roll content = %q", results[1].Content)
	}
	if len(last.Exchanges[0].Calls) != 2 || last.Exchanges[0].Calls[0].ID != "c1" {
		t.Fatalf("exchange calls = %+v", last.Exchanges[0].Calls)
	}
}

func TestHandleFeedsToolErrorsBackToModel(t *testing.T) {
	db := newToolTestDB(t)
	budget := &countingBudget{remaining: 6}
	tools := NewToolContext(db, memory.NewIndex(db), budget, "s1", 99, 4)

	script := llm.NewScriptInvoker().
		Queue(llm.RoleExploration, llm.Result{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "open_portal", ArgsJSON: `{}`},
			{ID: "c2", Name: "inspect_entity", ArgsJSON: `{"entity_id":"no-such-npc"}`},
		}}).
		QueueJSON(llm.RoleExploration, `{"status":"completed","narrative":"I search the room instead."}`)
	exploration := NewExploration(script)

	res, err := exploration.Handle(context.Background(),
		domain.Turn{ID: "turn-1", Input: domain.TurnInput{SessionID: "s1", Text: "open a portal"}},
		domain.ContextPack{}, domain.PlotDirective{}, tools)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != domain.ResultCompleted {
		t.Fatalf("status = %q, want completed", res.Status)
	}

	last := script.Calls[len(script.Calls)-1]
	if len(last.Exchanges) != 1 || len(last.Exchanges[0].Results) != 2 {
		t.Fatalf("exchanges = %+v", last.Exchanges)
	}
	for i, result := range last.Exchanges[0].Results {
		if !strings.Contains(result.Content, `"error"`) {
			t.Fatalf("result %d = %q, want error content", i, result.Content)
		}
	}
}

func TestHandleToolBudgetExhaustion(t *testing.T) {
	db := newToolTestDB(t)
	tools := NewToolContext(db, memory.NewIndex(db), &countingBudget{remaining: 0}, "s1", 1, 4)

	script := llm.NewScriptInvoker().Queue(llm.RoleExploration, llm.Result{
		ToolCalls: []llm.ToolCall{{ID: "c1", Name: "roll_dice", ArgsJSON: `{"formula":"1d6"}`}},
	})
	exploration := NewExploration(script)

	_, err := exploration.Handle(context.Background(),
		domain.Turn{ID: "turn-1", Input: domain.TurnInput{SessionID: "s1", Text: "search"}},
		domain.ContextPack{}, domain.PlotDirective{}, tools)
	if !errors.Is(err, domain.ErrToolBudget) {
		t.Fatalf("err = %v, want ErrToolBudget", err)
	}
}

func TestToolContextUnknownTool(t *testing.T) {
	db := newToolTestDB(t)
	tools := NewToolContext(db, memory.NewIndex(db), &countingBudget{remaining: 5}, "s1", 1, 4)

	_, err := tools.Execute(context.Background(), llm.ToolCall{ID: "c", Name: "summon_dragon", ArgsJSON: "{}"})
	var ee *domain.EngineError
	if !errors.As(err, &ee) || ee.Code != domain.ErrToolUnknown.Code {
		t.Fatalf("err = %v, want ErrToolUnknown", err)
	}
}

func TestToolContextRollsVaryWithinTurn(t *testing.T) {
	db := newToolTestDB(t)
	tools := NewToolContext(db, memory.NewIndex(db), &countingBudget{remaining: 10}, "s1", 7, 4)

	r1, err := tools.Execute(context.Background(), llm.ToolCall{ID: "a", Name: "roll_dice", ArgsJSON: `{"formula":"1d100"}`})
	if err != nil {
		t.Fatalf("first roll: %v", err)
	}
	r2, err := tools.Execute(context.Background(), llm.ToolCall{ID: "b", Name: "roll_dice", ArgsJSON: `{"formula":"1d100"}`})
	if err != nil {
		t.Fatalf("second roll: %v", err)
	}
	if r1.Content == r2.Content {
		t.Fatalf("consecutive rolls identical: %q", r1.Content)
	}
}
