package turn

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skald-rpg/engine/internal/adventure"
	"github.com/skald-rpg/engine/internal/agent"
	ctxpack "github.com/skald-rpg/engine/internal/context"
	"github.com/skald-rpg/engine/internal/director"
	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/guard"
	"github.com/skald-rpg/engine/internal/llm"
	"github.com/skald-rpg/engine/internal/memory"
	"github.com/skald-rpg/engine/internal/store"
	"github.com/skald-rpg/engine/internal/writer"
)

const testModule = `{
	"id": "mill-mystery",
	"title": "The Mill Mystery",
	"start_scene_id": "village-square",
	"patch_power_budget": 5,
	"scenes": [
		{"id": "village-square", "name": "Village Square", "summary": "A quiet square.", "exits": ["old-mill"]},
		{"id": "old-mill", "name": "Old Mill", "summary": "The mill creaks.", "exits": ["village-square"]}
	],
	"entities": [
		{"id": "pc-aria", "name": "Aria", "kind": "pc", "location": "village-square", "hp": 12, "stats": {"dex": 3}},
		{"id": "goblin-1", "name": "Goblin", "kind": "npc", "location": "village-square", "hp": 7}
	],
	"quests": [
		{"id": "q-mill", "name": "What Haunts the Mill", "objectives": [
			{"id": "o1", "description": "Search the mill"}
		]}
	]
}`

type testStack struct {
	service *SessionService
	script  *llm.ScriptInvoker
	db      *sql.DB
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	return newTestStackOpts(t, Options{
		DefaultAgent:    "exploration",
		MaxRounds:       3,
		MaxToolCalls:    4,
		RetrievalTopK:   4,
		PendingTTL:      time.Hour,
		DecisionTimeout: time.Second,
	})
}

func newTestStackOpts(t *testing.T, opts Options) *testStack {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "skald.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	modPath := filepath.Join(t.TempDir(), "module.json")
	if err := os.WriteFile(modPath, []byte(testModule), 0o644); err != nil {
		t.Fatalf("writing module: %v", err)
	}
	module, err := adventure.Load(modPath)
	if err != nil {
		t.Fatalf("loading module: %v", err)
	}

	script := llm.NewScriptInvoker()
	nop := zerolog.Nop()

	index := memory.NewIndex(db)
	broker, err := ctxpack.NewBroker(db, index, ctxpack.Options{
		RecapLimit: 6, EventWindow: 10, RetrievalTopK: 4,
		TokenBudget: 4096, AdvisoryTimeoutMS: 500,
	}, nop)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}

	agents := agent.NewRegistry()
	agents.Register(agent.NewDialogue(script))
	agents.Register(agent.NewCombat(script))
	agents.Register(agent.NewExploration(script))

	coordinator := NewCoordinator(db, broker,
		guard.New(script, time.Second, nop),
		director.New(script, time.Second, nop),
		agents,
		writer.New(db, module, nop),
		memory.NewCurator(index, script, nop),
		index,
		opts, nop)

	service := NewSessionService(db, module, coordinator, nop)
	if _, err := service.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return &testStack{service: service, script: script, db: db}
}

func (ts *testStack) submit(t *testing.T, input domain.TurnInput) domain.TurnOutcome {
	t.Helper()
	outcome, err := ts.service.SubmitInput(context.Background(), input)
	if err != nil {
		t.Fatalf("SubmitInput(%q): %v", input.Text, err)
	}
	return outcome
}

func TestTurnCommitsCombatAction(t *testing.T) {
	ts := newTestStack(t)
	ts.script.
		QueueJSON(llm.RoleGuard, `{"status":"valid"}`).
		QueueJSON(llm.RoleDirector, `{"beat":"rising","starting_agent":"combat"}`).
		Queue(llm.RoleCombat, llm.Result{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "roll_dice", ArgsJSON: `{"formula":"1d20+DEX","entity_id":"pc-aria"}`},
		}}).
		QueueJSON(llm.RoleCombat, `{
			"status":"completed",
			"narrative":"Aria's blade bites into the goblin.",
			"delta":{
				"entities":[{"entity_id":"goblin-1","field":"hp","op":"add","amount":-4}],
				"time_advance_min":1,
				"events":[{"type":"combat.hit","entity_refs":["pc-aria","goblin-1"],"payload_json":"{\"narrative\":\"a telling blow\"}","durable":true}]
			}
		}`)

	outcome := ts.submit(t, domain.TurnInput{SessionID: "s1", Text: "attack the goblin"})
	if outcome.Status != domain.TurnCommitted {
		t.Fatalf("status = %q, want committed", outcome.Status)
	}
	if outcome.Commit == nil || outcome.Commit.Status != domain.CommitApplied {
		t.Fatalf("commit = %+v", outcome.Commit)
	}

	snap, err := ts.service.Snapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	var goblin domain.Entity
	for _, e := range snap.Entities {
		if e.ID == "goblin-1" {
			goblin = e
		}
	}
	if goblin.HP != 3 {
		t.Fatalf("goblin hp = %d, want 3", goblin.HP)
	}
	if snap.ClockMin != 1 {
		t.Fatalf("clock = %d, want 1", snap.ClockMin)
	}

	// The durable hit was promoted to a fact (literal fallback, since no
	// curator response is scripted).
	facts, err := ts.service.Facts(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Facts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("len(facts) = %d, want 1", len(facts))
	}

	events, err := ts.service.Events(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	// combat.hit plus the narration event, contiguous from seq 1.
	if len(events) != 2 || events[0].SeqNo != 1 || events[1].SeqNo != 2 {
		t.Fatalf("events = %+v", events)
	}
}

func TestGuardRejectionIsIdempotent(t *testing.T) {
	ts := newTestStack(t)
	for i := 0; i < 2; i++ {
		ts.script.QueueJSON(llm.RoleGuard,
			`{"status":"reject","narrative":"The stone door does not answer to threats."}`)
	}

	first := ts.submit(t, domain.TurnInput{SessionID: "s1", Text: "I intimidate the door"})
	second := ts.submit(t, domain.TurnInput{SessionID: "s1", Text: "I intimidate the door"})

	for _, outcome := range []domain.TurnOutcome{first, second} {
		if outcome.Status != domain.TurnRejected {
			t.Fatalf("status = %q, want rejected", outcome.Status)
		}
		if outcome.Narrative == "" {
			t.Fatal("rejection lost its narrative")
		}
	}

	events, err := ts.service.Events(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("%d events written by rejected turns", len(events))
	}
	facts, err := ts.service.Facts(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Facts: %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("%d facts promoted by rejected turns", len(facts))
	}
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	ts := newTestStack(t)
	ts.script.
		QueueJSON(llm.RoleGuard, `{"status":"valid"}`).
		QueueJSON(llm.RoleExploration, `{
			"status":"needs_player_input",
			"prompt":{"type":"dice_roll","data":{"formula":"1d20+DEX","reason":"pick the lock"}}
		}`)

	paused := ts.submit(t, domain.TurnInput{SessionID: "s1", Text: "pick the lock on the mill door"})
	if paused.Status != domain.TurnPaused {
		t.Fatalf("status = %q, want paused", paused.Status)
	}
	if paused.Prompt == nil || paused.Prompt.Type != "dice_roll" {
		t.Fatalf("prompt = %+v", paused.Prompt)
	}

	pending, err := ts.service.Pending(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending == nil || pending.TurnID != paused.TurnID || pending.Agent != "exploration" {
		t.Fatalf("pending = %+v", pending)
	}

	// No facts and no events until something commits.
	if facts, _ := ts.service.Facts(context.Background(), "s1"); len(facts) != 0 {
		t.Fatalf("paused turn promoted %d facts", len(facts))
	}

	// The resume goes straight back to the pausing agent: no guard call
	// is scripted, so any guard invocation would fail the turn.
	ts.script.QueueJSON(llm.RoleExploration, `{
		"status":"completed",
		"narrative":"The lock clicks open.",
		"delta":{
			"quests":[{"quest_id":"q-mill","objective_id":"o1","done":true}],
			"events":[{"type":"exploration.unlocked","entity_refs":["pc-aria"],"durable":true}]
		}
	}`)
	resumed := ts.submit(t, domain.TurnInput{
		SessionID: "s1", Text: "17", ResumeOf: paused.TurnID, Answer: "17",
	})
	if resumed.Status != domain.TurnCommitted {
		t.Fatalf("resumed status = %q, want committed", resumed.Status)
	}
	if resumed.TurnID == paused.TurnID {
		t.Fatal("resumed turn reused the paused turn id")
	}

	// The resuming agent saw the original intent and the answer.
	var resumeCall *llm.Request
	for i := len(ts.script.Calls) - 1; i >= 0; i-- {
		if ts.script.Calls[i].Role == llm.RoleExploration {
			resumeCall = &ts.script.Calls[i]
			break
		}
	}
	if resumeCall == nil {
		t.Fatal("resumed turn never reached the exploration agent")
	}
	for _, needle := range []string{"pick the lock", "17"} {
		if !strings.Contains(resumeCall.Prompt, needle) {
			t.Fatalf("resume prompt missing %q: %q", needle, resumeCall.Prompt)
		}
	}

	pending, err = ts.service.Pending(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Pending after resume: %v", err)
	}
	if pending != nil {
		t.Fatalf("pending survived the resume: %+v", pending)
	}
}

func TestRoundBudgetForcesPause(t *testing.T) {
	ts := newTestStack(t)
	ts.script.QueueJSON(llm.RoleGuard, `{"status":"valid"}`)
	// The agent hands off to itself forever; MaxRounds is 3.
	for i := 0; i < 3; i++ {
		ts.script.QueueJSON(llm.RoleExploration, `{"status":"continue","next_agent":"exploration"}`)
	}

	outcome := ts.submit(t, domain.TurnInput{SessionID: "s1", Text: "do everything at once"})
	if outcome.Status != domain.TurnPaused {
		t.Fatalf("status = %q, want paused after round budget", outcome.Status)
	}
	pending, err := ts.service.Pending(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending == nil {
		t.Fatal("budget pause left no pending action")
	}
	if events, _ := ts.service.Events(context.Background(), "s1", 0); len(events) != 0 {
		t.Fatalf("budget-paused turn wrote %d events", len(events))
	}
}

func TestUnknownHandoffRejectsTurn(t *testing.T) {
	ts := newTestStack(t)
	ts.script.
		QueueJSON(llm.RoleGuard, `{"status":"valid"}`).
		QueueJSON(llm.RoleExploration, `{"status":"continue","next_agent":"necromancy"}`)

	outcome := ts.submit(t, domain.TurnInput{SessionID: "s1", Text: "look around"})
	if outcome.Status != domain.TurnRejected {
		t.Fatalf("status = %q, want rejected", outcome.Status)
	}
	if events, _ := ts.service.Events(context.Background(), "s1", 0); len(events) != 0 {
		t.Fatalf("rejected turn wrote %d events", len(events))
	}
}

func TestGuardTimeoutPausesWithRetryPrompt(t *testing.T) {
	ts := newTestStack(t)
	// Nothing scripted for the guard plus a cancelled deadline: simulate
	// by failing guard with a deadline error through an expired context.
	ts.script.Fail(llm.RoleGuard, context.DeadlineExceeded)

	outcome := ts.submit(t, domain.TurnInput{SessionID: "s1", Text: "hello?"})
	if outcome.Status != domain.TurnRejected && outcome.Status != domain.TurnPaused {
		t.Fatalf("status = %q, want a safe terminal state", outcome.Status)
	}
}

func TestResumeWithoutPending(t *testing.T) {
	ts := newTestStack(t)
	_, err := ts.service.SubmitInput(context.Background(), domain.TurnInput{
		SessionID: "s1", Text: "18", ResumeOf: "ghost-turn",
	})
	var ee *domain.EngineError
	if !errors.As(err, &ee) || ee.Code != domain.ErrPendingNotFound.Code {
		t.Fatalf("err = %v, want ErrPendingNotFound", err)
	}
}

func TestResumeMismatchedTurn(t *testing.T) {
	ts := newTestStack(t)
	ts.script.
		QueueJSON(llm.RoleGuard, `{"status":"valid"}`).
		QueueJSON(llm.RoleExploration, `{
			"status":"needs_player_input",
			"prompt":{"type":"free_text","data":{"reason":"which door?"}}
		}`)
	paused := ts.submit(t, domain.TurnInput{SessionID: "s1", Text: "open the door"})
	if paused.Status != domain.TurnPaused {
		t.Fatalf("status = %q", paused.Status)
	}

	_, err := ts.service.SubmitInput(context.Background(), domain.TurnInput{
		SessionID: "s1", Text: "the left one", ResumeOf: "some-other-turn",
	})
	var ee *domain.EngineError
	if !errors.As(err, &ee) || ee.Code != domain.ErrPendingMismatch.Code {
		t.Fatalf("err = %v, want ErrPendingMismatch", err)
	}
}

func TestImprovPatchFlowsToCommit(t *testing.T) {
	ts := newTestStack(t)
	ts.script.
		QueueJSON(llm.RoleGuard, `{
			"status":"improv",
			"patch":{"kind":"npc","id":"npc-beggar","name":"Beggar","description":"A beggar by the well.","scene_id":"village-square","power":2}
		}`).
		QueueJSON(llm.RoleExploration, `{
			"status":"completed",
			"narrative":"The beggar looks up as you approach.",
			"delta":{"events":[{"type":"exploration.met","entity_refs":["npc-beggar"],"durable":true}]}
		}`)

	outcome := ts.submit(t, domain.TurnInput{SessionID: "s1", Text: "I greet the beggar I met yesterday"})
	if outcome.Status != domain.TurnCommitted {
		t.Fatalf("status = %q, want committed", outcome.Status)
	}

	snap, err := ts.service.Snapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	found := false
	for _, e := range snap.Entities {
		if e.ID == "npc-beggar" {
			found = true
		}
	}
	if !found {
		t.Fatal("improvised entity missing from world")
	}
}

func TestSubmitInputUnknownSession(t *testing.T) {
	ts := newTestStack(t)
	_, err := ts.service.SubmitInput(context.Background(), domain.TurnInput{
		SessionID: "ghost", Text: "hello",
	})
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	ts := newTestStack(t)
	_, err := ts.service.CreateSession(context.Background(), "s1")
	var ee *domain.EngineError
	if !errors.As(err, &ee) || ee.Code != domain.ErrDuplicateSession.Code {
		t.Fatalf("err = %v, want ErrDuplicateSession", err)
	}
}

func TestAgentTimeoutPausesTurn(t *testing.T) {
	ts := newTestStack(t)
	ts.script.
		QueueJSON(llm.RoleGuard, `{"status":"valid"}`).
		Fail(llm.RoleExploration, context.DeadlineExceeded)

	outcome := ts.submit(t, domain.TurnInput{SessionID: "s1", Text: "search the square"})
	if outcome.Status != domain.TurnPaused {
		t.Fatalf("status = %q, want paused", outcome.Status)
	}

	pending, err := ts.service.Pending(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending == nil || pending.Agent != "exploration" {
		t.Fatalf("pending = %+v, want exploration pause", pending)
	}
	if events, _ := ts.service.Events(context.Background(), "s1", 0); len(events) != 0 {
		t.Fatalf("timed-out turn wrote %d events", len(events))
	}
}

func TestUnknownToolStillResolvesTurn(t *testing.T) {
	ts := newTestStack(t)
	ts.script.
		QueueJSON(llm.RoleGuard, `{"status":"valid"}`).
		Queue(llm.RoleExploration, llm.Result{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "open_portal", ArgsJSON: `{}`},
		}}).
		QueueJSON(llm.RoleExploration, `{
			"status":"completed",
			"narrative":"No portal opens; the square stays stubbornly ordinary."
		}`)

	outcome := ts.submit(t, domain.TurnInput{SessionID: "s1", Text: "open a portal home"})
	if outcome.Status != domain.TurnCommitted {
		t.Fatalf("status = %q, want committed", outcome.Status)
	}

	// The failed call went back to the model as error content.
	var retry *llm.Request
	for i := range ts.script.Calls {
		if ts.script.Calls[i].Role == llm.RoleExploration && len(ts.script.Calls[i].Exchanges) > 0 {
			retry = &ts.script.Calls[i]
		}
	}
	if retry == nil {
		t.Fatal("no exploration call carried the tool exchange")
	}
	if !strings.Contains(retry.Exchanges[0].Results[0].Content, `"error"`) {
		t.Fatalf("tool result = %q, want error content", retry.Exchanges[0].Results[0].Content)
	}
}

func TestToolBudgetResetsOnHandoff(t *testing.T) {
	ts := newTestStackOpts(t, Options{
		DefaultAgent:    "exploration",
		MaxRounds:       3,
		MaxToolCalls:    1,
		RetrievalTopK:   4,
		PendingTTL:      time.Hour,
		DecisionTimeout: time.Second,
	})
	ts.script.
		QueueJSON(llm.RoleGuard, `{"status":"valid"}`).
		QueueJSON(llm.RoleDirector, `{"beat":"rising","starting_agent":"exploration"}`).
		Queue(llm.RoleExploration, llm.Result{ToolCalls: []llm.ToolCall{
			{ID: "e1", Name: "roll_dice", ArgsJSON: `{"formula":"1d6"}`},
		}}).
		QueueJSON(llm.RoleExploration, `{
			"status":"continue","next_agent":"combat",
			"narrative":"You stumble into the goblin's ambush."
		}`).
		Queue(llm.RoleCombat, llm.Result{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "roll_dice", ArgsJSON: `{"formula":"1d20"}`},
		}}).
		QueueJSON(llm.RoleCombat, `{
			"status":"completed",
			"narrative":"You turn the ambush around.",
			"delta":{"events":[{"type":"combat.hit","entity_refs":["goblin-1"],"durable":true}]}
		}`)

	// One tool call per agent: each agent in the chain gets its own
	// allowance, so the second agent's roll must not hit the cap.
	outcome := ts.submit(t, domain.TurnInput{SessionID: "s1", Text: "scout ahead"})
	if outcome.Status != domain.TurnCommitted {
		t.Fatalf("status = %q, want committed", outcome.Status)
	}
}
