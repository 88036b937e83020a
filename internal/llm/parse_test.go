package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/skald-rpg/engine/internal/domain"
)

func TestParseGuardDecisionValid(t *testing.T) {
	d, err := ParseGuardDecision(`{"status":"valid"}`)
	if err != nil {
		t.Fatalf("ParseGuardDecision: %v", err)
	}
	if d.Status != domain.GuardValid {
		t.Fatalf("status = %q, want valid", d.Status)
	}
}

func TestParseGuardDecisionFencedJSON(t *testing.T) {
	raw := "Here is my verdict:\n```json\n{\"status\":\"reject\",\"narrative\":\"The door ignores you.\"}\n```"
	d, err := ParseGuardDecision(raw)
	if err != nil {
		t.Fatalf("ParseGuardDecision: %v", err)
	}
	if d.Status != domain.GuardReject {
		t.Fatalf("status = %q, want reject", d.Status)
	}
	if d.Narrative == "" {
		t.Fatal("narrative lost while unwrapping fence")
	}
}

func TestParseGuardDecisionBadStatus(t *testing.T) {
	_, err := ParseGuardDecision(`{"status":"maybe"}`)
	var ee *domain.EngineError
	if !errors.As(err, &ee) || ee.Code != domain.ErrDecisionUnparsable.Code {
		t.Fatalf("err = %v, want ErrDecisionUnparsable", err)
	}
}

func TestParseGuardDecisionNeedsInputRequiresPrompt(t *testing.T) {
	_, err := ParseGuardDecision(`{"status":"needs_player_input"}`)
	if err == nil {
		t.Fatal("expected error for needs_player_input without prompt")
	}
}

func TestParseGuardDecisionPatchOnlyWithImprov(t *testing.T) {
	_, err := ParseGuardDecision(`{"status":"valid","patch":{"kind":"npc","id":"n1","power":1}}`)
	if err == nil {
		t.Fatal("expected error for patch on a valid verdict")
	}
	d, err := ParseGuardDecision(`{"status":"improv","patch":{"kind":"npc","id":"n1","name":"Old Miller","power":1}}`)
	if err != nil {
		t.Fatalf("ParseGuardDecision improv: %v", err)
	}
	if d.Patch == nil || d.Patch.ID != "n1" {
		t.Fatalf("patch = %+v, want id n1", d.Patch)
	}
}

func TestParseDomainResult(t *testing.T) {
	raw := `{
		"status": "completed",
		"narrative": "The blade bites deep.",
		"delta": {
			"entities": [{"entity_id":"goblin-1","field":"hp","op":"add","amount":-4}],
			"events": [{"type":"combat.hit","entity_refs":["goblin-1"]}]
		}
	}`
	r, err := ParseDomainResult(raw)
	if err != nil {
		t.Fatalf("ParseDomainResult: %v", err)
	}
	if r.Status != domain.ResultCompleted {
		t.Fatalf("status = %q, want completed", r.Status)
	}
	if len(r.Delta.Entities) != 1 || r.Delta.Entities[0].Amount != -4 {
		t.Fatalf("delta entities = %+v", r.Delta.Entities)
	}
}

func TestParseDomainResultContinueNeedsAgent(t *testing.T) {
	_, err := ParseDomainResult(`{"status":"continue"}`)
	if err == nil {
		t.Fatal("expected error for continue without next agent")
	}
}

func TestParseDomainResultBadOp(t *testing.T) {
	raw := `{"status":"completed","delta":{"entities":[{"entity_id":"e","field":"hp","op":"zero"}]}}`
	_, err := ParseDomainResult(raw)
	var ee *domain.EngineError
	if !errors.As(err, &ee) || ee.Code != domain.ErrDecisionUnparsable.Code {
		t.Fatalf("err = %v, want ErrDecisionUnparsable", err)
	}
}

func TestParseDomainResultNoJSON(t *testing.T) {
	_, err := ParseDomainResult("I attack the goblin with my sword.")
	if err == nil {
		t.Fatal("expected error for prose-only response")
	}
}

func TestParseCuratedFactsDropsUncited(t *testing.T) {
	raw := `{"facts":[
		{"text":"The miller owes the party a favor.","citations":[12],"entity_refs":["npc-miller"]},
		{"text":"uncited rumor","citations":[]},
		{"text":"","citations":[3]}
	]}`
	facts, err := ParseCuratedFacts(raw)
	if err != nil {
		t.Fatalf("ParseCuratedFacts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("len(facts) = %d, want 1", len(facts))
	}
	if got := facts[0].Fact.Citations[0]; got != 12 {
		t.Fatalf("citation = %d, want 12", got)
	}
}

func TestParsePlotDirective(t *testing.T) {
	d, err := ParsePlotDirective(`{"beat":"rising","starting_agent":"combat"}`)
	if err != nil {
		t.Fatalf("ParsePlotDirective: %v", err)
	}
	if d.StartingAgent != "combat" {
		t.Fatalf("starting agent = %q, want combat", d.StartingAgent)
	}
}

func TestRegistryFallback(t *testing.T) {
	reg := NewRegistry(Profile{Model: "gpt-4o", Temperature: 0.7})
	reg.Register(RoleGuard, Profile{Model: "gpt-4o-mini", Temperature: 0})

	if p := reg.Profile(RoleGuard); p.Model != "gpt-4o-mini" {
		t.Fatalf("guard model = %q, want gpt-4o-mini", p.Model)
	}
	if p := reg.Profile(RoleCombat); p.Model != "gpt-4o" {
		t.Fatalf("combat model = %q, want default gpt-4o", p.Model)
	}
}

func TestRegistryRequireUnregistered(t *testing.T) {
	reg := NewRegistry(Profile{})
	_, err := reg.Require(RoleDialogue)
	var ee *domain.EngineError
	if !errors.As(err, &ee) || ee.Code != domain.ErrRoleNotRegistered.Code {
		t.Fatalf("err = %v, want ErrRoleNotRegistered", err)
	}
}

func TestScriptInvokerOrderAndExhaustion(t *testing.T) {
	s := NewScriptInvoker().
		QueueJSON(RoleGuard, `{"status":"valid"}`).
		QueueJSON(RoleGuard, `{"status":"reject"}`)

	r1, err := s.Invoke(context.Background(), Request{Role: RoleGuard})
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	r2, err := s.Invoke(context.Background(), Request{Role: RoleGuard})
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if r1.DecisionJSON == r2.DecisionJSON {
		t.Fatal("queued results replayed out of order")
	}
	if _, err := s.Invoke(context.Background(), Request{Role: RoleGuard}); err == nil {
		t.Fatal("expected exhaustion error")
	}
}
