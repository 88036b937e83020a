package memory

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/llm"
)

func TestCuratorPromotesDurableEventsOnly(t *testing.T) {
	ix, _ := newTestIndex(t)
	script := llm.NewScriptInvoker().QueueJSON(llm.RoleCurator,
		`{"facts":[{"text":"The miller confessed to hiding the ledger.","tags":["npc-miller"],"entity_refs":["npc-miller"],"citations":[7]}]}`)
	c := NewCurator(ix, script, zerolog.Nop())

	facts := c.Curate(context.Background(), "s1", []domain.Event{
		{ID: 6, Type: "dialogue.line", Durable: false},
		{ID: 7, Type: "dialogue.revealed", EntityRefs: []string{"npc-miller"}, Durable: true},
	})
	if len(facts) != 1 {
		t.Fatalf("len(facts) = %d, want 1", len(facts))
	}
	if facts[0].Citations[0] != 7 {
		t.Fatalf("citation = %d, want 7", facts[0].Citations[0])
	}

	got, err := ix.Search(context.Background(), "s1", []string{"npc-miller"}, "ledger", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("fact not retrievable after curation: %+v", got)
	}
}

func TestCuratorNoDurableEventsNoFacts(t *testing.T) {
	ix, _ := newTestIndex(t)
	script := llm.NewScriptInvoker()
	c := NewCurator(ix, script, zerolog.Nop())

	facts := c.Curate(context.Background(), "s1", []domain.Event{
		{ID: 1, Type: "dialogue.line", Durable: false},
	})
	if len(facts) != 0 {
		t.Fatalf("len(facts) = %d, want 0", len(facts))
	}
	if len(script.Calls) != 0 {
		t.Fatal("curator invoked the model with nothing durable to curate")
	}
}

func TestCuratorFallsBackWhenModelFails(t *testing.T) {
	ix, _ := newTestIndex(t)
	script := llm.NewScriptInvoker().Fail(llm.RoleCurator, domain.ErrInvokeFailed)
	c := NewCurator(ix, script, zerolog.Nop())

	facts := c.Curate(context.Background(), "s1", []domain.Event{
		{ID: 3, Type: "quest.completed", EntityRefs: []string{"q-mill"}, PayloadJSON: `{"quest":"q-mill"}`, Durable: true},
	})
	if len(facts) != 1 {
		t.Fatalf("len(facts) = %d, want 1 literal fallback fact", len(facts))
	}
	if facts[0].Citations[0] != 3 {
		t.Fatalf("fallback citation = %d, want 3", facts[0].Citations[0])
	}
}

func TestCuratorDropsHallucinatedCitations(t *testing.T) {
	ix, _ := newTestIndex(t)
	script := llm.NewScriptInvoker().QueueJSON(llm.RoleCurator,
		`{"facts":[{"text":"invented","citations":[999]}]}`)
	c := NewCurator(ix, script, zerolog.Nop())

	facts := c.Curate(context.Background(), "s1", []domain.Event{
		{ID: 4, Type: "combat.victory", Durable: true},
	})
	if len(facts) != 0 {
		t.Fatalf("len(facts) = %d, want 0 for out-of-turn citations", len(facts))
	}
}

func TestCuratorSupersedesCorrectedFacts(t *testing.T) {
	ix, _ := newTestIndex(t)
	oldID := seedFact(t, ix, "s1", domain.Fact{Text: "The miller is alive.", Citations: []int64{1}}, 100)

	script := llm.NewScriptInvoker().QueueJSON(llm.RoleCurator,
		`{"facts":[{"text":"The miller is dead, slain in the mill.","citations":[8],"supersedes":["`+oldID+`"]}]}`)
	c := NewCurator(ix, script, zerolog.Nop())

	facts := c.Curate(context.Background(), "s1", []domain.Event{
		{ID: 8, Type: "combat.death", EntityRefs: []string{"npc-miller"}, Durable: true},
	})
	if len(facts) != 1 {
		t.Fatalf("len(facts) = %d, want 1", len(facts))
	}

	got, err := ix.Search(context.Background(), "s1", nil, "miller", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Text != "The miller is dead, slain in the mill." {
		t.Fatalf("snippets = %+v, want only the correction", got)
	}
}
