package director

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/llm"
)

func TestDirectReturnsAdvice(t *testing.T) {
	script := llm.NewScriptInvoker().QueueJSON(llm.RoleDirector,
		`{"beat":"rising","pacing":"urgent","starting_agent":"combat"}`)
	d := New(script, time.Second, zerolog.Nop())

	directive := d.Direct(context.Background(),
		domain.Turn{ID: "turn-1", Input: domain.TurnInput{Text: "draw my sword"}},
		domain.ContextPack{SceneID: "old-mill"})
	if directive.StartingAgent != "combat" || directive.Beat != "rising" {
		t.Fatalf("directive = %+v", directive)
	}
}

func TestDirectSwallowsInvokeFailure(t *testing.T) {
	script := llm.NewScriptInvoker().Fail(llm.RoleDirector, domain.ErrInvokeFailed)
	d := New(script, time.Second, zerolog.Nop())

	directive := d.Direct(context.Background(),
		domain.Turn{ID: "turn-1", Input: domain.TurnInput{Text: "hello"}}, domain.ContextPack{})
	if directive.StartingAgent != "" || len(directive.Objectives) != 0 {
		t.Fatalf("directive = %+v, want empty", directive)
	}
}

func TestDirectSwallowsGarbage(t *testing.T) {
	script := llm.NewScriptInvoker().QueueJSON(llm.RoleDirector, "make it dramatic!!")
	d := New(script, time.Second, zerolog.Nop())

	directive := d.Direct(context.Background(),
		domain.Turn{ID: "turn-1", Input: domain.TurnInput{Text: "hello"}}, domain.ContextPack{})
	if directive.Beat != "" || directive.Pacing != "" || directive.StartingAgent != "" || len(directive.Objectives) != 0 {
		t.Fatalf("directive = %+v, want empty", directive)
	}
}
