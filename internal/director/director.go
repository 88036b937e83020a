// Package director produces the advisory plot directive for a turn. The
// director steers pacing and suggests the starting agent; it holds no
// authority. Every failure degrades to an empty directive so a turn is
// never blocked on dramaturgy.
package director

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	ctxpack "github.com/skald-rpg/engine/internal/context"
	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/llm"
)

const directorSystem = `You are the plot director of a tabletop RPG engine.
Given the scene and the player's validated input, suggest how this turn
should land dramatically. Reply with JSON:
{"objectives":[...], "beat":"setup"|"rising"|"climax"|"falling",
 "pacing":"slow"|"steady"|"urgent", "starting_agent":"dialogue"|"combat"|"exploration"}.
Your advice may be ignored; never assume it was followed.`

type Director struct {
	invoker llm.Invoker
	timeout time.Duration
	logger  zerolog.Logger
}

func New(invoker llm.Invoker, timeout time.Duration, logger zerolog.Logger) *Director {
	return &Director{
		invoker: invoker,
		timeout: timeout,
		logger:  logger.With().Str("component", "director").Logger(),
	}
}

// Direct returns plot advice for the turn. It never returns an error:
// timeouts, invocation failures, and unparsable output all collapse to
// an empty directive.
func (d *Director) Direct(ctx context.Context, turn domain.Turn, pack domain.ContextPack) domain.PlotDirective {
	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := d.invoker.Invoke(dctx, llm.Request{
		Role:   llm.RoleDirector,
		System: directorSystem,
		Prompt: fmt.Sprintf("%s\nPlayer input: %q", ctxpack.Render(pack), turn.Input.Text),
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("turn_id", turn.ID).Msg("director unavailable, proceeding without advice")
		return domain.PlotDirective{}
	}
	directive, err := llm.ParsePlotDirective(result.DecisionJSON)
	if err != nil {
		d.logger.Warn().Err(err).Str("turn_id", turn.ID).Msg("director advice unparsable, discarding")
		return domain.PlotDirective{}
	}
	return directive
}
