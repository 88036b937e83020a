package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/llm"
)

const curatorSystem = `You are the memory curator for a tabletop RPG engine.
You receive the durable events of one committed turn. Promote the lasting
world truths into short declarative facts. Every fact must cite at least
one event id. If a fact corrects an earlier fact, list the earlier fact's
id in "supersedes". Reply with JSON: {"facts":[{"text":...,"tags":[...],
"entity_refs":[...],"quest_id":...,"citations":[...],"supersedes":[...]}]}.`

// Curator promotes committed durable events into facts. It runs strictly
// after commit and never touches canonical world state; a turn that does
// not commit produces zero facts.
type Curator struct {
	index   *Index
	invoker llm.Invoker
	logger  zerolog.Logger
	now     func() int64
}

func NewCurator(index *Index, invoker llm.Invoker, logger zerolog.Logger) *Curator {
	return &Curator{
		index:   index,
		invoker: invoker,
		logger:  logger.With().Str("component", "curator").Logger(),
		now:     func() int64 { return time.Now().Unix() },
	}
}

// Curate examines a committed turn's events and writes the promoted
// facts. Curation failures are logged and swallowed: the turn is already
// committed, and the curator can only add memory, never block play.
func (c *Curator) Curate(ctx context.Context, sessionID string, events []domain.Event) []domain.Fact {
	durable := make([]domain.Event, 0, len(events))
	for _, e := range events {
		if e.Durable {
			durable = append(durable, e)
		}
	}
	if len(durable) == 0 {
		return nil
	}

	curated := c.propose(ctx, sessionID, durable)
	written := make([]domain.Fact, 0, len(curated))
	for _, cf := range curated {
		id, err := c.index.Upsert(ctx, sessionID, cf.Fact, c.now())
		if err != nil {
			c.logger.Warn().Err(err).Str("session_id", sessionID).
				Msg("dropping fact that failed to persist")
			continue
		}
		cf.Fact.ID = id
		for _, oldID := range cf.Supersedes {
			if err := c.index.Supersede(ctx, oldID, id); err != nil {
				c.logger.Warn().Err(err).Str("fact_id", oldID).
					Msg("supersession target not updated")
			}
		}
		written = append(written, cf.Fact)
	}
	return written
}

// propose asks the model to curate; when the model is unavailable or
// unparsable it falls back to one literal fact per durable event so no
// committed truth is lost.
func (c *Curator) propose(ctx context.Context, sessionID string, durable []domain.Event) []llm.CuratedFact {
	result, err := c.invoker.Invoke(ctx, llm.Request{
		Role:   llm.RoleCurator,
		System: curatorSystem,
		Prompt: renderEvents(durable),
	})
	if err == nil {
		curated, perr := llm.ParseCuratedFacts(result.DecisionJSON)
		if perr == nil {
			return clampCitations(curated, durable)
		}
		err = perr
	}
	c.logger.Warn().Err(err).Str("session_id", sessionID).
		Msg("curator model unavailable, promoting events literally")

	fallback := make([]llm.CuratedFact, 0, len(durable))
	for _, e := range durable {
		text := e.PayloadJSON
		if strings.TrimSpace(text) == "" {
			text = e.Type
		}
		fallback = append(fallback, llm.CuratedFact{Fact: domain.Fact{
			Text:       text,
			Tags:       []string{e.Type},
			EntityRefs: e.EntityRefs,
			Citations:  []int64{e.ID},
		}})
	}
	return fallback
}

// clampCitations drops curated facts citing events outside the turn. The
// curator only ever sees one turn's events, so out-of-range citations are
// hallucinated.
func clampCitations(curated []llm.CuratedFact, durable []domain.Event) []llm.CuratedFact {
	valid := make(map[int64]bool, len(durable))
	for _, e := range durable {
		valid[e.ID] = true
	}
	kept := curated[:0]
	for _, cf := range curated {
		ok := true
		for _, cit := range cf.Fact.Citations {
			if !valid[cit] {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, cf)
		}
	}
	return kept
}

func renderEvents(events []domain.Event) string {
	var b strings.Builder
	b.WriteString("Durable events of this turn:\n")
	for _, e := range events {
		fmt.Fprintf(&b, "- id=%d type=%s refs=%s payload=%s\n",
			e.ID, e.Type, strings.Join(e.EntityRefs, ","), e.PayloadJSON)
	}
	return b.String()
}
