// Package context assembles the bounded, read-only ContextPack every
// deciding component receives. Nothing downstream of the broker reads the
// store directly during a turn.
package context

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiktoken-go/tokenizer"

	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/memory"
	"github.com/skald-rpg/engine/internal/store"
)

// Options bound what a pack may contain.
type Options struct {
	RecapLimit        int
	EventWindow       int
	RetrievalTopK     int
	TokenBudget       int
	AdvisoryTimeoutMS int
}

// Broker builds ContextPacks. Reads are best effort: a failed read
// degrades the pack instead of failing the turn.
type Broker struct {
	db       *sql.DB
	index    *memory.Index
	sessions store.SessionRepo
	entities store.EntityRepo
	quests   store.QuestRepo
	events   store.EventRepo
	codec    tokenizer.Codec
	opts     Options
	logger   zerolog.Logger
}

func NewBroker(db *sql.DB, index *memory.Index, opts Options, logger zerolog.Logger) (*Broker, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("loading token codec: %w", err)
	}
	return &Broker{
		db:     db,
		index:  index,
		codec:  codec,
		opts:   opts,
		logger: logger.With().Str("component", "context_broker").Logger(),
	}, nil
}

// BuildContext assembles the pack for one turn. Every read is best
// effort: a failed section degrades to empty with a warning rather than
// failing the turn. The one hard error is a session that does not exist,
// which is a bad turn, not a bad read.
func (b *Broker) BuildContext(ctx context.Context, turn domain.Turn, resume *domain.PendingEcho) (domain.ContextPack, error) {
	sessionID := turn.Input.SessionID
	pack := domain.ContextPack{
		TurnID: turn.ID,
		Resume: resume,
	}

	sess, err := b.sessions.GetByID(ctx, b.db, sessionID)
	if err != nil {
		if errCode(err) == domain.ErrSessionNotFound.Code {
			return domain.ContextPack{}, err
		}
		b.warn(sessionID, "scene", err)
	} else {
		pack.SceneID = sess.SceneID
		pack.SceneSummary = sess.SceneSummary
		pack.ClockMin = sess.ClockMin
		pack.Weather = sess.Weather
	}

	if ents, err := b.entities.ListBySession(ctx, b.db, sessionID); err != nil {
		b.warn(sessionID, "participants", err)
	} else {
		for _, e := range ents {
			if e.Location == pack.SceneID || e.Kind == "pc" {
				pack.Participants = append(pack.Participants,
					domain.EntityRef{ID: e.ID, Name: e.Name, Kind: e.Kind})
			}
		}
	}

	if quests, err := b.quests.ListBySession(ctx, b.db, sessionID); err != nil {
		b.warn(sessionID, "objectives", err)
	} else {
		for _, q := range quests {
			if q.Status != "open" {
				continue
			}
			for _, o := range q.Objectives {
				if !o.Done {
					pack.Objectives = append(pack.Objectives,
						fmt.Sprintf("%s: %s", q.Name, o.Description))
				}
			}
		}
	}

	window := b.opts.EventWindow
	if b.opts.RecapLimit > window {
		window = b.opts.RecapLimit
	}
	if recent, err := b.events.ListRecent(ctx, b.db, sessionID, window); err != nil {
		b.warn(sessionID, "events", err)
	} else {
		pack.Recap = buildRecap(recent, b.opts.RecapLimit)
		pack.RecentEvents = renderEvents(tail(recent, b.opts.EventWindow))
	}

	pack.Snippets = b.retrieve(ctx, sessionID, turn, pack.Participants)

	b.truncateToBudget(&pack)
	return pack, nil
}

// retrieve runs the fact search under the advisory timeout. Retrieval is
// advisory: a timeout or error yields an empty snippet list.
func (b *Broker) retrieve(ctx context.Context, sessionID string, turn domain.Turn, participants []domain.EntityRef) []domain.Snippet {
	if b.opts.RetrievalTopK <= 0 {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, time.Duration(b.opts.AdvisoryTimeoutMS)*time.Millisecond)
	defer cancel()

	tags := make([]string, 0, len(participants))
	for _, p := range participants {
		tags = append(tags, p.ID)
	}
	snippets, err := b.index.Search(rctx, sessionID, tags, turn.Input.Text, b.opts.RetrievalTopK)
	if err != nil {
		b.warn(sessionID, "retrieval", err)
		return nil
	}
	return snippets
}

// truncateToBudget drops the oldest recap lines, then the oldest events,
// then the lowest-scored snippets until the pack fits the token budget.
// Scene, participants, objectives, and the resume echo always survive.
func (b *Broker) truncateToBudget(pack *domain.ContextPack) {
	pack.Tokens = b.countTokens(pack)
	for pack.Tokens > b.opts.TokenBudget {
		switch {
		case len(pack.Recap) > 0:
			pack.Recap = pack.Recap[1:]
		case len(pack.RecentEvents) > 1:
			pack.RecentEvents = pack.RecentEvents[1:]
		case len(pack.Snippets) > 0:
			pack.Snippets = pack.Snippets[:len(pack.Snippets)-1]
		default:
			return
		}
		pack.Tokens = b.countTokens(pack)
	}
}

func (b *Broker) countTokens(pack *domain.ContextPack) int {
	ids, _, err := b.codec.Encode(Render(*pack))
	if err != nil {
		// Conservative estimate when encoding fails: one token per word.
		return len(strings.Fields(Render(*pack)))
	}
	return len(ids)
}

func errCode(err error) int {
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 0
}

func (b *Broker) warn(sessionID, section string, err error) {
	b.logger.Warn().Err(err).Str("session_id", sessionID).Str("section", section).
		Msg("context section unavailable, degrading pack")
}

// buildRecap summarizes the most recent narration-bearing events, oldest
// first.
func buildRecap(events []domain.Event, limit int) []string {
	var recap []string
	for _, e := range events {
		line := narrationOf(e)
		if line == "" {
			continue
		}
		recap = append(recap, line)
	}
	return tail(recap, limit)
}

func narrationOf(e domain.Event) string {
	if e.PayloadJSON == "" {
		return ""
	}
	var payload struct {
		Narrative string `json:"narrative"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal([]byte(e.PayloadJSON), &payload); err != nil {
		return ""
	}
	if payload.Narrative != "" {
		return payload.Narrative
	}
	return payload.Text
}

func renderEvents(events []domain.Event) []string {
	lines := make([]string, 0, len(events))
	for _, e := range events {
		lines = append(lines, fmt.Sprintf("seq=%d %s refs=%s %s",
			e.SeqNo, e.Type, strings.Join(e.EntityRefs, ","), e.PayloadJSON))
	}
	return lines
}

func tail[T any](s []T, n int) []T {
	if n >= 0 && len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

// Render flattens a pack into the prompt text deciding components embed.
// The same pack always renders to the same string.
func Render(pack domain.ContextPack) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scene %s: %s\n", pack.SceneID, pack.SceneSummary)
	fmt.Fprintf(&b, "Clock: %d min. Weather: %s.\n", pack.ClockMin, pack.Weather)
	if len(pack.Participants) > 0 {
		b.WriteString("Present:")
		for _, p := range pack.Participants {
			fmt.Fprintf(&b, " %s(%s)", p.Name, p.Kind)
		}
		b.WriteString("\n")
	}
	writeSection(&b, "Recap", pack.Recap)
	writeSection(&b, "Recent events", pack.RecentEvents)
	writeSection(&b, "Open objectives", pack.Objectives)
	if len(pack.Snippets) > 0 {
		b.WriteString("Remembered facts:\n")
		for _, s := range pack.Snippets {
			fmt.Fprintf(&b, "- %s\n", s.Text)
		}
	}
	if pack.Resume != nil {
		fmt.Fprintf(&b, "Paused action: %q asked %s; the player answered %q.\n",
			pack.Resume.OriginalInput, pack.Resume.Prompt.Type, pack.Resume.Answer)
	}
	return b.String()
}

func writeSection(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	b.WriteString(title + ":\n")
	for _, line := range lines {
		b.WriteString("- " + line + "\n")
	}
}
