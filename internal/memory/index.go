// Package memory holds the durable fact store: the retrieval index the
// context broker searches, and the curator that promotes committed events
// into facts. Facts are append-only; corrections supersede rather than
// edit.
package memory

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/store"
)

// Index is a keyword and tag scored search over the active facts of a
// session. Scores are deterministic so the same world state always
// retrieves the same snippets.
type Index struct {
	db    *sql.DB
	facts store.FactRepo
}

func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

// Upsert inserts a fact, assigning an id when the caller left it empty.
// The inserted id is returned.
func (ix *Index) Upsert(ctx context.Context, sessionID string, f domain.Fact, nowUnix int64) (string, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.SessionID = sessionID
	f.CreatedAtUnix = nowUnix
	if err := ix.facts.Insert(ctx, ix.db, f); err != nil {
		return "", err
	}
	return f.ID, nil
}

// Supersede marks old as superseded by newer. Superseded facts drop out
// of retrieval but stay on disk with their citations intact.
func (ix *Index) Supersede(ctx context.Context, oldID, newID string) error {
	return ix.facts.MarkSuperseded(ctx, ix.db, oldID, newID)
}

// Search returns the top k active facts ranked against the query terms
// and tags. Facts scoring zero are excluded. Ties break on recency, then
// fact id, so results are stable.
func (ix *Index) Search(ctx context.Context, sessionID string, tags []string, query string, k int) ([]domain.Snippet, error) {
	if k <= 0 {
		return nil, nil
	}
	facts, err := ix.facts.ListActive(ctx, ix.db, sessionID)
	if err != nil {
		return nil, err
	}
	terms := tokenize(query)
	wantTags := make(map[string]bool, len(tags))
	for _, tag := range tags {
		wantTags[strings.ToLower(tag)] = true
	}

	type scored struct {
		fact  domain.Fact
		score float64
	}
	var ranked []scored
	for _, f := range facts {
		s := scoreFact(f, terms, wantTags)
		if s > 0 {
			ranked = append(ranked, scored{fact: f, score: s})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].fact.CreatedAtUnix != ranked[j].fact.CreatedAtUnix {
			return ranked[i].fact.CreatedAtUnix > ranked[j].fact.CreatedAtUnix
		}
		return ranked[i].fact.ID < ranked[j].fact.ID
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	snippets := make([]domain.Snippet, 0, len(ranked))
	for _, r := range ranked {
		snippets = append(snippets, domain.Snippet{
			Text:        r.fact.Text,
			CitationIDs: r.fact.Citations,
			Score:       r.score,
		})
	}
	return snippets, nil
}

func scoreFact(f domain.Fact, terms []string, wantTags map[string]bool) float64 {
	var score float64
	for _, tag := range f.Tags {
		if wantTags[strings.ToLower(tag)] {
			score += 2
		}
	}
	for _, ref := range f.EntityRefs {
		if wantTags[strings.ToLower(ref)] {
			score += 2
		}
	}
	text := strings.ToLower(f.Text)
	for _, term := range terms {
		if strings.Contains(text, term) {
			score++
		}
	}
	return score
}

// tokenize lowercases and splits a query, dropping words too short to
// discriminate.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var terms []string
	for _, f := range fields {
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}
