package turn

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/store"
)

func TestSweeperExpiresStalePending(t *testing.T) {
	db, err := store.NewDB(filepath.Join(t.TempDir(), "skald.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := store.PendingRepo{}
	ctx := context.Background()
	now := time.Now().Unix()

	stale := domain.PendingAction{
		ID: "pend-stale", SessionID: "s1", TurnID: "t1", Agent: "exploration",
		CreatedAtUnix: now - 600, ExpiresAtUnix: now - 300,
	}
	fresh := domain.PendingAction{
		ID: "pend-fresh", SessionID: "s2", TurnID: "t2", Agent: "combat",
		CreatedAtUnix: now, ExpiresAtUnix: now + 3600,
	}
	for _, p := range []domain.PendingAction{stale, fresh} {
		if err := repo.Create(ctx, db, p); err != nil {
			t.Fatalf("Create(%s): %v", p.ID, err)
		}
	}

	sweeper := NewSweeper(db, 10*time.Millisecond, zerolog.Nop())
	sweeper.Start()
	defer sweeper.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := repo.GetBySession(ctx, db, "s1")
		if err == domain.ErrPendingNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale pending action was never swept")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := repo.GetBySession(ctx, db, "s2"); err != nil {
		t.Fatalf("fresh pending action swept too: %v", err)
	}
}
