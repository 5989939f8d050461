package crash_test

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/telemd/collector"
	"github.com/hazyhaar/telemd/crash"
	"github.com/hazyhaar/telemd/dbopen"
)

func newTestRegistry(t *testing.T) (*crash.Registry, *collector.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	store := collector.NewStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	reg := crash.NewRegistry(db)
	if err := reg.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return reg, store
}

func TestGetOrCreateIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	first, err := reg.GetOrCreate(ctx, "do_work()", "/usr/bin/x")
	if err != nil {
		t.Fatal(err)
	}
	second, err := reg.GetOrCreate(ctx, "do_work()", "/usr/bin/x")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("same pair resolved to two ids: %d, %d", first, second)
	}

	other, err := reg.GetOrCreate(ctx, "do_work()", "/usr/bin/y")
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Error("different module resolved to the same id")
	}
}

func TestCommentAndHidden(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	id, err := reg.GetOrCreate(ctx, "zeta()", "m")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := reg.GetOrCreate(ctx, "alpha()", "m")
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.UpdateComment(ctx, id, "known flaky"); err != nil {
		t.Fatal(err)
	}
	g, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if g.Comment != "known flaky" {
		t.Errorf("comment = %q", g.Comment)
	}

	for _, gid := range []int64{id, id2} {
		if err := reg.UpdateHidden(ctx, gid, true); err != nil {
			t.Fatal(err)
		}
	}
	hidden, err := reg.Hidden(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(hidden) != 2 {
		t.Fatalf("hidden = %d, want 2", len(hidden))
	}
	// Ordered by function name.
	if hidden[0].Function != "alpha()" || hidden[1].Function != "zeta()" {
		t.Errorf("hidden order: %s, %s", hidden[0].Function, hidden[1].Function)
	}

	if err := reg.UpdateComment(ctx, 9999, "x"); err == nil {
		t.Error("comment update on missing id succeeded")
	}
}

func TestBlacklistUpdateIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	pair := crash.Funcmod{Function: "raise()", Module: "libc.so.6"}
	for i := 0; i < 2; i++ {
		if err := reg.BlacklistUpdate(ctx, []crash.Funcmod{pair}, nil); err != nil {
			t.Fatal(err)
		}
	}
	snap, err := reg.BlacklistSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 || !snap.Contains("raise()", "libc.so.6") {
		t.Errorf("snapshot = %v", snap)
	}

	// Removing an absent pair is a no-op; removing a present one works.
	absent := crash.Funcmod{Function: "none()", Module: "m"}
	if err := reg.BlacklistUpdate(ctx, nil, []crash.Funcmod{absent, pair}); err != nil {
		t.Fatal(err)
	}
	snap, err = reg.BlacklistSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 0 {
		t.Errorf("snapshot after removal = %v", snap)
	}
}

func TestTopGuilties(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)

	frequent, err := reg.GetOrCreate(ctx, "frequent()", "m")
	if err != nil {
		t.Fatal(err)
	}
	rare, err := reg.GetOrCreate(ctx, "rare()", "m")
	if err != nil {
		t.Fatal(err)
	}
	hidden, err := reg.GetOrCreate(ctx, "hidden()", "m")
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.UpdateHidden(ctx, hidden, true); err != nil {
		t.Fatal(err)
	}

	attach := func(guiltyID int64, n int) {
		for i := 0; i < n; i++ {
			rec := seedCrashRecord(t, store, "org.clearlinux/crash/clr", "bt")
			if err := store.SetGuilty(ctx, rec.ID, guiltyID); err != nil {
				t.Fatal(err)
			}
		}
	}
	attach(frequent, 3)
	attach(rare, 1)
	attach(hidden, 5)

	top, err := reg.Top(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 {
		t.Fatalf("top = %d entries, want 2 (hidden excluded)", len(top))
	}
	if top[0].Function != "frequent()" || top[0].Count != 3 {
		t.Errorf("top[0] = %+v", top[0])
	}
	if top[1].Function != "rare()" || top[1].Count != 1 {
		t.Errorf("top[1] = %+v", top[1])
	}
}
