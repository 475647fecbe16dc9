package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"anonroom/internal/transport"
	logx "anonroom/pkg/logx"
)

// drivers runs each test against the memory store and the sqlite driver so
// both stay semantically aligned.
func drivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func TestDeliveryMapping(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mid, err := st.InsertMessage(ctx, Message{SenderID: 1, Content: "m", MediaKind: transport.MediaText})
			if err != nil {
				t.Fatal(err)
			}
			h1 := transport.MessageRef{ChatID: 42, MessageID: 7}
			if err := st.RecordDelivery(ctx, mid, h1); err != nil {
				t.Fatal(err)
			}

			got, ok, err := st.CanonicalFor(ctx, h1)
			if err != nil || !ok || got != mid {
				t.Fatalf("CanonicalFor = (%d, %v, %v), want (%d, true, nil)", got, ok, err, mid)
			}
			refs, err := st.DeliveriesFor(ctx, mid)
			if err != nil || len(refs) != 1 || refs[0] != h1 {
				t.Fatalf("DeliveriesFor = (%v, %v)", refs, err)
			}

			// Unknown handle resolves to not-found, never an error.
			_, ok, err = st.CanonicalFor(ctx, transport.MessageRef{ChatID: 1, MessageID: 999})
			if err != nil || ok {
				t.Fatalf("unknown handle = (ok=%v, err=%v)", ok, err)
			}
		})
	}
}

func TestDeleteDeliveriesDropsBothDirections(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mid, err := st.InsertMessage(ctx, Message{SenderID: 1, Content: "m", MediaKind: transport.MediaText})
			if err != nil {
				t.Fatal(err)
			}
			refs := []transport.MessageRef{{ChatID: 2, MessageID: 10}, {ChatID: 3, MessageID: 11}}
			for _, r := range refs {
				if err := st.RecordDelivery(ctx, mid, r); err != nil {
					t.Fatal(err)
				}
			}

			if err := st.DeleteDeliveries(ctx, mid); err != nil {
				t.Fatal(err)
			}
			left, _ := st.DeliveriesFor(ctx, mid)
			if len(left) != 0 {
				t.Fatalf("forward rows survived: %v", left)
			}
			for _, r := range refs {
				if _, ok, _ := st.CanonicalFor(ctx, r); ok {
					t.Fatalf("reverse row survived for %+v", r)
				}
			}
		})
	}
}

func TestUpsertPreservesModerationState(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.UpsertUser(ctx, User{ID: 1, Name: "Eve", Membership: MemberJoined}); err != nil {
				t.Fatal(err)
			}
			until := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
			if err := st.SetBannedUntil(ctx, 1, until); err != nil {
				t.Fatal(err)
			}
			if _, err := st.IncrementWarns(ctx, 1); err != nil {
				t.Fatal(err)
			}

			// Re-join with fresh identity data.
			if err := st.UpsertUser(ctx, User{ID: 1, Name: "Eve2", Username: "eve", Membership: MemberJoined}); err != nil {
				t.Fatal(err)
			}
			u, err := st.GetUser(ctx, 1)
			if err != nil {
				t.Fatal(err)
			}
			if u.Name != "Eve2" {
				t.Fatalf("name not updated: %q", u.Name)
			}
			if !u.BannedUntil.Equal(until) || u.Warns != 1 {
				t.Fatalf("moderation state laundered: banned=%v warns=%d", u.BannedUntil, u.Warns)
			}
		})
	}
}

func TestMembershipQueries(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed := []User{
				{ID: 1, Name: "a", Membership: MemberJoined},
				{ID: 2, Name: "b", Membership: MemberPending},
				{ID: 3, Name: "c", Membership: MemberJoined},
				{ID: 4, Name: "d", Membership: MemberNone},
			}
			for _, u := range seed {
				if err := st.UpsertUser(ctx, u); err != nil {
					t.Fatal(err)
				}
			}

			ids, err := st.JoinedIDs(ctx)
			if err != nil || len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
				t.Fatalf("JoinedIDs = (%v, %v)", ids, err)
			}
			pending, err := st.PendingUsers(ctx)
			if err != nil || len(pending) != 1 || pending[0].ID != 2 {
				t.Fatalf("PendingUsers = (%v, %v)", pending, err)
			}
		})
	}
}

func TestWarnsIncrementAndReset(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.UpsertUser(ctx, User{ID: 1, Name: "x"}); err != nil {
				t.Fatal(err)
			}
			for want := 1; want <= 3; want++ {
				got, err := st.IncrementWarns(ctx, 1)
				if err != nil || got != want {
					t.Fatalf("IncrementWarns = (%d, %v), want %d", got, err, want)
				}
			}
			if err := st.ResetWarns(ctx, 1); err != nil {
				t.Fatal(err)
			}
			u, _ := st.GetUser(ctx, 1)
			if u.Warns != 0 {
				t.Fatalf("warns after reset = %d", u.Warns)
			}

			if _, err := st.IncrementWarns(ctx, 404); !errors.Is(err, ErrNotFound) {
				t.Fatalf("unknown user: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestPinnedSingletonAndBanners(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := st.Pinned(ctx); err != nil || ok {
				t.Fatalf("fresh store pinned = (%v, %v)", ok, err)
			}

			if err := st.SetPinned(ctx, 5); err != nil {
				t.Fatal(err)
			}
			if err := st.SetPinned(ctx, 9); err != nil {
				t.Fatal(err)
			}
			id, ok, err := st.Pinned(ctx)
			if err != nil || !ok || id != 9 {
				t.Fatalf("Pinned = (%d, %v, %v), want 9", id, ok, err)
			}

			if err := st.SetBanner(ctx, 42, 100); err != nil {
				t.Fatal(err)
			}
			if err := st.SetBanner(ctx, 42, 101); err != nil {
				t.Fatal(err)
			}
			banners, err := st.Banners(ctx)
			if err != nil || len(banners) != 1 || banners[42] != 101 {
				t.Fatalf("Banners = (%v, %v), want one handle 101", banners, err)
			}

			if err := st.ClearPinned(ctx); err != nil {
				t.Fatal(err)
			}
			if err := st.ClearBanners(ctx); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := st.Pinned(ctx); ok {
				t.Fatal("pinned survived clear")
			}
			banners, _ = st.Banners(ctx)
			if len(banners) != 0 {
				t.Fatalf("banners survived clear: %v", banners)
			}
		})
	}
}

func TestTogglesAndWelcome(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			on, err := st.Toggle(ctx, ToggleBanLinks)
			if err != nil || on {
				t.Fatalf("toggle default = (%v, %v), want off", on, err)
			}
			if err := st.SetToggle(ctx, ToggleBanLinks, true); err != nil {
				t.Fatal(err)
			}
			on, _ = st.Toggle(ctx, ToggleBanLinks)
			if !on {
				t.Fatal("toggle did not stick")
			}

			if err := st.SetWelcome(ctx, "hi {name}"); err != nil {
				t.Fatal(err)
			}
			w, err := st.Welcome(ctx)
			if err != nil || w != "hi {name}" {
				t.Fatalf("Welcome = (%q, %v)", w, err)
			}
		})
	}
}

func TestAuditNewestFirstAndBounded(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				target := int64(1)
				if i%2 == 1 {
					target = 2
				}
				err := st.AppendAudit(ctx, AuditEntry{
					ActorID: 9, TargetID: target, Action: "warn",
					Detail: string(rune('a' + i)), At: base.Add(time.Duration(i) * time.Minute),
				})
				if err != nil {
					t.Fatal(err)
				}
			}

			log, err := st.AuditLog(ctx, 3)
			if err != nil || len(log) != 3 {
				t.Fatalf("AuditLog = (%d entries, %v), want 3", len(log), err)
			}
			if log[0].Detail != "e" || log[2].Detail != "c" {
				t.Fatalf("not newest first: %v", log)
			}

			forOne, err := st.AuditFor(ctx, 1, 10)
			if err != nil || len(forOne) != 3 {
				t.Fatalf("AuditFor(1) = (%d entries, %v), want 3", len(forOne), err)
			}
			for _, e := range forOne {
				if e.TargetID != 1 {
					t.Fatalf("foreign target in history: %+v", e)
				}
			}
		})
	}
}

func TestGetUserByUsername(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.UpsertUser(ctx, User{ID: 1, Username: "Alice", Name: "A"}); err != nil {
				t.Fatal(err)
			}
			for _, q := range []string{"alice", "@alice", "ALICE"} {
				u, err := st.GetUserByUsername(ctx, q)
				if err != nil || u.ID != 1 {
					t.Fatalf("lookup %q = (%+v, %v)", q, u, err)
				}
			}
			if _, err := st.GetUserByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("unknown username: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestMessageLifecycle(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := st.InsertMessage(ctx, Message{
				SenderID: 1, Content: "hello", MediaKind: transport.MediaText, ReplyTo: 0,
			})
			if err != nil || id == 0 {
				t.Fatalf("InsertMessage = (%d, %v)", id, err)
			}
			m, err := st.GetMessage(ctx, id)
			if err != nil || m.Content != "hello" || m.SenderID != 1 {
				t.Fatalf("GetMessage = (%+v, %v)", m, err)
			}
			if m.CreatedAt.IsZero() {
				t.Fatal("CreatedAt not set")
			}

			if err := st.DeleteMessage(ctx, id); err != nil {
				t.Fatal(err)
			}
			if _, err := st.GetMessage(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("after delete: got %v, want ErrNotFound", err)
			}
		})
	}
}
