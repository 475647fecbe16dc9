package moderation

import (
	"context"
	"errors"
	"testing"
	"time"

	"anonroom/internal/storage"
	"anonroom/internal/transport"
	logx "anonroom/pkg/logx"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, cfg Config) (*Service, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	svc := NewWithClock(cfg, st, nil, logx.Nop(), func() time.Time { return testBase })
	return svc, st
}

func seedUser(t *testing.T, st storage.Store, id int64) {
	t.Helper()
	err := st.UpsertUser(context.Background(), storage.User{
		ID: id, Name: "member", Membership: storage.MemberJoined,
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestWarnLadder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		cfg   Config
		warns int
		want  Escalation
	}{
		{"below mute threshold", Config{MuteAfter: 3, BanAfter: 5}, 2, EscalateNone},
		{"mute at threshold", Config{MuteAfter: 3, BanAfter: 5}, 3, EscalateMute},
		{"ban at threshold", Config{MuteAfter: 3, BanAfter: 5}, 5, EscalateBan},
		{"mute disabled", Config{MuteAfter: 0, BanAfter: 5}, 3, EscalateNone},
		{"ban threshold lowered", Config{MuteAfter: 0, BanAfter: 3}, 3, EscalateBan},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc, st := newTestService(t, tc.cfg)
			seedUser(t, st, 7)

			var last WarnOutcome
			for i := 0; i < tc.warns; i++ {
				out, err := svc.Warn(context.Background(), 1, 7, ReasonAdmin, "test")
				if err != nil {
					t.Fatalf("warn %d: %v", i+1, err)
				}
				last = out
			}
			if last.Count != tc.warns {
				t.Fatalf("count = %d, want %d", last.Count, tc.warns)
			}
			if last.Escalation != tc.want {
				t.Fatalf("escalation = %v, want %v", last.Escalation, tc.want)
			}
		})
	}
}

func TestAutoBanSetsTimedBan(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, Config{MuteAfter: 0, BanAfter: 2, BanFor: 24 * time.Hour})
	seedUser(t, st, 42)

	ctx := context.Background()
	if _, err := svc.Warn(ctx, 1, 42, ReasonAdmin, "first"); err != nil {
		t.Fatal(err)
	}
	out, err := svc.Warn(ctx, 1, 42, ReasonAdmin, "second")
	if err != nil {
		t.Fatal(err)
	}
	if out.Escalation != EscalateBan {
		t.Fatalf("escalation = %v, want ban", out.Escalation)
	}
	wantUntil := testBase.Add(24 * time.Hour)
	if !out.Until.Equal(wantUntil) {
		t.Fatalf("until = %v, want %v", out.Until, wantUntil)
	}

	u, err := st.GetUser(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if !u.BannedUntil.Equal(wantUntil) {
		t.Fatalf("stored BannedUntil = %v, want %v", u.BannedUntil, wantUntil)
	}

	// The auto-ban shows up in the target's history exactly once.
	hist, err := svc.History(ctx, 42, 50)
	if err != nil {
		t.Fatal(err)
	}
	bans := 0
	for _, e := range hist {
		if e.Action == "autoban" {
			bans++
		}
	}
	if bans != 1 {
		t.Fatalf("autoban audit entries = %d, want 1", bans)
	}
}

func TestCheckOrdering(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, DefaultConfig())
	ctx := context.Background()

	banned := storage.User{ID: 1, BannedUntil: testBase.Add(time.Hour), MutedUntil: testBase.Add(time.Hour)}
	if err := svc.Check(ctx, banned, "hi", transport.MediaText); !errors.Is(err, ErrBanned) {
		t.Fatalf("banned user: got %v, want ErrBanned", err)
	}

	muted := storage.User{ID: 2, MutedUntil: testBase.Add(time.Hour)}
	if err := svc.Check(ctx, muted, "hi", transport.MediaText); !errors.Is(err, ErrMuted) {
		t.Fatalf("muted user: got %v, want ErrMuted", err)
	}

	// Expired restrictions no longer apply.
	expired := storage.User{ID: 3, BannedUntil: testBase.Add(-time.Minute), MutedUntil: testBase.Add(-time.Minute)}
	if err := svc.Check(ctx, expired, "hi", transport.MediaText); err != nil {
		t.Fatalf("expired restrictions: got %v, want nil", err)
	}
	_ = st
}

func TestLinkPolicyEscalatesToBan(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, Config{MuteAfter: 0, BanAfter: 3})
	ctx := context.Background()
	seedUser(t, st, 9)
	if err := st.SetToggle(ctx, storage.ToggleBanLinks, true); err != nil {
		t.Fatal(err)
	}

	u := storage.User{ID: 9}
	var last *PolicyError
	for i := 0; i < 3; i++ {
		err := svc.Check(ctx, u, "check out https://example.com", transport.MediaText)
		if !errors.Is(err, ErrPolicy) {
			t.Fatalf("post %d: got %v, want policy error", i+1, err)
		}
		if !errors.As(err, &last) {
			t.Fatalf("post %d: error %T does not unwrap to *PolicyError", i+1, err)
		}
	}
	if last.Rule != "link" {
		t.Fatalf("rule = %q, want link", last.Rule)
	}
	if last.Outcome.Count != 3 || last.Outcome.Escalation != EscalateBan {
		t.Fatalf("third violation: count=%d escalation=%v, want 3/ban",
			last.Outcome.Count, last.Outcome.Escalation)
	}
}

func TestMediaPolicy(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, DefaultConfig())
	ctx := context.Background()
	seedUser(t, st, 5)

	// Toggle off: media passes.
	if err := svc.Check(ctx, storage.User{ID: 5}, "", transport.MediaPhoto); err != nil {
		t.Fatalf("media with toggle off: %v", err)
	}

	if err := st.SetToggle(ctx, storage.ToggleBanMedia, true); err != nil {
		t.Fatal(err)
	}
	err := svc.Check(ctx, storage.User{ID: 5}, "", transport.MediaPhoto)
	var pe *PolicyError
	if !errors.As(err, &pe) || pe.Rule != "media" {
		t.Fatalf("media with toggle on: got %v, want media policy error", err)
	}
}

func TestHasLink(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		want bool
	}{
		{"plain text", false},
		{"https://example.com", true},
		{"HTTP://EXAMPLE.COM", true},
		{"visit www.example.com now", true},
		{"wwwish words", false},
	}
	for _, tc := range cases {
		if got := HasLink(tc.text); got != tc.want {
			t.Errorf("HasLink(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestAdminBanAndUnban(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, DefaultConfig())
	ctx := context.Background()
	seedUser(t, st, 11)

	if err := svc.Ban(ctx, 1, 11); err != nil {
		t.Fatal(err)
	}
	u, _ := st.GetUser(ctx, 11)
	if !u.BannedUntil.After(testBase.Add(100 * 365 * 24 * time.Hour / 2)) {
		t.Fatalf("admin ban horizon too near: %v", u.BannedUntil)
	}

	if err := svc.Unban(ctx, 1, 11); err != nil {
		t.Fatal(err)
	}
	u, _ = st.GetUser(ctx, 11)
	if !u.BannedUntil.IsZero() {
		t.Fatalf("unban left BannedUntil = %v", u.BannedUntil)
	}
}

func TestResetWarns(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, Config{MuteAfter: 0, BanAfter: 10})
	ctx := context.Background()
	seedUser(t, st, 3)

	for i := 0; i < 4; i++ {
		if _, err := svc.Warn(ctx, 1, 3, ReasonAdmin, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.ResetWarns(ctx, 1, 3); err != nil {
		t.Fatal(err)
	}
	u, _ := st.GetUser(ctx, 3)
	if u.Warns != 0 {
		t.Fatalf("warns after reset = %d", u.Warns)
	}
}
