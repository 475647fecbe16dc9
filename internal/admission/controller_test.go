package admission

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"anonroom/internal/broadcast"
	"anonroom/internal/relay"
	"anonroom/internal/storage"
	"anonroom/internal/transport/transporttest"
	logx "anonroom/pkg/logx"
)

type fixture struct {
	store storage.Store
	gw    *transporttest.Gateway
	ctrl  *Controller
	clock *fakeClock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := storage.NewMemory()
	gw := transporttest.New()
	pool := broadcast.New(broadcast.Config{Workers: 2, RatePerSec: 1000}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		pool.Stop(stopCtx)
		cancel()
	})

	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rel := relay.New(st, gw, pool, logx.Nop())
	ctrl := NewWithClock(cfg, st, nil, rel, logx.Nop(), clk.now)
	return &fixture{store: st, gw: gw, ctrl: ctrl, clock: clk}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDirectJoinBroadcastsWelcome(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	res, err := f.ctrl.Join(ctx, Applicant{ID: 1, Username: "alice", Name: "Alice"})
	if err != nil {
		t.Fatal(err)
	}
	if res != JoinJoined {
		t.Fatalf("result = %v, want JoinJoined", res)
	}

	u, err := f.store.GetUser(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !u.Joined() {
		t.Fatalf("membership = %v", u.Membership)
	}

	waitFor(t, func() bool { return len(f.gw.SentTo(1)) == 1 })
	text := f.gw.SentTo(1)[0].Text
	if !strings.Contains(text, "Alice") || !strings.Contains(text, "1") {
		t.Fatalf("welcome = %q, want name and member count", text)
	}
}

func TestJoinRateWindowAndCooldown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RateLimit: 3, RateWindow: 10 * time.Second, Cooldown: 60 * time.Second})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if _, err := f.ctrl.Join(ctx, Applicant{ID: i, Name: "u"}); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
		f.clock.advance(time.Second)
	}

	// Fourth attempt inside the window trips the limiter and starts the
	// cooldown.
	if _, err := f.ctrl.Join(ctx, Applicant{ID: 4, Name: "u"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("fourth join: got %v, want ErrRateLimited", err)
	}

	// Even well past the window, the cooldown still rejects everyone.
	f.clock.advance(30 * time.Second)
	if _, err := f.ctrl.Join(ctx, Applicant{ID: 5, Name: "u"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("join during cooldown: got %v, want ErrRateLimited", err)
	}

	f.clock.advance(60 * time.Second)
	if _, err := f.ctrl.Join(ctx, Applicant{ID: 6, Name: "u"}); err != nil {
		t.Fatalf("join after cooldown: %v", err)
	}
}

func TestApprovalModeQueuesAndApproves(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	if err := f.store.SetToggle(ctx, storage.ToggleApprovalMode, true); err != nil {
		t.Fatal(err)
	}

	res, err := f.ctrl.Join(ctx, Applicant{ID: 1, Username: "bob", Name: "Bob"})
	if err != nil {
		t.Fatal(err)
	}
	if res != JoinPending {
		t.Fatalf("result = %v, want JoinPending", res)
	}

	pending, err := f.ctrl.Pending(ctx)
	if err != nil || len(pending) != 1 || pending[0].ID != 1 {
		t.Fatalf("pending = %v, %v", pending, err)
	}

	if err := f.ctrl.Approve(ctx, 99, 1); err != nil {
		t.Fatal(err)
	}
	u, _ := f.store.GetUser(ctx, 1)
	if !u.Joined() {
		t.Fatalf("membership after approve = %v", u.Membership)
	}
	waitFor(t, func() bool { return len(f.gw.SentTo(1)) == 1 })

	// Approving again fails: no longer pending.
	if err := f.ctrl.Approve(ctx, 99, 1); !errors.Is(err, ErrNotPending) {
		t.Fatalf("double approve: got %v, want ErrNotPending", err)
	}
}

func TestRejectDropsPendingRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	if err := f.store.SetToggle(ctx, storage.ToggleApprovalMode, true); err != nil {
		t.Fatal(err)
	}

	if _, err := f.ctrl.Join(ctx, Applicant{ID: 2, Name: "Mallory"}); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.Reject(ctx, 99, 2); err != nil {
		t.Fatal(err)
	}
	u, _ := f.store.GetUser(ctx, 2)
	if u.Membership != storage.MemberNone {
		t.Fatalf("membership after reject = %v", u.Membership)
	}
	if err := f.ctrl.Reject(ctx, 99, 2); !errors.Is(err, ErrNotPending) {
		t.Fatalf("double reject: got %v, want ErrNotPending", err)
	}
}

func TestApproveAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	if err := f.store.SetToggle(ctx, storage.ToggleApprovalMode, true); err != nil {
		t.Fatal(err)
	}

	for i := int64(1); i <= 3; i++ {
		if _, err := f.ctrl.Join(ctx, Applicant{ID: i, Name: "u"}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := f.ctrl.ApproveAll(ctx, 99)
	if err != nil || n != 3 {
		t.Fatalf("ApproveAll = (%d, %v), want 3", n, err)
	}
	count, _ := f.ctrl.MemberCount(ctx)
	if count != 3 {
		t.Fatalf("member count = %d, want 3", count)
	}
}

func TestRejoinDoesNotResetModerationState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	if _, err := f.ctrl.Join(ctx, Applicant{ID: 1, Name: "Eve"}); err != nil {
		t.Fatal(err)
	}
	until := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := f.store.SetBannedUntil(ctx, 1, until); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.Leave(ctx, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := f.ctrl.Join(ctx, Applicant{ID: 1, Name: "Eve"}); err != nil {
		t.Fatal(err)
	}
	u, _ := f.store.GetUser(ctx, 1)
	if !u.BannedUntil.Equal(until) {
		t.Fatalf("rejoin laundered ban: BannedUntil = %v", u.BannedUntil)
	}
}

func TestLeaveAndAlreadyJoined(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	if _, err := f.ctrl.Join(ctx, Applicant{ID: 1, Name: "Ann"}); err != nil {
		t.Fatal(err)
	}
	res, err := f.ctrl.Join(ctx, Applicant{ID: 1, Name: "Ann"})
	if err != nil || res != JoinAlready {
		t.Fatalf("second join = (%v, %v), want JoinAlready", res, err)
	}

	if err := f.ctrl.Leave(ctx, 1); err != nil {
		t.Fatal(err)
	}
	count, _ := f.ctrl.MemberCount(ctx)
	if count != 0 {
		t.Fatalf("member count after leave = %d", count)
	}
}

func TestKickRevokesMembershipAndAnnounces(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	for i := int64(1); i <= 2; i++ {
		if _, err := f.ctrl.Join(ctx, Applicant{ID: i, Name: "u"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.ctrl.Kick(ctx, 99, 2); err != nil {
		t.Fatal(err)
	}

	u, _ := f.store.GetUser(ctx, 2)
	if u.Membership != storage.MemberNone {
		t.Fatalf("membership after kick = %v", u.Membership)
	}

	// The remaining member sees the removal notice.
	waitFor(t, func() bool {
		for _, s := range f.gw.SentTo(1) {
			if strings.Contains(s.Text, "removed") {
				return true
			}
		}
		return false
	})
}

func TestExpandWelcome(t *testing.T) {
	t.Parallel()
	u := storage.User{Name: "Zoe", Username: "zoe42"}
	got := ExpandWelcome("Hi {name} (@{username}), member #{count}!", u, 7)
	want := "Hi Zoe (@zoe42), member #7!"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
