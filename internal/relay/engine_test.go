package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"anonroom/internal/broadcast"
	"anonroom/internal/storage"
	"anonroom/internal/transport"
	"anonroom/internal/transport/transporttest"
	logx "anonroom/pkg/logx"
)

type fixture struct {
	store  storage.Store
	gw     *transporttest.Gateway
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
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

	return &fixture{
		store:  st,
		gw:     gw,
		engine: New(st, gw, pool, logx.Nop()),
	}
}

func (f *fixture) join(t *testing.T, id int64, name string) {
	t.Helper()
	err := f.store.UpsertUser(context.Background(), storage.User{
		ID: id, Name: name, Membership: storage.MemberJoined,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) post(t *testing.T, sender int64, content string) storage.Message {
	t.Helper()
	m := storage.Message{SenderID: sender, Content: content, MediaKind: transport.MediaText}
	id, err := f.store.InsertMessage(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	m.ID = id
	return m
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fanout did not finish")
	}
}

func TestFanoutDeliversToEveryoneButSender(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.join(t, 1, "Alice")
	f.join(t, 2, "Bob")
	f.join(t, 3, "Carol")

	msg := f.post(t, 1, "hello")
	_, done, err := f.engine.Fanout(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	if got := len(f.gw.SentTo(1)); got != 0 {
		t.Fatalf("sender received %d copies", got)
	}
	for _, id := range []int64{2, 3} {
		sent := f.gw.SentTo(id)
		if len(sent) != 1 {
			t.Fatalf("recipient %d got %d copies, want 1", id, len(sent))
		}
		if !strings.Contains(sent[0].Text, "Alice") {
			t.Fatalf("copy missing sender label: %q", sent[0].Text)
		}
		if !strings.Contains(sent[0].Text, "hello") {
			t.Fatalf("copy missing body: %q", sent[0].Text)
		}
	}

	// One mapping row per recipient, each reverse-resolvable.
	refs, err := f.store.DeliveriesFor(context.Background(), msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Fatalf("recorded %d deliveries, want 2", len(refs))
	}
	for _, ref := range refs {
		id, ok, err := f.store.CanonicalFor(context.Background(), ref)
		if err != nil || !ok || id != msg.ID {
			t.Fatalf("reverse lookup of %+v = (%d, %v, %v)", ref, id, ok, err)
		}
	}
}

func TestFanoutSurvivesOneFailedRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.join(t, 1, "Alice")
	f.join(t, 2, "Bob")
	f.join(t, 3, "Carol")
	f.gw.FailSendsTo(2, errors.New("blocked the bot"))

	msg := f.post(t, 1, "still here")
	id, done, err := f.engine.Fanout(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	if got := len(f.gw.SentTo(3)); got != 1 {
		t.Fatalf("healthy recipient got %d copies, want 1", got)
	}
	refs, _ := f.store.DeliveriesFor(context.Background(), msg.ID)
	if len(refs) != 1 {
		t.Fatalf("recorded %d deliveries, want 1 (failed send must not record)", len(refs))
	}

	pool := f.engine.pool
	st, ok := pool.Status(id)
	if !ok || st.Failed != 1 {
		t.Fatalf("batch status = %+v, want one failure", st)
	}
}

func TestFanoutRendersReplyPreview(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.join(t, 1, "Alice")
	f.join(t, 2, "Bob")

	orig := f.post(t, 2, "the original message that is fairly long indeed")
	reply := storage.Message{SenderID: 1, Content: "agreed", MediaKind: transport.MediaText, ReplyTo: orig.ID}
	rid, err := f.store.InsertMessage(context.Background(), reply)
	if err != nil {
		t.Fatal(err)
	}
	reply.ID = rid

	_, done, err := f.engine.Fanout(context.Background(), reply)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	sent := f.gw.SentTo(2)
	if len(sent) != 1 {
		t.Fatalf("got %d copies", len(sent))
	}
	if !strings.Contains(sent[0].Text, "<blockquote>") {
		t.Fatalf("copy missing reply preview: %q", sent[0].Text)
	}
}

func TestFanoutOmitsPreviewWhenOriginalMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.join(t, 1, "Alice")
	f.join(t, 2, "Bob")

	reply := storage.Message{SenderID: 1, Content: "into the void", MediaKind: transport.MediaText, ReplyTo: 999}
	rid, err := f.store.InsertMessage(context.Background(), reply)
	if err != nil {
		t.Fatal(err)
	}
	reply.ID = rid

	_, done, err := f.engine.Fanout(context.Background(), reply)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	sent := f.gw.SentTo(2)
	if len(sent) != 1 {
		t.Fatalf("got %d copies", len(sent))
	}
	if strings.Contains(sent[0].Text, "<blockquote>") {
		t.Fatalf("preview present for missing original: %q", sent[0].Text)
	}
}

func TestDeleteEverywhere(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.join(t, 1, "Alice")
	f.join(t, 2, "Bob")
	f.join(t, 3, "Carol")
	f.join(t, 4, "Dave")
	f.gw.FailSendsTo(4, errors.New("unreachable"))

	msg := f.post(t, 1, "to be removed")
	_, done, err := f.engine.Fanout(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	n, err := f.engine.DeleteEverywhere(context.Background(), msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Dave never got a copy, so exactly two deletes go out.
	if n != 2 {
		t.Fatalf("deleted %d copies, want 2", n)
	}
	if got := len(f.gw.Deletes()); got != 2 {
		t.Fatalf("gateway saw %d delete calls, want 2", got)
	}

	refs, _ := f.store.DeliveriesFor(context.Background(), msg.ID)
	if len(refs) != 0 {
		t.Fatalf("%d mapping rows survived deletion", len(refs))
	}
	if _, err := f.store.GetMessage(context.Background(), msg.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("canonical record survived deletion: %v", err)
	}
}

func TestNoticeReachesAllJoined(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.join(t, 1, "Alice")
	f.join(t, 2, "Bob")

	_, done, err := f.engine.Notice(context.Background(), "maintenance at noon")
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	for _, id := range []int64{1, 2} {
		if got := len(f.gw.SentTo(id)); got != 1 {
			t.Fatalf("member %d got %d notices, want 1", id, got)
		}
	}
}
