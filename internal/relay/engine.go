// Package relay is the fan-out engine: it renders a persisted canonical
// message once per recipient, dispatches the copies through the gateway on
// the shared delivery pool, and records the (message, recipient, handle)
// mapping for each successful send. Recipient dispatches are independent;
// one failure never aborts the rest.
package relay

import (
	"context"

	"anonroom/internal/broadcast"
	"anonroom/internal/storage"
	"anonroom/internal/transport"
	logx "anonroom/pkg/logx"
)

var htmlOpts = &transport.SendOptions{ParseMode: transport.ParseHTML, DisablePreview: true}

type Engine struct {
	store storage.Store
	gw    transport.Gateway
	pool  *broadcast.Pool
	log   logx.Logger
}

func New(store storage.Store, gw transport.Gateway, pool *broadcast.Pool, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: store, gw: gw, pool: pool, log: log}
}

// Fanout broadcasts msg to every joined member except the sender. The
// message must already be persisted so a concurrent delete or pin resolves
// against a real record. Returns the batch id and its done channel; the
// caller is not expected to wait.
func (e *Engine) Fanout(ctx context.Context, msg storage.Message) (string, <-chan struct{}, error) {
	sender, err := e.store.GetUser(ctx, msg.SenderID)
	if err != nil {
		return "", nil, err
	}

	var replied *storage.Message
	if msg.ReplyTo != 0 {
		if rm, err := e.store.GetMessage(ctx, msg.ReplyTo); err == nil {
			replied = &rm
		}
		// Missing original: the preview is omitted, not an error.
	}
	text := Render(sender, msg, replied)

	ids, err := e.store.JoinedIDs(ctx)
	if err != nil {
		return "", nil, err
	}

	tasks := make([]broadcast.Task, 0, len(ids))
	for _, id := range ids {
		if id == msg.SenderID {
			continue
		}
		recipient := id
		tasks = append(tasks, broadcast.Task{
			RecipientID: recipient,
			Run: func(ctx context.Context) error {
				ref, err := e.send(ctx, recipient, msg, text)
				if err != nil {
					return err
				}
				return e.store.RecordDelivery(ctx, msg.ID, ref)
			},
		})
	}

	id, done := e.pool.Enqueue("fanout", tasks)
	return id, done, nil
}

func (e *Engine) send(ctx context.Context, to int64, msg storage.Message, text string) (transport.MessageRef, error) {
	if msg.MediaKind == transport.MediaText || msg.MediaKind == "" {
		return e.gw.SendText(ctx, to, text, htmlOpts)
	}
	return e.gw.SendMedia(ctx, to, msg.MediaKind, msg.MediaRef, text, htmlOpts)
}

// DeleteEverywhere removes every recorded copy of a canonical message:
// one gateway delete per handle recorded so far, then the mapping rows and
// the canonical record itself. Gateway failures are logged and skipped so
// every remaining handle still gets its delete call. Returns how many
// copies were deleted.
func (e *Engine) DeleteEverywhere(ctx context.Context, canonicalID int64) (int, error) {
	refs, err := e.store.DeliveriesFor(ctx, canonicalID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, ref := range refs {
		if err := e.gw.Delete(ctx, ref); err != nil {
			e.log.Warn("copy delete failed",
				logx.Int64("message", canonicalID), logx.Int64("chat", ref.ChatID), logx.Err(err))
			continue
		}
		deleted++
	}

	if err := e.store.DeleteDeliveries(ctx, canonicalID); err != nil {
		return deleted, err
	}
	if err := e.store.DeleteMessage(ctx, canonicalID); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Notice broadcasts a system text (welcome, announcements) to every
// joined member. No delivery mapping is recorded; notices cannot be
// replied to or deleted as a unit.
func (e *Engine) Notice(ctx context.Context, text string) (string, <-chan struct{}, error) {
	ids, err := e.store.JoinedIDs(ctx)
	if err != nil {
		return "", nil, err
	}

	tasks := make([]broadcast.Task, 0, len(ids))
	for _, id := range ids {
		recipient := id
		tasks = append(tasks, broadcast.Task{
			RecipientID: recipient,
			Run: func(ctx context.Context) error {
				_, err := e.gw.SendText(ctx, recipient, text, htmlOpts)
				return err
			},
		})
	}

	id, done := e.pool.Enqueue("notice", tasks)
	return id, done, nil
}
