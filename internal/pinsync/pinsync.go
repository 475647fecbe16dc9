// Package pinsync keeps the singleton pinned message mirrored to every
// joined member as one banner copy each, edited in place. Repeated pins
// reuse the existing banner handle so duplicates never accumulate.
package pinsync

import (
	"context"
	"errors"
	"html"

	"anonroom/internal/broadcast"
	"anonroom/internal/relay"
	"anonroom/internal/storage"
	"anonroom/internal/transport"
	logx "anonroom/pkg/logx"
)

const noPinText = "<i>No pinned message.</i>"

var htmlOpts = &transport.SendOptions{ParseMode: transport.ParseHTML, DisablePreview: true}

type Synchronizer struct {
	store storage.Store
	gw    transport.Gateway
	pool  *broadcast.Pool
	log   logx.Logger
}

func New(store storage.Store, gw transport.Gateway, pool *broadcast.Pool, log logx.Logger) *Synchronizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Synchronizer{store: store, gw: gw, pool: pool, log: log}
}

func bannerText(m storage.Message) string {
	body := m.Content
	if m.MediaKind != transport.MediaText && m.MediaKind != "" {
		body = relay.Preview(m)
	}
	return "📌 <b>Pinned</b>\n" + html.EscapeString(body)
}

// SetPinned replaces the pinned singleton with canonicalID and refreshes
// each joined member's banner: existing handles are edited in place, the
// rest get a fresh banner whose handle is recorded. Per-recipient
// failures are logged and skipped.
func (s *Synchronizer) SetPinned(ctx context.Context, canonicalID int64) (string, <-chan struct{}, error) {
	msg, err := s.store.GetMessage(ctx, canonicalID)
	if err != nil {
		return "", nil, err
	}
	// The singleton flips before any banner work so a concurrent query
	// already sees the new pin.
	if err := s.store.SetPinned(ctx, canonicalID); err != nil {
		return "", nil, err
	}

	text := bannerText(msg)
	banners, err := s.store.Banners(ctx)
	if err != nil {
		return "", nil, err
	}
	ids, err := s.store.JoinedIDs(ctx)
	if err != nil {
		return "", nil, err
	}

	tasks := make([]broadcast.Task, 0, len(ids))
	for _, id := range ids {
		recipient := id
		handle, hasBanner := banners[id]
		tasks = append(tasks, broadcast.Task{
			RecipientID: recipient,
			Run: func(ctx context.Context) error {
				if hasBanner {
					return s.gw.EditText(ctx, transport.MessageRef{ChatID: recipient, MessageID: handle}, text, htmlOpts)
				}
				ref, err := s.gw.SendText(ctx, recipient, text, htmlOpts)
				if err != nil {
					return err
				}
				return s.store.SetBanner(ctx, recipient, ref.MessageID)
			},
		})
	}

	id, done := s.pool.Enqueue("pin", tasks)
	return id, done, nil
}

// ClearPinned drops the singleton, edits every recorded banner to a
// neutral text and forgets all handles. Edit failures are swallowed; the
// handles are dropped regardless.
func (s *Synchronizer) ClearPinned(ctx context.Context) (string, <-chan struct{}, error) {
	if err := s.store.ClearPinned(ctx); err != nil {
		return "", nil, err
	}
	banners, err := s.store.Banners(ctx)
	if err != nil {
		return "", nil, err
	}

	tasks := make([]broadcast.Task, 0, len(banners))
	for recipient, handle := range banners {
		recipient, handle := recipient, handle
		tasks = append(tasks, broadcast.Task{
			RecipientID: recipient,
			Run: func(ctx context.Context) error {
				return s.gw.EditText(ctx, transport.MessageRef{ChatID: recipient, MessageID: handle}, noPinText, htmlOpts)
			},
		})
	}

	if err := s.store.ClearBanners(ctx); err != nil {
		return "", nil, err
	}
	id, done := s.pool.Enqueue("unpin", tasks)
	return id, done, nil
}

// Pinned returns the current pinned message, if any.
func (s *Synchronizer) Pinned(ctx context.Context) (storage.Message, bool, error) {
	id, ok, err := s.store.Pinned(ctx)
	if err != nil || !ok {
		return storage.Message{}, false, err
	}
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		// Pin points at a deleted message; treat as no pin.
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Message{}, false, nil
		}
		return storage.Message{}, false, err
	}
	return msg, true, nil
}
