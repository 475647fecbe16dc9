// Package router is the single-consumer dispatcher: inbound updates are
// handled one at a time, gating each post through anti-spam and moderation
// before persisting it and handing fan-out to the delivery pool. Command
// updates dispatch to thin entry points over the moderation, admission,
// relay and pin components.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"anonroom/internal/admission"
	"anonroom/internal/antispam"
	"anonroom/internal/moderation"
	"anonroom/internal/pinsync"
	"anonroom/internal/relay"
	"anonroom/internal/session"
	"anonroom/internal/storage"
	"anonroom/internal/transport"
	logx "anonroom/pkg/logx"
)

type Config struct {
	// Admins are the user ids allowed to run privileged commands. They
	// bypass lockdown, silent mode, anti-spam and content policy.
	Admins []int64
}

type Router struct {
	cfg   Config
	store storage.Store
	gw    transport.Gateway
	mod   *moderation.Service
	spam  *antispam.Detector
	adm   *admission.Controller
	rel   *relay.Engine
	pins  *pinsync.Synchronizer
	sess  *session.State
	log   logx.Logger

	admins map[int64]bool
}

func New(
	cfg Config,
	store storage.Store,
	gw transport.Gateway,
	mod *moderation.Service,
	spam *antispam.Detector,
	adm *admission.Controller,
	rel *relay.Engine,
	pins *pinsync.Synchronizer,
	sess *session.State,
	log logx.Logger,
) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	admins := make(map[int64]bool, len(cfg.Admins))
	for _, id := range cfg.Admins {
		admins[id] = true
	}
	return &Router{
		cfg: cfg, store: store, gw: gw, mod: mod, spam: spam,
		adm: adm, rel: rel, pins: pins, sess: sess, log: log,
		admins: admins,
	}
}

func (r *Router) isAdmin(id int64) bool { return r.admins[id] }

// Run consumes updates until ctx is canceled. One update at a time; the
// heavy fan-out work is queued to the pool, so the loop stays responsive.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			r.handle(ctx, u)
		}
	}
}

func (r *Router) handle(ctx context.Context, u transport.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("update handler panicked",
				logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()

	switch u.Kind {
	case transport.UpdateMessage:
		if u.Message != nil {
			r.handleMessage(ctx, *u.Message)
		}
	case transport.UpdateCommand:
		if u.Command != nil {
			r.handleCommand(ctx, *u.Command)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m transport.Message) {
	user, err := r.store.GetUser(ctx, m.FromID)
	if err != nil || !user.Joined() {
		r.reply(ctx, m.FromID, "You are not in the room. Use /join first.")
		return
	}

	admin := r.isAdmin(m.FromID)
	if !admin {
		if r.sess.Lockdown() {
			r.reply(ctx, m.FromID, "The room is locked down. Please try again later.")
			return
		}
		if r.sess.Silent() {
			r.reply(ctx, m.FromID, "The room is in silent mode; only announcements go out right now.")
			return
		}

		res := r.spam.Observe(m.FromID, spamFingerprint(m))
		if res.Spam() {
			r.handleSpam(ctx, m.FromID, res)
			return
		}

		if err := r.mod.Check(ctx, user, m.Text, m.MediaKind); err != nil {
			r.reply(ctx, m.FromID, rejectionText(err))
			return
		}
	}

	msg := storage.Message{
		SenderID:  m.FromID,
		Content:   m.Text,
		MediaKind: m.MediaKind,
		MediaRef:  m.MediaRef,
		ReplyTo:   r.resolveReply(ctx, m.FromID, m.ReplyToID),
	}
	id, err := r.store.InsertMessage(ctx, msg)
	if err != nil {
		r.log.Error("message persist failed", logx.Int64("sender", m.FromID), logx.Err(err))
		r.reply(ctx, m.FromID, "Could not accept the message, please retry.")
		return
	}
	msg.ID = id

	// The sender's original message in their own chat is recorded as a
	// delivery handle too, so the author can reply to it (/delete, reply
	// threading) and DeleteEverywhere removes it along with the copies.
	if m.ID != 0 {
		ref := transport.MessageRef{ChatID: m.FromID, MessageID: m.ID}
		if err := r.store.RecordDelivery(ctx, id, ref); err != nil {
			r.log.Debug("sender handle record failed", logx.Int64("message", id), logx.Err(err))
		}
	}

	// Fan-out is queued; this handler does not wait for delivery.
	if _, _, err := r.rel.Fanout(ctx, msg); err != nil {
		r.log.Error("fanout enqueue failed", logx.Int64("message", id), logx.Err(err))
	}
}

// resolveReply translates the gateway message id the member replied to in
// their own chat back to the canonical id. Unknown handles (system
// notices, very old copies) drop the threading silently.
func (r *Router) resolveReply(ctx context.Context, fromID int64, replyToID int) int64 {
	if replyToID == 0 {
		return 0
	}
	ref := transport.MessageRef{ChatID: fromID, MessageID: replyToID}
	id, ok, err := r.store.CanonicalFor(ctx, ref)
	if err != nil || !ok {
		return 0
	}
	return id
}

func (r *Router) handleSpam(ctx context.Context, userID int64, res antispam.Result) {
	reason := "flood"
	if res.Duplicate && !res.Flood {
		reason = "duplicate"
	}
	out, err := r.mod.Warn(ctx, 0, userID, moderation.ReasonSpam, reason)
	if err != nil {
		r.log.Error("spam warn failed", logx.Int64("user", userID), logx.Err(err))
		return
	}
	switch out.Escalation {
	case moderation.EscalateBan:
		r.reply(ctx, userID, fmt.Sprintf(
			"You have been banned for spamming (%d warnings).", out.Count))
	case moderation.EscalateMute:
		r.reply(ctx, userID, fmt.Sprintf(
			"You have been muted for spamming until %s.", out.Until.Format("15:04 MST")))
	default:
		r.reply(ctx, userID, fmt.Sprintf(
			"Slow down. Warning %d/%d.", out.Count, out.BanAfter))
	}
}

func rejectionText(err error) string {
	var pe *moderation.PolicyError
	switch {
	case errors.Is(err, moderation.ErrBanned):
		return "You are banned from the room."
	case errors.Is(err, moderation.ErrMuted):
		return "You are muted and cannot post right now."
	case errors.As(err, &pe):
		switch pe.Outcome.Escalation {
		case moderation.EscalateBan:
			return fmt.Sprintf("Message rejected (%s). You have been banned (%d warnings).",
				pe.Rule, pe.Outcome.Count)
		case moderation.EscalateMute:
			return fmt.Sprintf("Message rejected (%s). You have been muted (%d warnings).",
				pe.Rule, pe.Outcome.Count)
		default:
			return fmt.Sprintf("Message rejected (%s). Warning %d/%d.",
				pe.Rule, pe.Outcome.Count, pe.Outcome.BanAfter)
		}
	default:
		return "Message rejected."
	}
}

// spamFingerprint is the content the duplicate detector compares. Media
// posts use the file reference so re-sending the same photo counts.
func spamFingerprint(m transport.Message) string {
	if m.MediaKind != transport.MediaText && m.MediaKind != "" && m.MediaRef != "" {
		return string(m.MediaKind) + ":" + m.MediaRef
	}
	return m.Text
}

func (r *Router) reply(ctx context.Context, to int64, text string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := r.gw.SendText(ctx, to, text, nil); err != nil {
		r.log.Debug("reply failed", logx.Int64("to", to), logx.Err(err))
	}
}
