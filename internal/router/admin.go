package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"anonroom/internal/admission"
	"anonroom/internal/moderation"
	"anonroom/internal/storage"
	"anonroom/internal/transport"
	logx "anonroom/pkg/logx"
)

const defaultMuteFor = time.Hour

// adminCommand reports whether name is an admin command and, for an
// authorized caller, the reply text. The caller checks authorization.
func (r *Router) adminCommand(ctx context.Context, name string, c transport.Command) (string, bool) {
	if !isAdminCommand(name) {
		return "", false
	}
	if !r.isAdmin(c.FromID) {
		// Recognized, but the dispatcher replies Unauthorized.
		return "", true
	}

	switch name {
	case "ban":
		return r.withTarget(ctx, c, func(u storage.User) string {
			if err := r.mod.Ban(ctx, c.FromID, u.ID); err != nil {
				return errText("ban", err)
			}
			return fmt.Sprintf("Banned %s.", display(u))
		}), true
	case "unban":
		return r.withTarget(ctx, c, func(u storage.User) string {
			if err := r.mod.Unban(ctx, c.FromID, u.ID); err != nil {
				return errText("unban", err)
			}
			return fmt.Sprintf("Unbanned %s.", display(u))
		}), true
	case "mute":
		return r.withTarget(ctx, c, func(u storage.User) string {
			d := defaultMuteFor
			if len(c.Args) > 1 {
				parsed, err := time.ParseDuration(c.Args[1])
				if err != nil || parsed <= 0 {
					return "Usage: /mute <user> [duration, e.g. 2h]"
				}
				d = parsed
			}
			until := time.Now().Add(d)
			if err := r.mod.Mute(ctx, c.FromID, u.ID, until); err != nil {
				return errText("mute", err)
			}
			return fmt.Sprintf("Muted %s until %s.", display(u), until.Format("15:04 MST"))
		}), true
	case "unmute":
		return r.withTarget(ctx, c, func(u storage.User) string {
			if err := r.mod.Unmute(ctx, c.FromID, u.ID); err != nil {
				return errText("unmute", err)
			}
			return fmt.Sprintf("Unmuted %s.", display(u))
		}), true
	case "warn":
		return r.withTarget(ctx, c, func(u storage.User) string {
			detail := strings.Join(c.Args[1:], " ")
			out, err := r.mod.Warn(ctx, c.FromID, u.ID, moderation.ReasonAdmin, detail)
			if err != nil {
				return errText("warn", err)
			}
			switch out.Escalation {
			case moderation.EscalateBan:
				return fmt.Sprintf("Warned %s (%d/%d); auto-ban applied.", display(u), out.Count, out.BanAfter)
			case moderation.EscalateMute:
				return fmt.Sprintf("Warned %s (%d/%d); auto-mute applied.", display(u), out.Count, out.BanAfter)
			default:
				return fmt.Sprintf("Warned %s (%d/%d).", display(u), out.Count, out.BanAfter)
			}
		}), true
	case "resetwarn":
		return r.withTarget(ctx, c, func(u storage.User) string {
			if err := r.mod.ResetWarns(ctx, c.FromID, u.ID); err != nil {
				return errText("resetwarn", err)
			}
			return fmt.Sprintf("Warnings for %s reset.", display(u))
		}), true
	case "kick":
		return r.withTarget(ctx, c, func(u storage.User) string {
			if err := r.adm.Kick(ctx, c.FromID, u.ID); err != nil {
				return errText("kick", err)
			}
			r.spam.Forget(u.ID)
			return fmt.Sprintf("Kicked %s.", display(u))
		}), true
	case "approve":
		return r.withTarget(ctx, c, func(u storage.User) string {
			err := r.adm.Approve(ctx, c.FromID, u.ID)
			if errors.Is(err, admission.ErrNotPending) {
				return fmt.Sprintf("%s has no pending request.", display(u))
			}
			if err != nil {
				return errText("approve", err)
			}
			return fmt.Sprintf("Approved %s.", display(u))
		}), true
	case "approveall":
		n, err := r.adm.ApproveAll(ctx, c.FromID)
		if err != nil {
			return errText("approveall", err), true
		}
		return fmt.Sprintf("Approved %d pending requests.", n), true
	case "reject":
		return r.withTarget(ctx, c, func(u storage.User) string {
			err := r.adm.Reject(ctx, c.FromID, u.ID)
			if errors.Is(err, admission.ErrNotPending) {
				return fmt.Sprintf("%s has no pending request.", display(u))
			}
			if err != nil {
				return errText("reject", err)
			}
			return fmt.Sprintf("Rejected %s.", display(u))
		}), true
	case "pending":
		return r.cmdPending(ctx), true
	case "users":
		return r.cmdUsers(ctx, c), true
	case "admins":
		return r.cmdAdmins(), true
	case "pin":
		return r.cmdPin(ctx, c), true
	case "unpin":
		return r.cmdUnpin(ctx), true
	case "setwelcome":
		text := strings.Join(c.Args, " ")
		if strings.TrimSpace(text) == "" {
			return "Usage: /setwelcome <text>; placeholders {name} {username} {count}", true
		}
		if err := r.store.SetWelcome(ctx, text); err != nil {
			return errText("setwelcome", err), true
		}
		return "Welcome message updated.", true
	case "setvendor":
		return r.withTarget(ctx, c, func(u storage.User) string {
			if err := r.store.SetVendor(ctx, u.ID, true); err != nil {
				return errText("setvendor", err)
			}
			return fmt.Sprintf("%s now carries the vendor badge.", display(u))
		}), true
	case "removevendor":
		return r.withTarget(ctx, c, func(u storage.User) string {
			if err := r.store.SetVendor(ctx, u.ID, false); err != nil {
				return errText("removevendor", err)
			}
			return fmt.Sprintf("Vendor badge removed from %s.", display(u))
		}), true
	case "togglelinks":
		return r.flipToggle(ctx, storage.ToggleBanLinks, "Link ban"), true
	case "togglemedia":
		return r.flipToggle(ctx, storage.ToggleBanMedia, "Media ban"), true
	case "toggleapproval":
		return r.flipToggle(ctx, storage.ToggleApprovalMode, "Approval mode"), true
	case "lockdown":
		r.sess.SetLockdown(true)
		r.notice(ctx, "The room is locked down; only admins can post.")
		return "Lockdown enabled; only admins can post.", true
	case "unlock":
		r.sess.SetLockdown(false)
		r.notice(ctx, "The lockdown has been lifted.")
		return "Lockdown lifted.", true
	case "silent":
		r.sess.SetSilent(true)
		r.notice(ctx, "The room is now in silent mode; only announcements go out.")
		return "Silent mode enabled.", true
	case "unsilent":
		r.sess.SetSilent(false)
		r.notice(ctx, "Silent mode is over; carry on.")
		return "Silent mode disabled.", true
	case "auditlog":
		return r.cmdAuditLog(ctx, c), true
	case "modhistory":
		return r.cmdModHistory(ctx, c), true
	case "namehistory":
		return r.cmdNameHistory(ctx, c), true
	case "status":
		return r.cmdStatus(ctx), true
	}
	return "", false
}

func isAdminCommand(name string) bool {
	switch name {
	case "ban", "unban", "mute", "unmute", "warn", "resetwarn", "kick",
		"approve", "approveall", "reject", "pending", "users", "admins",
		"pin", "unpin", "setwelcome",
		"setvendor", "removevendor",
		"togglelinks", "togglemedia", "toggleapproval",
		"lockdown", "unlock", "silent", "unsilent",
		"auditlog", "modhistory", "namehistory", "status":
		return true
	}
	return false
}

func (r *Router) withTarget(ctx context.Context, c transport.Command, fn func(storage.User) string) string {
	if len(c.Args) == 0 {
		return "Target required: user id or @username."
	}
	u, err := r.resolveTarget(ctx, c.Args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return "No such user."
	}
	if err != nil {
		return errText("lookup", err)
	}
	return fn(u)
}

func (r *Router) cmdPending(ctx context.Context) string {
	pending, err := r.adm.Pending(ctx)
	if err != nil {
		return errText("pending", err)
	}
	if len(pending) == 0 {
		return "No pending join requests."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending:\n", len(pending))
	for _, u := range pending {
		fmt.Fprintf(&b, "- %s (%d)\n", display(u), u.ID)
	}
	return b.String()
}

const maxUserListing = 50

// cmdUsers lists joined members, bounded so a big room cannot blow the
// message past the gateway text limit.
func (r *Router) cmdUsers(ctx context.Context, c transport.Command) string {
	ids, err := r.store.JoinedIDs(ctx)
	if err != nil {
		return errText("users", err)
	}
	if len(ids) == 0 {
		return "The room is empty."
	}
	limit := argLimit(c.Args, 0, maxUserListing)
	var b strings.Builder
	fmt.Fprintf(&b, "%d members:\n", len(ids))
	for i, id := range ids {
		if i >= limit {
			fmt.Fprintf(&b, "... and %d more\n", len(ids)-limit)
			break
		}
		u, err := r.store.GetUser(ctx, id)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s (%d)\n", display(u), u.ID)
	}
	return b.String()
}

func (r *Router) cmdAdmins() string {
	if len(r.cfg.Admins) == 0 {
		return "No admins configured."
	}
	var b strings.Builder
	b.WriteString("Admins:\n")
	for _, id := range r.cfg.Admins {
		fmt.Fprintf(&b, "- %d\n", id)
	}
	return b.String()
}

func (r *Router) cmdPin(ctx context.Context, c transport.Command) string {
	id := r.resolveReply(ctx, c.FromID, c.ReplyToID)
	if id == 0 {
		return "Reply to the message you want to pin."
	}
	if _, _, err := r.pins.SetPinned(ctx, id); err != nil {
		return errText("pin", err)
	}
	return "Pinned. Banners are being updated."
}

func (r *Router) cmdUnpin(ctx context.Context) string {
	if _, _, err := r.pins.ClearPinned(ctx); err != nil {
		return errText("unpin", err)
	}
	return "Unpinned. Banners are being cleared."
}

// cmdDelete is open to members for their own posts; admins can delete
// anything.
func (r *Router) cmdDelete(ctx context.Context, c transport.Command) string {
	id := r.resolveReply(ctx, c.FromID, c.ReplyToID)
	if id == 0 {
		return "Reply to the message you want to delete."
	}
	if !r.isAdmin(c.FromID) {
		msg, err := r.store.GetMessage(ctx, id)
		if err != nil || msg.SenderID != c.FromID {
			return "You can only delete your own messages."
		}
	}
	n, err := r.rel.DeleteEverywhere(ctx, id)
	if err != nil {
		return errText("delete", err)
	}
	return fmt.Sprintf("Deleted %d copies.", n)
}

// notice broadcasts a room-wide announcement through the pool.
func (r *Router) notice(ctx context.Context, text string) {
	if _, _, err := r.rel.Notice(ctx, text); err != nil {
		r.log.Error("notice enqueue failed", logx.Err(err))
	}
}

func (r *Router) flipToggle(ctx context.Context, key, label string) string {
	cur, err := r.store.Toggle(ctx, key)
	if err != nil {
		return errText("toggle", err)
	}
	if err := r.store.SetToggle(ctx, key, !cur); err != nil {
		return errText("toggle", err)
	}
	if cur {
		return label + " is now off."
	}
	return label + " is now on."
}

func (r *Router) cmdAuditLog(ctx context.Context, c transport.Command) string {
	limit := argLimit(c.Args, 0, 10)
	entries, err := r.mod.Log(ctx, limit)
	if err != nil {
		return errText("auditlog", err)
	}
	return formatAudit(entries, "Audit log is empty.")
}

func (r *Router) cmdModHistory(ctx context.Context, c transport.Command) string {
	if len(c.Args) == 0 {
		return "Usage: /modhistory <user> [n]"
	}
	u, err := r.resolveTarget(ctx, c.Args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return "No such user."
	}
	if err != nil {
		return errText("lookup", err)
	}
	limit := argLimit(c.Args, 1, 10)
	entries, err := r.mod.History(ctx, u.ID, limit)
	if err != nil {
		return errText("modhistory", err)
	}
	return formatAudit(entries, fmt.Sprintf("No moderation history for %s.", display(u)))
}

func (r *Router) cmdNameHistory(ctx context.Context, c transport.Command) string {
	if len(c.Args) == 0 {
		return "Usage: /namehistory <user>"
	}
	u, err := r.resolveTarget(ctx, c.Args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return "No such user."
	}
	if err != nil {
		return errText("lookup", err)
	}
	changes, err := r.store.NameHistory(ctx, u.ID, 10)
	if err != nil {
		return errText("namehistory", err)
	}
	if len(changes) == 0 {
		return fmt.Sprintf("No recorded name changes for %s.", display(u))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Name history for %s:\n", display(u))
	for _, nc := range changes {
		fmt.Fprintf(&b, "- %s (@%s) at %s\n", nc.Name, nc.Username, nc.At.Format("2006-01-02 15:04"))
	}
	return b.String()
}

func (r *Router) cmdStatus(ctx context.Context) string {
	var b strings.Builder
	members, _ := r.adm.MemberCount(ctx)
	pending, _ := r.adm.Pending(ctx)
	fmt.Fprintf(&b, "Members: %d, pending: %d\n", members, len(pending))
	fmt.Fprintf(&b, "Lockdown: %s, silent: %s\n",
		onOff(r.sess.Lockdown()), onOff(r.sess.Silent()))

	links, _ := r.store.Toggle(ctx, storage.ToggleBanLinks)
	media, _ := r.store.Toggle(ctx, storage.ToggleBanMedia)
	approval, _ := r.store.Toggle(ctx, storage.ToggleApprovalMode)
	fmt.Fprintf(&b, "Link ban: %s, media ban: %s, approval mode: %s\n",
		onOff(links), onOff(media), onOff(approval))

	if _, ok, _ := r.store.Pinned(ctx); ok {
		b.WriteString("Pinned message: set\n")
	} else {
		b.WriteString("Pinned message: none\n")
	}
	return b.String()
}

func formatAudit(entries []storage.AuditEntry, empty string) string {
	if len(entries) == 0 {
		return empty
	}
	var b strings.Builder
	for _, e := range entries {
		actor := "auto"
		if e.ActorID != 0 {
			actor = strconv.FormatInt(e.ActorID, 10)
		}
		fmt.Fprintf(&b, "%s %s -> %d by %s", e.At.Format("2006-01-02 15:04"), e.Action, e.TargetID, actor)
		if e.Detail != "" {
			fmt.Fprintf(&b, " (%s)", e.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func argLimit(args []string, idx, def int) int {
	if len(args) <= idx {
		return def
	}
	n, err := strconv.Atoi(args[idx])
	if err != nil || n <= 0 || n > 100 {
		return def
	}
	return n
}

func display(u storage.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if u.Name != "" {
		return u.Name
	}
	return strconv.FormatInt(u.ID, 10)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func errText(op string, err error) string {
	return fmt.Sprintf("%s failed: %v", op, err)
}
