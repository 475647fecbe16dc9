package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"anonroom/internal/admission"
	"anonroom/internal/storage"
	"anonroom/internal/transport"
	logx "anonroom/pkg/logx"
)

func (r *Router) handleCommand(ctx context.Context, c transport.Command) {
	name := strings.ToLower(c.Name)

	if text, ok := r.memberCommand(ctx, name, c); ok {
		r.reply(ctx, c.FromID, text)
		return
	}

	if text, ok := r.adminCommand(ctx, name, c); ok {
		if !r.isAdmin(c.FromID) {
			r.log.Warn("unauthorized admin command",
				logx.Int64("user", c.FromID), logx.String("command", name))
			r.reply(ctx, c.FromID, "Unauthorized.")
			return
		}
		r.reply(ctx, c.FromID, text)
		return
	}

	r.reply(ctx, c.FromID, "Unknown command. See /help.")
}

func (r *Router) memberCommand(ctx context.Context, name string, c transport.Command) (string, bool) {
	switch name {
	case "start", "join":
		return r.cmdJoin(ctx, c), true
	case "leave":
		return r.cmdLeave(ctx, c), true
	case "help":
		return r.cmdHelp(c), true
	case "profile":
		return r.cmdProfile(ctx, c), true
	case "pinned":
		return r.cmdPinned(ctx), true
	case "members":
		return r.cmdMembers(ctx), true
	case "delete":
		return r.cmdDelete(ctx, c), true
	}
	return "", false
}

func (r *Router) cmdJoin(ctx context.Context, c transport.Command) string {
	res, err := r.adm.Join(ctx, admission.Applicant{
		ID: c.FromID, Username: c.FromUsername, Name: c.FromName,
	})
	switch {
	case errors.Is(err, admission.ErrRateLimited):
		return "Too many join attempts right now, try again in a couple of minutes."
	case err != nil:
		r.log.Error("join failed", logx.Int64("user", c.FromID), logx.Err(err))
		return "Join failed, please retry."
	}

	switch res {
	case admission.JoinAlready:
		return "You are already in the room."
	case admission.JoinPending:
		return "Your request is waiting for admin approval."
	default:
		return "Welcome to the room! Everything you post is relayed anonymously."
	}
}

func (r *Router) cmdLeave(ctx context.Context, c transport.Command) string {
	u, err := r.store.GetUser(ctx, c.FromID)
	if err != nil || !u.Joined() {
		return "You are not in the room."
	}
	if err := r.adm.Leave(ctx, c.FromID); err != nil {
		r.log.Error("leave failed", logx.Int64("user", c.FromID), logx.Err(err))
		return "Leave failed, please retry."
	}
	r.spam.Forget(c.FromID)
	return "You left the room. /join to come back."
}

func (r *Router) cmdHelp(c transport.Command) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("/join - enter the room\n")
	b.WriteString("/leave - leave the room\n")
	b.WriteString("/profile - your member profile\n")
	b.WriteString("/pinned - show the pinned message\n")
	b.WriteString("/members - member count\n")
	b.WriteString("/delete - reply to one of your posts to remove it everywhere\n")
	if r.isAdmin(c.FromID) {
		b.WriteString("\nAdmin:\n")
		b.WriteString("/ban /unban /mute /unmute /warn /resetwarn /kick <user>\n")
		b.WriteString("/approve /reject <user>, /approveall, /pending\n")
		b.WriteString("/users [n], /admins\n")
		b.WriteString("/pin (as reply), /unpin\n")
		b.WriteString("/setwelcome <text>, /setvendor /removevendor <user>\n")
		b.WriteString("/togglelinks /togglemedia /toggleapproval\n")
		b.WriteString("/lockdown /unlock, /silent /unsilent\n")
		b.WriteString("/auditlog [n], /modhistory <user> [n], /namehistory <user>, /status\n")
	}
	return b.String()
}

func (r *Router) cmdProfile(ctx context.Context, c transport.Command) string {
	u, err := r.store.GetUser(ctx, c.FromID)
	if err != nil {
		return "No profile yet. Use /join first."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", u.Name)
	if u.Username != "" {
		fmt.Fprintf(&b, "Username: @%s\n", u.Username)
	}
	fmt.Fprintf(&b, "Membership: %s\n", u.Membership)
	fmt.Fprintf(&b, "Warnings: %d\n", u.Warns)
	if u.Vendor {
		b.WriteString("Vendor: yes\n")
	}
	now := time.Now()
	if u.BannedUntil.After(now) {
		fmt.Fprintf(&b, "Banned until: %s\n", u.BannedUntil.Format(time.RFC1123))
	}
	if u.MutedUntil.After(now) {
		fmt.Fprintf(&b, "Muted until: %s\n", u.MutedUntil.Format(time.RFC1123))
	}
	return b.String()
}

func (r *Router) cmdPinned(ctx context.Context) string {
	msg, ok, err := r.pins.Pinned(ctx)
	if err != nil {
		r.log.Error("pinned lookup failed", logx.Err(err))
		return "Could not load the pinned message."
	}
	if !ok {
		return "No pinned message."
	}
	if msg.MediaKind != transport.MediaText && msg.MediaKind != "" {
		return "Pinned: " + string(msg.MediaKind) + " message"
	}
	return "Pinned: " + msg.Content
}

func (r *Router) cmdMembers(ctx context.Context) string {
	n, err := r.adm.MemberCount(ctx)
	if err != nil {
		return "Could not count members."
	}
	return fmt.Sprintf("The room has %d members.", n)
}

// resolveTarget turns a command argument (numeric id or @username) into a
// user record.
func (r *Router) resolveTarget(ctx context.Context, arg string) (storage.User, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return storage.User{}, storage.ErrNotFound
	}
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return r.store.GetUser(ctx, id)
	}
	return r.store.GetUserByUsername(ctx, arg)
}
