// Package admission controls who enters the room: a single global
// sliding-window limiter over join attempts, an optional approval gate,
// and the welcome broadcast on successful entry. Limiter state lives only
// in process memory.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"anonroom/internal/eventbus"
	"anonroom/internal/relay"
	"anonroom/internal/storage"
	logx "anonroom/pkg/logx"
)

var (
	// ErrRateLimited covers both the window being full and the cooldown
	// that follows; the caller cannot tell them apart and should not.
	ErrRateLimited = errors.New("join attempts rate limited")
	ErrNotPending  = errors.New("user has no pending join request")
)

const defaultWelcome = "Welcome, {name}! The room now has {count} members."

type Config struct {
	RateLimit  int           // join attempts allowed per window
	RateWindow time.Duration // sliding window length
	Cooldown   time.Duration // lockout after the window fills
}

func DefaultConfig() Config {
	return Config{
		RateLimit:  10,
		RateWindow: 30 * time.Second,
		Cooldown:   120 * time.Second,
	}
}

type JoinResult int

const (
	JoinAlready JoinResult = iota // already a member, nothing changed
	JoinJoined                    // admitted directly
	JoinPending                   // queued for admin approval
)

// Applicant is the identity presented with a join attempt.
type Applicant struct {
	ID       int64
	Username string
	Name     string
}

type Controller struct {
	cfg   Config
	store storage.Store
	bus   eventbus.Bus
	relay *relay.Engine
	log   logx.Logger
	now   func() time.Time

	mu            sync.Mutex
	attempts      []time.Time
	cooldownUntil time.Time
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, rel *relay.Engine, log logx.Logger) *Controller {
	return NewWithClock(cfg, store, bus, rel, log, time.Now)
}

func NewWithClock(cfg Config, store storage.Store, bus eventbus.Bus, rel *relay.Engine, log logx.Logger, now func() time.Time) *Controller {
	def := DefaultConfig()
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{cfg: cfg, store: store, bus: bus, relay: rel, log: log, now: now}
}

// admitAttempt applies the global limiter. Every attempt counts, even
// rejected ones.
func (c *Controller) admitAttempt() error {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Before(c.cooldownUntil) {
		return ErrRateLimited
	}

	kept := c.attempts[:0]
	for _, t := range c.attempts {
		if now.Sub(t) < c.cfg.RateWindow {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.attempts = kept

	if len(kept) > c.cfg.RateLimit {
		c.cooldownUntil = now.Add(c.cfg.Cooldown)
		c.log.Warn("join window exceeded, cooldown engaged",
			logx.Int("attempts", len(kept)), logx.Time("until", c.cooldownUntil))
		return ErrRateLimited
	}
	return nil
}

// Join handles one join attempt. It returns ErrRateLimited when the
// global window or cooldown rejects the attempt, before any state change.
func (c *Controller) Join(ctx context.Context, a Applicant) (JoinResult, error) {
	if err := c.admitAttempt(); err != nil {
		return 0, err
	}

	existing, err := c.store.GetUser(ctx, a.ID)
	known := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	if known && existing.Joined() {
		return JoinAlready, nil
	}
	if known && (existing.Name != a.Name || existing.Username != a.Username) {
		if err := c.store.AddNameHistory(ctx, a.ID, a.Name, a.Username); err == nil {
			c.publish(eventbus.EventNameChange, a.ID,
				fmt.Sprintf("%q -> %q", existing.Name, a.Name))
		}
	}

	membership := storage.MemberNone
	if known {
		membership = existing.Membership
	}
	err = c.store.UpsertUser(ctx, storage.User{
		ID: a.ID, Username: a.Username, Name: a.Name, Membership: membership,
	})
	if err != nil {
		return 0, err
	}

	approval, err := c.store.Toggle(ctx, storage.ToggleApprovalMode)
	if err != nil {
		return 0, err
	}
	if approval {
		if err := c.store.SetMembership(ctx, a.ID, storage.MemberPending); err != nil {
			return 0, err
		}
		c.audit(ctx, 0, a.ID, "joinrequest", a.Name)
		c.publish(eventbus.EventPending, a.ID, a.Name)
		return JoinPending, nil
	}

	if err := c.admit(ctx, 0, a.ID); err != nil {
		return 0, err
	}
	return JoinJoined, nil
}

// Approve moves a pending user into the room and issues the welcome.
func (c *Controller) Approve(ctx context.Context, actorID, targetID int64) error {
	u, err := c.store.GetUser(ctx, targetID)
	if err != nil {
		return err
	}
	if !u.Pending() {
		return ErrNotPending
	}
	return c.admit(ctx, actorID, targetID)
}

// ApproveAll admits every pending user; returns how many were admitted.
func (c *Controller) ApproveAll(ctx context.Context, actorID int64) (int, error) {
	pending, err := c.store.PendingUsers(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range pending {
		if err := c.admit(ctx, actorID, u.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Reject drops a pending join request.
func (c *Controller) Reject(ctx context.Context, actorID, targetID int64) error {
	u, err := c.store.GetUser(ctx, targetID)
	if err != nil {
		return err
	}
	if !u.Pending() {
		return ErrNotPending
	}
	if err := c.store.SetMembership(ctx, targetID, storage.MemberNone); err != nil {
		return err
	}
	c.audit(ctx, actorID, targetID, "reject", "")
	return nil
}

// Leave reverts a member to non-membership; the user row stays.
func (c *Controller) Leave(ctx context.Context, userID int64) error {
	if err := c.store.SetMembership(ctx, userID, storage.MemberNone); err != nil {
		return err
	}
	c.audit(ctx, userID, userID, "leave", "")
	c.publish(eventbus.EventLeft, userID, "left")
	return nil
}

// Kick is an admin-forced leave.
func (c *Controller) Kick(ctx context.Context, actorID, targetID int64) error {
	if err := c.store.SetMembership(ctx, targetID, storage.MemberNone); err != nil {
		return err
	}
	c.audit(ctx, actorID, targetID, "kick", "")
	c.publish(eventbus.EventLeft, targetID, "kicked")
	if _, _, err := c.relay.Notice(ctx, "A member was removed from the room."); err != nil {
		c.log.Warn("kick notice failed", logx.Int64("user", targetID), logx.Err(err))
	}
	return nil
}

func (c *Controller) Pending(ctx context.Context) ([]storage.User, error) {
	return c.store.PendingUsers(ctx)
}

func (c *Controller) MemberCount(ctx context.Context) (int, error) {
	ids, err := c.store.JoinedIDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (c *Controller) admit(ctx context.Context, actorID, targetID int64) error {
	if err := c.store.SetMembership(ctx, targetID, storage.MemberJoined); err != nil {
		return err
	}
	c.audit(ctx, actorID, targetID, "join", "")
	c.publish(eventbus.EventJoined, targetID, "joined")

	if err := c.welcome(ctx, targetID); err != nil {
		// Welcome is best effort; the membership change already happened.
		c.log.Warn("welcome broadcast failed", logx.Int64("user", targetID), logx.Err(err))
	}
	return nil
}

func (c *Controller) welcome(ctx context.Context, userID int64) error {
	u, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	tmpl, err := c.store.Welcome(ctx)
	if err != nil {
		return err
	}
	if tmpl == "" {
		tmpl = defaultWelcome
	}
	count, err := c.MemberCount(ctx)
	if err != nil {
		return err
	}

	text := ExpandWelcome(tmpl, u, count)
	_, _, err = c.relay.Notice(ctx, text)
	return err
}

// ExpandWelcome fills the {name}, {username} and {count} placeholders.
func ExpandWelcome(tmpl string, u storage.User, count int) string {
	r := strings.NewReplacer(
		"{name}", u.Name,
		"{username}", u.Username,
		"{count}", strconv.Itoa(count),
	)
	return r.Replace(tmpl)
}

func (c *Controller) audit(ctx context.Context, actorID, targetID int64, action, detail string) {
	err := c.store.AppendAudit(ctx, storage.AuditEntry{
		ActorID: actorID, TargetID: targetID, Action: action, Detail: detail, At: c.now(),
	})
	if err != nil {
		c.log.Error("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func (c *Controller) publish(typ string, userID int64, detail string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, UserID: userID, Detail: detail})
}
