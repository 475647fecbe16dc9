// Package moderation is the per-user ban/mute/warn state machine and the
// enforcement check run before content is admitted to the room.
//
// There is a single warn ledger per user. Admin warns, content-policy
// warns and anti-spam warns all increment the same counter (each tagged
// with a reason in the audit log) and are measured against one escalation
// ladder: warns >= BanAfter bans for BanFor; otherwise warns >= MuteAfter
// mutes for MuteFor. Thresholds compare with >= rather than the exact
// match used historically, so a count that jumps past a threshold still
// escalates.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"anonroom/internal/eventbus"
	"anonroom/internal/storage"
	logx "anonroom/pkg/logx"
)

var (
	ErrBanned = errors.New("user is banned")
	ErrMuted  = errors.New("user is muted")
)

// Reason tags a warn increment in the audit log.
type Reason string

const (
	ReasonAdmin  Reason = "warn"
	ReasonPolicy Reason = "policywarn"
	ReasonSpam   Reason = "autowarn"
)

type Escalation int

const (
	EscalateNone Escalation = iota
	EscalateMute
	EscalateBan
)

// WarnOutcome reports the ledger after one warn and any escalation it
// triggered.
type WarnOutcome struct {
	Count      int
	BanAfter   int
	Escalation Escalation
	Until      time.Time
}

type Config struct {
	MuteAfter int           // warns that trigger a timed auto-mute; 0 disables
	BanAfter  int           // warns that trigger a timed auto-ban
	MuteFor   time.Duration // auto-mute duration
	BanFor    time.Duration // auto-ban duration
}

func DefaultConfig() Config {
	return Config{
		MuteAfter: 3,
		BanAfter:  5,
		MuteFor:   time.Hour,
		BanFor:    24 * time.Hour,
	}
}

// Admin bans have no natural expiry; store a far-future instant instead of
// a magic null.
var permanentBanHorizon = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

type Service struct {
	cfg   Config
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	// Per-user locks keep read-increment-compare atomic so concurrent
	// warns cannot race past a threshold without escalating.
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	return NewWithClock(cfg, store, bus, log, time.Now)
}

func NewWithClock(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger, now func() time.Time) *Service {
	def := DefaultConfig()
	if cfg.BanAfter <= 0 {
		cfg.BanAfter = def.BanAfter
	}
	if cfg.MuteFor <= 0 {
		cfg.MuteFor = def.MuteFor
	}
	if cfg.BanFor <= 0 {
		cfg.BanFor = def.BanFor
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		store: store,
		bus:   bus,
		log:   log,
		now:   now,
		locks: map[int64]*sync.Mutex{},
	}
}

func (s *Service) lockFor(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// Warn increments the target's warn ledger and applies any escalation the
// new count crosses. ActorID 0 marks an automated warn.
func (s *Service) Warn(ctx context.Context, actorID, targetID int64, reason Reason, detail string) (WarnOutcome, error) {
	l := s.lockFor(targetID)
	l.Lock()
	defer l.Unlock()

	count, err := s.store.IncrementWarns(ctx, targetID)
	if err != nil {
		return WarnOutcome{}, err
	}
	s.audit(ctx, actorID, targetID, string(reason), detail)

	out := WarnOutcome{Count: count, BanAfter: s.cfg.BanAfter}
	now := s.now()

	switch {
	case count >= s.cfg.BanAfter:
		out.Escalation = EscalateBan
		out.Until = now.Add(s.cfg.BanFor)
		if err := s.store.SetBannedUntil(ctx, targetID, out.Until); err != nil {
			return out, err
		}
		s.audit(ctx, 0, targetID, "autoban", fmt.Sprintf("%d warns", count))
		s.publish(eventbus.EventAutoBan, targetID, fmt.Sprintf("auto-banned at %d warns", count))
		s.log.Warn("user auto-banned",
			logx.Int64("user", targetID), logx.Int("warns", count), logx.Time("until", out.Until))
	case s.cfg.MuteAfter > 0 && count >= s.cfg.MuteAfter:
		out.Escalation = EscalateMute
		out.Until = now.Add(s.cfg.MuteFor)
		if err := s.store.SetMutedUntil(ctx, targetID, out.Until); err != nil {
			return out, err
		}
		s.audit(ctx, 0, targetID, "automute", fmt.Sprintf("%d warns", count))
		s.publish(eventbus.EventAutoMute, targetID, fmt.Sprintf("auto-muted at %d warns", count))
		s.log.Info("user auto-muted",
			logx.Int64("user", targetID), logx.Int("warns", count), logx.Time("until", out.Until))
	}
	return out, nil
}

// Ban applies an admin ban with no expiry.
func (s *Service) Ban(ctx context.Context, actorID, targetID int64) error {
	if err := s.store.SetBannedUntil(ctx, targetID, permanentBanHorizon); err != nil {
		return err
	}
	s.audit(ctx, actorID, targetID, "ban", "permanent ban")
	return nil
}

func (s *Service) Unban(ctx context.Context, actorID, targetID int64) error {
	if err := s.store.SetBannedUntil(ctx, targetID, time.Time{}); err != nil {
		return err
	}
	s.audit(ctx, actorID, targetID, "unban", "")
	return nil
}

func (s *Service) Mute(ctx context.Context, actorID, targetID int64, until time.Time) error {
	if err := s.store.SetMutedUntil(ctx, targetID, until); err != nil {
		return err
	}
	s.audit(ctx, actorID, targetID, "mute", "until "+until.Format(time.RFC3339))
	return nil
}

func (s *Service) Unmute(ctx context.Context, actorID, targetID int64) error {
	if err := s.store.SetMutedUntil(ctx, targetID, time.Time{}); err != nil {
		return err
	}
	s.audit(ctx, actorID, targetID, "unmute", "")
	return nil
}

// ResetWarns zeroes the ledger; ban and mute state are untouched.
func (s *Service) ResetWarns(ctx context.Context, actorID, targetID int64) error {
	l := s.lockFor(targetID)
	l.Lock()
	defer l.Unlock()

	if err := s.store.ResetWarns(ctx, targetID); err != nil {
		return err
	}
	s.audit(ctx, actorID, targetID, "resetwarn", "")
	return nil
}

// History returns moderation actions for one target, newest first.
func (s *Service) History(ctx context.Context, targetID int64, limit int) ([]storage.AuditEntry, error) {
	return s.store.AuditFor(ctx, targetID, limit)
}

// Log returns the global audit log, newest first.
func (s *Service) Log(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	return s.store.AuditLog(ctx, limit)
}

func (s *Service) audit(ctx context.Context, actorID, targetID int64, action, detail string) {
	err := s.store.AppendAudit(ctx, storage.AuditEntry{
		ActorID:  actorID,
		TargetID: targetID,
		Action:   action,
		Detail:   detail,
		At:       s.now(),
	})
	if err != nil {
		s.log.Error("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func (s *Service) publish(typ string, userID int64, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, UserID: userID, Detail: detail})
}
