package moderation

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"anonroom/internal/storage"
	"anonroom/internal/transport"
)

// ErrPolicy is the sentinel wrapped by every PolicyError so callers can
// errors.Is against one value.
var ErrPolicy = errors.New("content policy violation")

// PolicyError reports a rejected post along with the warn ledger state
// after the automatic warn it triggered.
type PolicyError struct {
	Rule    string // "link" or "media"
	Outcome WarnOutcome
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("content rejected by %s policy (warns %d/%d)", e.Rule, e.Outcome.Count, e.Outcome.BanAfter)
}

func (e *PolicyError) Unwrap() error { return ErrPolicy }

var linkPattern = regexp.MustCompile(`(?i)https?://|www\.`)

// HasLink reports whether text contains something that looks like a URL.
func HasLink(text string) bool { return linkPattern.MatchString(text) }

// Check gates one post. Order matters: an active ban wins over an active
// mute, and both win over content policy. A policy hit warns the sender
// (which may itself escalate) and returns a *PolicyError.
func (s *Service) Check(ctx context.Context, u storage.User, content string, kind transport.MediaKind) error {
	now := s.now()
	if u.BannedUntil.After(now) {
		return ErrBanned
	}
	if u.MutedUntil.After(now) {
		return ErrMuted
	}

	if kind == transport.MediaText || kind == "" {
		banLinks, err := s.store.Toggle(ctx, storage.ToggleBanLinks)
		if err != nil {
			return err
		}
		if banLinks && HasLink(content) {
			return s.policyReject(ctx, u.ID, "link")
		}
		return nil
	}

	banMedia, err := s.store.Toggle(ctx, storage.ToggleBanMedia)
	if err != nil {
		return err
	}
	if banMedia {
		return s.policyReject(ctx, u.ID, "media")
	}
	return nil
}

func (s *Service) policyReject(ctx context.Context, userID int64, rule string) error {
	out, err := s.Warn(ctx, 0, userID, ReasonPolicy, rule)
	if err != nil {
		return err
	}
	return &PolicyError{Rule: rule, Outcome: out}
}
