package storage

import (
	"context"
	"errors"
	"time"

	"anonroom/internal/transport"
)

// ErrNotFound reports that no matching row exists. Callers translate it
// into a rejection reply, never a process failure.
var ErrNotFound = errors.New("not found")

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Membership string

const (
	MemberNone    Membership = "none"
	MemberPending Membership = "pending"
	MemberJoined  Membership = "joined"
)

// User is a room member. Rows are never hard-deleted; leaving or being
// kicked reverts Membership to MemberNone.
type User struct {
	ID          int64
	Username    string
	Name        string
	Vendor      bool
	BannedUntil time.Time // zero = not banned
	MutedUntil  time.Time // zero = not muted
	Warns       int
	Membership  Membership
	JoinedAt    time.Time
}

func (u User) Joined() bool  { return u.Membership == MemberJoined }
func (u User) Pending() bool { return u.Membership == MemberPending }

// Message is the canonical stored representation of a post, independent of
// how many rendered copies are fanned out. Immutable once created except
// for deletion.
type Message struct {
	ID        int64
	SenderID  int64
	Content   string
	MediaKind transport.MediaKind
	MediaRef  string
	ReplyTo   int64 // canonical id of the replied-to message; 0 = none
	CreatedAt time.Time
}

// AuditEntry records one moderation or membership action. ActorID 0 means
// the action was automated.
type AuditEntry struct {
	ID       int64
	ActorID  int64
	TargetID int64
	Action   string
	Detail   string
	At       time.Time
}

type NameChange struct {
	Name     string
	Username string
	At       time.Time
}

// Toggle keys. All default to off.
const (
	ToggleBanLinks     = "ban_links"
	ToggleBanMedia     = "ban_media"
	ToggleApprovalMode = "approval_mode"
)

// Store is the persistence API used by the relay core.
//
// The delivery mapping methods keep the forward index (canonical id ->
// handles) and the reverse index (handle -> canonical id) as one
// transactional unit; they are never updated independently.
type Store interface {
	// Users.
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	JoinedIDs(ctx context.Context) ([]int64, error)
	PendingUsers(ctx context.Context) ([]User, error)
	SetMembership(ctx context.Context, id int64, m Membership) error
	SetVendor(ctx context.Context, id int64, vendor bool) error
	SetBannedUntil(ctx context.Context, id int64, until time.Time) error
	SetMutedUntil(ctx context.Context, id int64, until time.Time) error
	IncrementWarns(ctx context.Context, id int64) (int, error)
	ResetWarns(ctx context.Context, id int64) error
	AddNameHistory(ctx context.Context, id int64, name, username string) error
	NameHistory(ctx context.Context, id int64, limit int) ([]NameChange, error)

	// Canonical messages.
	InsertMessage(ctx context.Context, m Message) (int64, error)
	GetMessage(ctx context.Context, id int64) (Message, error)
	DeleteMessage(ctx context.Context, id int64) error

	// Delivery-identity mapping.
	RecordDelivery(ctx context.Context, messageID int64, ref transport.MessageRef) error
	DeliveriesFor(ctx context.Context, messageID int64) ([]transport.MessageRef, error)
	CanonicalFor(ctx context.Context, ref transport.MessageRef) (int64, bool, error)
	DeleteDeliveries(ctx context.Context, messageID int64) error

	// Pin state: the singleton pinned canonical id plus one banner handle
	// per recipient.
	SetPinned(ctx context.Context, messageID int64) error
	ClearPinned(ctx context.Context) error
	Pinned(ctx context.Context) (int64, bool, error)
	SetBanner(ctx context.Context, recipientID int64, gatewayMsgID int) error
	Banners(ctx context.Context) (map[int64]int, error)
	ClearBanners(ctx context.Context) error

	// Toggles and the welcome template.
	Toggle(ctx context.Context, key string) (bool, error)
	SetToggle(ctx context.Context, key string, on bool) error
	Welcome(ctx context.Context) (string, error)
	SetWelcome(ctx context.Context, text string) error

	// Audit log, newest first, bounded by limit.
	AppendAudit(ctx context.Context, e AuditEntry) error
	AuditLog(ctx context.Context, limit int) ([]AuditEntry, error)
	AuditFor(ctx context.Context, targetID int64, limit int) ([]AuditEntry, error)

	Close() error
}
