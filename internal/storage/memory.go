package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"anonroom/internal/transport"
)

// memoryStore keeps everything in process memory. It backs component tests
// and the "memory" driver; semantics mirror the sqlite driver.
type memoryStore struct {
	mu sync.RWMutex

	users    map[int64]*User
	messages map[int64]*Message
	nextMsg  int64

	forward map[int64][]transport.MessageRef // canonical id -> handles
	reverse map[transport.MessageRef]int64   // handle -> canonical id

	pinned    int64
	hasPinned bool
	banners   map[int64]int

	toggles map[string]bool
	welcome string

	audit     []AuditEntry
	nextAudit int64

	names map[int64][]NameChange
}

func NewMemory() Store {
	return &memoryStore{
		users:    map[int64]*User{},
		messages: map[int64]*Message{},
		forward:  map[int64][]transport.MessageRef{},
		reverse:  map[transport.MessageRef]int64{},
		banners:  map[int64]int{},
		toggles:  map[string]bool{},
		names:    map[int64][]NameChange{},
	}
}

func (s *memoryStore) Close() error { return nil }

// ---- users ----

func (s *memoryStore) UpsertUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.users[u.ID]; ok {
		cur.Username = u.Username
		cur.Name = u.Name
		cur.Membership = u.Membership
		return nil
	}
	if u.JoinedAt.IsZero() {
		u.JoinedAt = time.Now()
	}
	cp := u
	s.users[u.ID] = &cp
	return nil
}

func (s *memoryStore) GetUser(_ context.Context, id int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *memoryStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	username = strings.ToLower(strings.TrimPrefix(username, "@"))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.ToLower(u.Username) == username {
			return *u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *memoryStore) JoinedIDs(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for id, u := range s.users {
		if u.Membership == MemberJoined {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memoryStore) PendingUsers(_ context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for _, u := range s.users {
		if u.Membership == MemberPending {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) SetMembership(_ context.Context, id int64, m Membership) error {
	return s.mutateUser(id, func(u *User) { u.Membership = m })
}

func (s *memoryStore) SetVendor(_ context.Context, id int64, vendor bool) error {
	return s.mutateUser(id, func(u *User) { u.Vendor = vendor })
}

func (s *memoryStore) SetBannedUntil(_ context.Context, id int64, until time.Time) error {
	return s.mutateUser(id, func(u *User) { u.BannedUntil = until })
}

func (s *memoryStore) SetMutedUntil(_ context.Context, id int64, until time.Time) error {
	return s.mutateUser(id, func(u *User) { u.MutedUntil = until })
}

func (s *memoryStore) IncrementWarns(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, ErrNotFound
	}
	u.Warns++
	return u.Warns, nil
}

func (s *memoryStore) ResetWarns(_ context.Context, id int64) error {
	return s.mutateUser(id, func(u *User) { u.Warns = 0 })
}

func (s *memoryStore) mutateUser(id int64, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func (s *memoryStore) AddNameHistory(_ context.Context, id int64, name, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[id] = append(s.names[id], NameChange{Name: name, Username: username, At: time.Now()})
	return nil
}

func (s *memoryStore) NameHistory(_ context.Context, id int64, limit int) ([]NameChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.names[id]
	var out []NameChange
	for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, hist[i])
	}
	return out, nil
}

// ---- canonical messages ----

func (s *memoryStore) InsertMessage(_ context.Context, m Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsg++
	m.ID = s.nextMsg
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[m.ID] = &m
	return m.ID, nil
}

func (s *memoryStore) GetMessage(_ context.Context, id int64) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return *m, nil
}

func (s *memoryStore) DeleteMessage(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

// ---- delivery mapping ----

func (s *memoryStore) RecordDelivery(_ context.Context, messageID int64, ref transport.MessageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Forward and reverse index change together, under one lock.
	s.forward[messageID] = append(s.forward[messageID], ref)
	s.reverse[ref] = messageID
	return nil
}

func (s *memoryStore) DeliveriesFor(_ context.Context, messageID int64) ([]transport.MessageRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]transport.MessageRef(nil), s.forward[messageID]...), nil
}

func (s *memoryStore) CanonicalFor(_ context.Context, ref transport.MessageRef) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.reverse[ref]
	return id, ok, nil
}

func (s *memoryStore) DeleteDeliveries(_ context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range s.forward[messageID] {
		delete(s.reverse, ref)
	}
	delete(s.forward, messageID)
	return nil
}

// ---- pin state ----

func (s *memoryStore) SetPinned(_ context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned = messageID
	s.hasPinned = true
	return nil
}

func (s *memoryStore) ClearPinned(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned = 0
	s.hasPinned = false
	return nil
}

func (s *memoryStore) Pinned(_ context.Context) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinned, s.hasPinned, nil
}

func (s *memoryStore) SetBanner(_ context.Context, recipientID int64, gatewayMsgID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banners[recipientID] = gatewayMsgID
	return nil
}

func (s *memoryStore) Banners(_ context.Context) (map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]int, len(s.banners))
	for k, v := range s.banners {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) ClearBanners(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banners = map[int64]int{}
	return nil
}

// ---- toggles + welcome ----

func (s *memoryStore) Toggle(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.toggles[key], nil
}

func (s *memoryStore) SetToggle(_ context.Context, key string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toggles[key] = on
	return nil
}

func (s *memoryStore) Welcome(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.welcome, nil
}

func (s *memoryStore) SetWelcome(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.welcome = text
	return nil
}

// ---- audit ----

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAudit++
	e.ID = s.nextAudit
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) AuditLog(_ context.Context, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.audit, limit, func(AuditEntry) bool { return true }), nil
}

func (s *memoryStore) AuditFor(_ context.Context, targetID int64, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.audit, limit, func(e AuditEntry) bool { return e.TargetID == targetID }), nil
}

func newestFirst(entries []AuditEntry, limit int, keep func(AuditEntry) bool) []AuditEntry {
	var out []AuditEntry
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(entries[i]) {
			out = append(out, entries[i])
		}
	}
	return out
}
