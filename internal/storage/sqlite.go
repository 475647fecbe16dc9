package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"anonroom/internal/transport"
	logx "anonroom/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	joinedAt := unix(u.JoinedAt)
	if joinedAt == 0 {
		joinedAt = time.Now().Unix()
	}
	// Moderation state (warns/ban/mute) is preserved on conflict; a re-join
	// must not launder an earlier ban.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, name, membership, joined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			name = excluded.name,
			membership = excluded.membership`,
		u.ID, u.Username, u.Name, string(u.Membership), joinedAt)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, name, is_vendor, banned_until, muted_until, warns, membership, joined_at
		 FROM users WHERE id = ?`, id))
}

func (s *sqliteStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	username = strings.ToLower(strings.TrimPrefix(username, "@"))
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, name, is_vendor, banned_until, muted_until, warns, membership, joined_at
		 FROM users WHERE LOWER(username) = ?`, username))
}

func (s *sqliteStore) scanUser(row *sql.Row) (User, error) {
	var (
		u          User
		vendor     int
		banned     int64
		muted      int64
		membership string
		joinedAt   int64
	)
	err := row.Scan(&u.ID, &u.Username, &u.Name, &vendor, &banned, &muted, &u.Warns, &membership, &joinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Vendor = vendor != 0
	u.BannedUntil = fromUnix(banned)
	u.MutedUntil = fromUnix(muted)
	u.Membership = Membership(membership)
	u.JoinedAt = fromUnix(joinedAt)
	return u, nil
}

func (s *sqliteStore) JoinedIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE membership = ? ORDER BY id`, string(MemberJoined))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) PendingUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, name, is_vendor, banned_until, muted_until, warns, membership, joined_at
		 FROM users WHERE membership = ? ORDER BY id`, string(MemberPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var (
			u          User
			vendor     int
			banned     int64
			muted      int64
			membership string
			joinedAt   int64
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.Name, &vendor, &banned, &muted, &u.Warns, &membership, &joinedAt); err != nil {
			return nil, err
		}
		u.Vendor = vendor != 0
		u.BannedUntil = fromUnix(banned)
		u.MutedUntil = fromUnix(muted)
		u.Membership = Membership(membership)
		u.JoinedAt = fromUnix(joinedAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetMembership(ctx context.Context, id int64, m Membership) error {
	return s.updateUser(ctx, id, `UPDATE users SET membership = ? WHERE id = ?`, string(m), id)
}

func (s *sqliteStore) SetVendor(ctx context.Context, id int64, vendor bool) error {
	return s.updateUser(ctx, id, `UPDATE users SET is_vendor = ? WHERE id = ?`, boolInt(vendor), id)
}

func (s *sqliteStore) SetBannedUntil(ctx context.Context, id int64, until time.Time) error {
	return s.updateUser(ctx, id, `UPDATE users SET banned_until = ? WHERE id = ?`, unix(until), id)
}

func (s *sqliteStore) SetMutedUntil(ctx context.Context, id int64, until time.Time) error {
	return s.updateUser(ctx, id, `UPDATE users SET muted_until = ? WHERE id = ?`, unix(until), id)
}

func (s *sqliteStore) IncrementWarns(ctx context.Context, id int64) (int, error) {
	var warns int
	err := s.db.QueryRowContext(ctx,
		`UPDATE users SET warns = warns + 1 WHERE id = ? RETURNING warns`, id).Scan(&warns)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return warns, err
}

func (s *sqliteStore) ResetWarns(ctx context.Context, id int64) error {
	return s.updateUser(ctx, id, `UPDATE users SET warns = 0 WHERE id = ?`, id)
}

func (s *sqliteStore) updateUser(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AddNameHistory(ctx context.Context, id int64, name, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO name_history (user_id, name, username, at) VALUES (?, ?, ?, ?)`,
		id, name, username, time.Now().Unix())
	return err
}

func (s *sqliteStore) NameHistory(ctx context.Context, id int64, limit int) ([]NameChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, username, at FROM name_history WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NameChange
	for rows.Next() {
		var (
			nc NameChange
			at int64
		)
		if err := rows.Scan(&nc.Name, &nc.Username, &at); err != nil {
			return nil, err
		}
		nc.At = fromUnix(at)
		out = append(out, nc)
	}
	return out, rows.Err()
}

// ---- canonical messages ----

func (s *sqliteStore) InsertMessage(ctx context.Context, m Message) (int64, error) {
	created := unix(m.CreatedAt)
	if created == 0 {
		created = time.Now().Unix()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (sender_id, content, media_kind, media_ref, reply_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.SenderID, m.Content, string(m.MediaKind), m.MediaRef, m.ReplyTo, created)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetMessage(ctx context.Context, id int64) (Message, error) {
	var (
		m       Message
		kind    string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, content, media_kind, media_ref, reply_to, created_at
		 FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.SenderID, &m.Content, &kind, &m.MediaRef, &m.ReplyTo, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	m.MediaKind = transport.MediaKind(kind)
	m.CreatedAt = fromUnix(created)
	return m, nil
}

func (s *sqliteStore) DeleteMessage(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ---- delivery mapping ----

func (s *sqliteStore) RecordDelivery(ctx context.Context, messageID int64, ref transport.MessageRef) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO deliveries (message_id, recipient_id, gateway_msg_id) VALUES (?, ?, ?)`,
		messageID, ref.ChatID, ref.MessageID)
	return err
}

func (s *sqliteStore) DeliveriesFor(ctx context.Context, messageID int64) ([]transport.MessageRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id, gateway_msg_id FROM deliveries WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []transport.MessageRef
	for rows.Next() {
		var ref transport.MessageRef
		if err := rows.Scan(&ref.ChatID, &ref.MessageID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CanonicalFor(ctx context.Context, ref transport.MessageRef) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM deliveries WHERE recipient_id = ? AND gateway_msg_id = ?`,
		ref.ChatID, ref.MessageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *sqliteStore) DeleteDeliveries(ctx context.Context, messageID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE message_id = ?`, messageID)
	return err
}

// ---- pin state ----

func (s *sqliteStore) SetPinned(ctx context.Context, messageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pinned (id, msg_id) VALUES (1, ?)`, messageID)
	return err
}

func (s *sqliteStore) ClearPinned(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pinned`)
	return err
}

func (s *sqliteStore) Pinned(ctx context.Context) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT msg_id FROM pinned WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *sqliteStore) SetBanner(ctx context.Context, recipientID int64, gatewayMsgID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO banners (recipient_id, gateway_msg_id) VALUES (?, ?)`,
		recipientID, gatewayMsgID)
	return err
}

func (s *sqliteStore) Banners(ctx context.Context) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT recipient_id, gateway_msg_id FROM banners`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]int{}
	for rows.Next() {
		var (
			rid int64
			mid int
		)
		if err := rows.Scan(&rid, &mid); err != nil {
			return nil, err
		}
		out[rid] = mid
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClearBanners(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM banners`)
	return err
}

// ---- toggles + welcome ----

func (s *sqliteStore) Toggle(ctx context.Context, key string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM toggles WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (s *sqliteStore) SetToggle(ctx context.Context, key string, on bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO toggles (key, value) VALUES (?, ?)`, key, boolInt(on))
	return err
}

func (s *sqliteStore) Welcome(ctx context.Context) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT text FROM welcome_msg WHERE id = 1`).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return text, err
}

func (s *sqliteStore) SetWelcome(ctx context.Context, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO welcome_msg (id, text) VALUES (1, ?)`, text)
	return err
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	at := unix(e.At)
	if at == 0 {
		at = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (actor_id, target_id, action, detail, at) VALUES (?, ?, ?, ?, ?)`,
		e.ActorID, e.TargetID, e.Action, e.Detail, at)
	return err
}

func (s *sqliteStore) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	return s.queryAudit(ctx,
		`SELECT id, actor_id, target_id, action, detail, at FROM audit ORDER BY id DESC LIMIT ?`, limit)
}

func (s *sqliteStore) AuditFor(ctx context.Context, targetID int64, limit int) ([]AuditEntry, error) {
	return s.queryAudit(ctx,
		`SELECT id, actor_id, target_id, action, detail, at FROM audit WHERE target_id = ? ORDER BY id DESC LIMIT ?`,
		targetID, limit)
}

func (s *sqliteStore) queryAudit(ctx context.Context, query string, args ...any) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.TargetID, &e.Action, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.At = fromUnix(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
