// Package antispam detects flood and duplicate posting per user over
// sliding windows. State is process-lifetime only; a restart forgets it.
// The detector only detects — escalation goes through the moderation
// warn ledger.
package antispam

import (
	"sync"
	"time"
)

type Config struct {
	FloodWindow time.Duration // window the message-rate check looks back over
	FloodLimit  int           // messages allowed inside FloodWindow
	DupWindow   time.Duration // window for the identical-content check
}

func DefaultConfig() Config {
	return Config{
		FloodWindow: 6 * time.Second,
		FloodLimit:  4,
		DupWindow:   15 * time.Second,
	}
}

type Result struct {
	Flood     bool
	Duplicate bool
}

func (r Result) Spam() bool { return r.Flood || r.Duplicate }

type fingerprint struct {
	content string
	at      time.Time
}

type Detector struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[int64][]time.Time
	last    map[int64]fingerprint
}

func New(cfg Config) *Detector {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock lets tests drive the clock.
func NewWithClock(cfg Config, now func() time.Time) *Detector {
	if cfg.FloodLimit <= 0 {
		cfg.FloodLimit = DefaultConfig().FloodLimit
	}
	if cfg.FloodWindow <= 0 {
		cfg.FloodWindow = DefaultConfig().FloodWindow
	}
	if cfg.DupWindow <= 0 {
		cfg.DupWindow = DefaultConfig().DupWindow
	}
	return &Detector{
		cfg:     cfg,
		now:     now,
		windows: map[int64][]time.Time{},
		last:    map[int64]fingerprint{},
	}
}

// Observe records one message from userID and reports whether it trips the
// flood or duplicate condition. It always records, so a rejected message
// still counts against the sender's window.
func (d *Detector) Observe(userID int64, content string) Result {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Flood: prune entries older than the window, then count.
	w := d.windows[userID]
	kept := w[:0]
	for _, t := range w {
		if now.Sub(t) < d.cfg.FloodWindow {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	d.windows[userID] = kept
	flood := len(kept) > d.cfg.FloodLimit

	// Duplicate: same content as the previous message, inside the window.
	prev, had := d.last[userID]
	d.last[userID] = fingerprint{content: content, at: now}
	dup := had && prev.content == content && now.Sub(prev.at) < d.cfg.DupWindow

	return Result{Flood: flood, Duplicate: dup}
}

// Forget drops all state for a user (e.g. after a kick).
func (d *Detector) Forget(userID int64) {
	d.mu.Lock()
	delete(d.windows, userID)
	delete(d.last, userID)
	d.mu.Unlock()
}
