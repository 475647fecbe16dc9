// Package autopost broadcasts scheduled announcements (rules reminders,
// periodic notices) to the whole room on cron schedules.
package autopost

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"anonroom/internal/relay"
	logx "anonroom/pkg/logx"
)

type Entry struct {
	Name string
	Spec string // cron expression or descriptor ("@daily", "@every 6h")
	Text string
}

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ; empty = local
	Entries  []Entry
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	relay *relay.Engine
	log   logx.Logger

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, rel *relay.Engine, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		relay: rel,
		log:   log,
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || len(s.cfg.Entries) == 0 || s.c != nil {
		return nil
	}

	loc := time.Local
	if s.cfg.Timezone != "" {
		l, err := time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			s.log.Warn("bad timezone, using local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		} else {
			loc = l
		}
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	added := 0
	for _, e := range s.cfg.Entries {
		entry := e
		_, err := c.AddFunc(entry.Spec, func() { s.post(entry) })
		if err != nil {
			s.log.Error("autopost schedule rejected",
				logx.String("name", entry.Name), logx.String("spec", entry.Spec), logx.Err(err))
			continue
		}
		added++
	}
	if added == 0 {
		return nil
	}
	c.Start()
	s.c = c
	s.log.Info("autopost started", logx.Int("entries", added), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) post(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, _, err := s.relay.Notice(ctx, e.Text); err != nil {
		s.log.Warn("autopost failed", logx.String("name", e.Name), logx.Err(err))
		return
	}
	s.log.Debug("autopost queued", logx.String("name", e.Name))
}
