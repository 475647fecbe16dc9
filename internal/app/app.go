// Package app assembles the relay bot: config, storage, gateway, the
// delivery pool and the domain services, all run under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"anonroom/internal/admission"
	"anonroom/internal/antispam"
	"anonroom/internal/autopost"
	"anonroom/internal/broadcast"
	"anonroom/internal/config"
	"anonroom/internal/eventbus"
	"anonroom/internal/moderation"
	"anonroom/internal/pinsync"
	"anonroom/internal/relay"
	"anonroom/internal/router"
	"anonroom/internal/runtime/supervisor"
	"anonroom/internal/session"
	"anonroom/internal/storage"
	"anonroom/internal/transport"
	"anonroom/internal/transport/telegram"
	logx "anonroom/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	gw    transport.Gateway

	pool *broadcast.Pool
	rel  *relay.Engine
	mod  *moderation.Service
	spam *antispam.Detector
	adm  *admission.Controller
	pins *pinsync.Synchronizer
	sess *session.State
	rt   *router.Router

	// auto is swapped on config reload; autoMu covers the swap vs Stop.
	autoMu sync.Mutex
	auto   *autopost.Service

	admins  []int64
	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	token := resolveToken(cfg)
	if token == "" {
		return nil, errors.New("telegram token missing: set telegram.token or BOT_TOKEN")
	}
	pt, err := pollTimeout(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	gw, err := telegram.New(telegram.Config{Token: token, PollTimeout: pt}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), gw)
	logSvc.SetAdminChat(cfg.Telegram.AdminLogChat)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	pool := broadcast.New(mapDeliveryConfig(cfg), log.With(logx.String("comp", "delivery")))
	rel := relay.New(store, gw, pool, log.With(logx.String("comp", "relay")))
	pins := pinsync.New(store, gw, pool, log.With(logx.String("comp", "pinsync")))

	mc, err := mapModerationConfig(cfg)
	if err != nil {
		return nil, err
	}
	mod := moderation.New(mc, store, bus, log.With(logx.String("comp", "moderation")))

	asc, err := mapAntiSpamConfig(cfg)
	if err != nil {
		return nil, err
	}
	spam := antispam.New(asc)

	ac, err := mapAdmissionConfig(cfg)
	if err != nil {
		return nil, err
	}
	adm := admission.New(ac, store, bus, rel, log.With(logx.String("comp", "admission")))

	sess := session.NewState()
	auto := autopost.New(mapAutopostConfig(cfg), rel, log.With(logx.String("comp", "autopost")))

	rt := router.New(router.Config{Admins: cfg.Telegram.AdminUserIDs},
		store, gw, mod, spam, adm, rel, pins, sess,
		log.With(logx.String("comp", "router")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		gw:      gw,
		pool:    pool,
		rel:     rel,
		mod:     mod,
		spam:    spam,
		adm:     adm,
		pins:    pins,
		sess:    sess,
		auto:    auto,
		rt:      rt,
		admins:  cfg.Telegram.AdminUserIDs,
		updates: make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// Transactional reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.gw.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.pool.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	if cfg.Autopost != nil && cfg.Autopost.Enabled {
		a.autoMu.Lock()
		err := a.auto.Start()
		a.autoMu.Unlock()
		if err != nil {
			a.log.Warn("autopost start failed", logx.Err(err))
		}
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.rt.Run(c, a.updates)
	})

	a.startAlertForwarder()
	a.startReloadLoop()

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// startAlertForwarder pushes moderation and admission events to every
// admin's private chat. Delivery is best-effort.
func (a *App) startAlertForwarder() {
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("eventbus.alerts", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				text := alertText(e)
				if text == "" {
					a.log.Debug("event", logx.String("type", e.Type), logx.Int64("user", e.UserID))
					continue
				}
				for _, admin := range a.admins {
					sctx, cancel := context.WithTimeout(c, 10*time.Second)
					if _, err := a.gw.SendText(sctx, admin, text, nil); err != nil {
						a.log.Debug("admin alert failed", logx.Int64("admin", admin), logx.Err(err))
					}
					cancel()
				}
			}
		}
	})
}

func alertText(e eventbus.Event) string {
	switch e.Type {
	case eventbus.EventPending:
		return fmt.Sprintf("Join request from user %d. /approve %d or /reject %d.", e.UserID, e.UserID, e.UserID)
	case eventbus.EventAutoBan:
		return fmt.Sprintf("User %d was auto-banned (%s).", e.UserID, e.Detail)
	case eventbus.EventAutoMute:
		return fmt.Sprintf("User %d was auto-muted (%s).", e.UserID, e.Detail)
	case eventbus.EventNameChange:
		return fmt.Sprintf("User %d changed their name: %s", e.UserID, e.Detail)
	default:
		return ""
	}
}

// startReloadLoop applies hot-reloadable config sections. Delivery,
// logging and autopost settings apply live; storage, telegram and the
// moderation thresholds need a restart and only log a warning.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, newCfg)
			}
		}
	})
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logs.SetAdminChat(cfg.Telegram.AdminLogChat)
	a.logs.Apply(mapLoggingConfig(cfg))

	a.pool.Apply(mapDeliveryConfig(cfg))

	// Autopost has no live Apply; restart it with the new schedule.
	a.autoMu.Lock()
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	a.auto.Stop(stopCtx)
	cancel()
	a.auto = autopost.New(mapAutopostConfig(cfg), a.rel, a.log.With(logx.String("comp", "autopost")))
	if cfg.Autopost != nil && cfg.Autopost.Enabled {
		if err := a.auto.Start(); err != nil {
			a.log.Warn("autopost restart failed", logx.Err(err))
		}
	}
	a.autoMu.Unlock()

	if !int64sEqual(a.admins, cfg.Telegram.AdminUserIDs) {
		a.log.Warn("telegram.admin_user_ids changed; restart required for changes to take effect")
	}
	a.log.Info("config reloaded")
}

func int64sEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each step gets an upper bound so one component cannot stall the
	// whole shutdown past the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step failed", logx.String("name", name), logx.Err(err))
		}
	}

	step("gateway", 3*time.Second, a.gw.Stop)
	step("autopost", 3*time.Second, func(c context.Context) error {
		a.autoMu.Lock()
		a.auto.Stop(c)
		a.autoMu.Unlock()
		return nil
	})
	step("delivery", 5*time.Second, func(c context.Context) error {
		a.pool.Stop(c)
		return nil
	})
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
