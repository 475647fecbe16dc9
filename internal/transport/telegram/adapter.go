// Package telegram adapts the telebot long-poll client to the transport
// gateway interface. Inbound telebot events are mapped into transport
// updates; outbound calls render one recipient-facing message each.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"anonroom/internal/runtime/supervisor"
	"anonroom/internal/transport"
	logx "anonroom/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// errPollerExited marks an unexpected return from the telebot poll loop
// while the adapter context is still alive.
var errPollerExited = errors.New("telebot poller exited")

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- transport.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger, stop
	// watcher). Created on Start(), canceled on Stop().
	sup *supervisor.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		if name, args, ok := parseCommand(m.Text, a.bot.Me.Username); ok {
			a.sendUpdate(commandUpdate(m, name, args))
			return nil
		}
		a.sendUpdate(messageUpdate(m, transport.MediaText, "", m.Text))
		return nil
	})

	media := []struct {
		event string
		kind  transport.MediaKind
		ref   func(*tele.Message) string
	}{
		{tele.OnPhoto, transport.MediaPhoto, func(m *tele.Message) string {
			if m.Photo == nil {
				return ""
			}
			return m.Photo.FileID
		}},
		{tele.OnVideo, transport.MediaVideo, func(m *tele.Message) string {
			if m.Video == nil {
				return ""
			}
			return m.Video.FileID
		}},
		{tele.OnAnimation, transport.MediaAnimation, func(m *tele.Message) string {
			if m.Animation == nil {
				return ""
			}
			return m.Animation.FileID
		}},
		{tele.OnSticker, transport.MediaSticker, func(m *tele.Message) string {
			if m.Sticker == nil {
				return ""
			}
			return m.Sticker.FileID
		}},
		{tele.OnVoice, transport.MediaVoice, func(m *tele.Message) string {
			if m.Voice == nil {
				return ""
			}
			return m.Voice.FileID
		}},
	}
	for _, mh := range media {
		mh := mh
		a.bot.Handle(mh.event, func(c tele.Context) error {
			m := c.Message()
			if m == nil || m.Sender == nil {
				return nil
			}
			ref := mh.ref(m)
			if ref == "" {
				return nil
			}
			a.sendUpdate(messageUpdate(m, mh.kind, ref, m.Caption))
			return nil
		})
	}
}

func messageUpdate(m *tele.Message, kind transport.MediaKind, ref, text string) transport.Update {
	return transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID:           m.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			FromName:     senderName(m.Sender),
			Text:         text,
			MediaKind:    kind,
			MediaRef:     ref,
			ReplyToID:    replyToID(m),
		},
	}
}

func commandUpdate(m *tele.Message, name string, args []string) transport.Update {
	return transport.Update{
		Kind: transport.UpdateCommand,
		Command: &transport.Command{
			MessageID:    m.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			FromName:     senderName(m.Sender),
			Name:         name,
			Args:         args,
			ReplyToID:    replyToID(m),
		},
	}
}

func replyToID(m *tele.Message) int {
	if m.ReplyTo == nil {
		return 0
	}
	return m.ReplyTo.ID
}

func senderName(u *tele.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

// parseCommand splits "/name@bot arg1 arg2" into its parts. The @bot
// suffix is only accepted when it matches our own username.
func parseCommand(text, botUsername string) (name string, args []string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name = fields[0]
	if at := strings.IndexByte(name, '@'); at >= 0 {
		if !strings.EqualFold(name[at+1:], botUsername) {
			return "", nil, false
		}
		name = name[:at]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

func (a *Adapter) sendUpdate(up transport.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))))
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates.
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				// Final flush.
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)",
						logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)",
						logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})

	// Stop telebot when the adapter context is canceled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter
	// self-heals. A nil return would read as a clean exit and stop the
	// loop, so an unexpected exit reports errPollerExited.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start() // blocks until Stop() called
		}
		a.log.Info("polling stopped")
		if err := c.Err(); err != nil {
			return err
		}
		return errPollerExited
	})

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on the
	// Telegram long-poll.
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}
	a.log.Info("stopping",
		logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))

	if sup != nil {
		sup.Cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	if sup == nil {
		return nil
	}

	// Grace window: keep shutdown snappy even if getUpdates is still
	// waiting out its long-poll timeout.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

const textLimit = 4000

// splitText splits long outgoing text into chunks Telegram accepts. It
// prefers newline boundaries and, best-effort, avoids splitting inside a
// tag when the parse mode is HTML.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					cut = i + 1
					break
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		// Don't split inside a tag for HTML parse mode.
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func sendOptions(opt *transport.SendOptions) *tele.SendOptions {
	if opt == nil {
		return &tele.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
}

func (a *Adapter) SendText(ctx context.Context, to int64, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to}
	var first transport.MessageRef
	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			if !first.IsZero() {
				return first, ctx.Err()
			}
			return transport.MessageRef{}, ctx.Err()
		default:
		}

		msg, err := a.bot.Send(chat, chunk, sendOptions(opt))
		if err != nil {
			if !first.IsZero() {
				return first, err
			}
			return transport.MessageRef{}, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) SendMedia(ctx context.Context, to int64, kind transport.MediaKind, fileRef, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	select {
	case <-ctx.Done():
		return transport.MessageRef{}, ctx.Err()
	default:
	}

	file := tele.File{FileID: fileRef}
	var what interface{}
	switch kind {
	case transport.MediaPhoto:
		what = &tele.Photo{File: file, Caption: caption}
	case transport.MediaVideo:
		what = &tele.Video{File: file, Caption: caption}
	case transport.MediaAnimation:
		what = &tele.Animation{File: file, Caption: caption}
	case transport.MediaSticker:
		// Stickers carry no caption.
		what = &tele.Sticker{File: file}
	case transport.MediaVoice:
		what = &tele.Voice{File: file, Caption: caption}
	default:
		return a.SendText(ctx, to, caption, opt)
	}

	msg, err := a.bot.Send(&tele.Chat{ID: to}, what, sendOptions(opt))
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to, MessageID: msg.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(m, chunks[0], sendOptions(opt)); err != nil {
		return err
	}

	// Overflow from an edit goes out as fresh messages.
	chat := &tele.Chat{ID: ref.ChatID}
	for _, chunk := range chunks[1:] {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := a.bot.Send(chat, chunk, sendOptions(opt)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, ref transport.MessageRef) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return a.bot.Delete(&tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}})
}

var _ transport.Gateway = (*Adapter)(nil)
