// Package transporttest provides an in-memory Gateway for component
// tests: it records every send/edit/delete, hands out sequential message
// refs, and can be scripted to fail for chosen recipients.
package transporttest

import (
	"context"
	"sync"

	"anonroom/internal/transport"
)

type Sent struct {
	To      int64
	Kind    transport.MediaKind // empty for plain text
	Text    string
	FileRef string
	Ref     transport.MessageRef
}

type Edit struct {
	Ref  transport.MessageRef
	Text string
}

type Gateway struct {
	mu      sync.Mutex
	nextID  int
	sent    []Sent
	edits   []Edit
	deletes []transport.MessageRef

	failSend map[int64]error
	out      chan<- transport.Update
}

var _ transport.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{failSend: map[int64]error{}}
}

// FailSendsTo makes every subsequent send to recipient return err.
// Pass nil to clear.
func (g *Gateway) FailSendsTo(recipient int64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failSend, recipient)
		return
	}
	g.failSend[recipient] = err
}

func (g *Gateway) Start(ctx context.Context, out chan<- transport.Update) error {
	g.mu.Lock()
	g.out = out
	g.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (g *Gateway) Stop(context.Context) error { return nil }

// Push injects an inbound update, as if the real transport delivered it.
// Start must be running first.
func (g *Gateway) Push(u transport.Update) {
	g.mu.Lock()
	out := g.out
	g.mu.Unlock()
	out <- u
}

func (g *Gateway) SendText(_ context.Context, to int64, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return g.record(to, "", "", text)
}

func (g *Gateway) SendMedia(_ context.Context, to int64, kind transport.MediaKind, fileRef, caption string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return g.record(to, kind, fileRef, caption)
}

func (g *Gateway) record(to int64, kind transport.MediaKind, fileRef, text string) (transport.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failSend[to]; err != nil {
		return transport.MessageRef{}, err
	}
	g.nextID++
	ref := transport.MessageRef{ChatID: to, MessageID: g.nextID}
	g.sent = append(g.sent, Sent{To: to, Kind: kind, Text: text, FileRef: fileRef, Ref: ref})
	return ref, nil
}

func (g *Gateway) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edits = append(g.edits, Edit{Ref: ref, Text: text})
	return nil
}

func (g *Gateway) Delete(_ context.Context, ref transport.MessageRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletes = append(g.deletes, ref)
	return nil
}

func (g *Gateway) AllSent() []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Sent(nil), g.sent...)
}

func (g *Gateway) SentTo(recipient int64) []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Sent
	for _, s := range g.sent {
		if s.To == recipient {
			out = append(out, s)
		}
	}
	return out
}

func (g *Gateway) Edits() []Edit {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Edit(nil), g.edits...)
}

func (g *Gateway) Deletes() []transport.MessageRef {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]transport.MessageRef(nil), g.deletes...)
}
