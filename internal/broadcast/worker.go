package broadcast

import (
	"context"
	"time"

	logx "anonroom/pkg/logx"
)

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan batch) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case b := <-queue:
			p.execBatch(ctx, b)
		}
	}
}

func (p *Pool) execBatch(ctx context.Context, b batch) {
	start := time.Now()
	p.setRunning(b.id)
	defer close(b.done)

	for _, t := range b.tasks {
		if err := p.runTask(ctx, b, t); err != nil {
			p.markFail(b.id, t.RecipientID)
		}
		p.markDone(b.id)
	}
	p.finish(b.id)

	if st, ok := p.Status(b.id); ok {
		fields := []logx.Field{
			logx.String("batch", b.id),
			logx.String("name", b.name),
			logx.Int("total", st.Total),
			logx.Int("failed", st.Failed),
			logx.Duration("dur", time.Since(start)),
		}
		if st.Failed > 0 {
			p.log.Warn("delivery batch finished with failures", fields...)
		} else {
			p.log.Debug("delivery batch finished", fields...)
		}
	}
}

func (p *Pool) runTask(ctx context.Context, b batch, t Task) error {
	p.mu.Lock()
	lim := p.limiter
	retry := p.cfg.RetryMax
	p.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	var last error
	for i := 0; i <= retry; i++ {
		err := t.Run(ctx)
		if err == nil {
			return nil
		}
		last = err
		if i == retry {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	if last != nil {
		p.log.Warn("delivery failed",
			logx.String("batch", b.id), logx.String("name", b.name),
			logx.Int64("recipient", t.RecipientID), logx.Err(last))
	}
	return last
}

func (p *Pool) setRunning(id string) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	if st := p.status[id]; st != nil {
		st.StartedAt = time.Now()
		st.Running = true
	}
}

func (p *Pool) markDone(id string) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	if st := p.status[id]; st != nil {
		st.Done++
	}
}

func (p *Pool) markFail(id string, recipient int64) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	if st := p.status[id]; st != nil {
		st.Failed++
		if len(st.Failures) < 200 {
			st.Failures = append(st.Failures, recipient)
		}
	}
}

func (p *Pool) finish(id string) {
	now := time.Now()
	p.statusMu.Lock()
	if st := p.status[id]; st != nil {
		st.DoneAt = now
		st.Running = false
	}
	p.statusMu.Unlock()
	p.pruneStatus(now)
}
