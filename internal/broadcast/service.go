package broadcast

import (
	"context"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	logx "anonroom/pkg/logx"
)

func New(cfg Config, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Pool{
		cfg:       cfg,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
		queue:     make(chan batch, 256),
		status:    map[string]*BatchStatus{},
		statusMax: 200,
		statusTTL: 24 * time.Hour,
	}
}

func (p *Pool) Apply(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	p.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

func (p *Pool) Start(ctx context.Context) {
	// If a Stop() is in flight, wait for it so we never run two pools.
	for {
		p.mu.Lock()
		if p.stopCh == nil {
			break
		}
		done := p.stopDone
		if done == nil {
			// already running
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer p.mu.Unlock()
	p.stopCh = make(chan struct{})
	p.runCtx, p.runCancel = context.WithCancel(ctx)

	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	// The queue survives restarts; pending batches stay pending.
	queue := p.queue
	stopCh := p.stopCh
	runCtx := p.runCtx

	p.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer p.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("panic in delivery worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			p.worker(runCtx, stopCh, queue)
		}()
	}

	p.log.Info("delivery pool started", logx.Int("workers", workers), logx.Int("rps", p.cfg.RatePerSec))
}

func (p *Pool) Stop(ctx context.Context) {
	start := time.Now()
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	p.stopDone = done
	stopCh := p.stopCh
	cancel := p.runCancel
	p.runCancel = nil
	p.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		p.workerWG.Wait()
		p.mu.Lock()
		p.stopCh = nil
		p.runCtx = nil
		p.stopDone = nil
		p.mu.Unlock()
		close(done)
		p.log.Info("delivery pool stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

func (p *Pool) pruneStatus(now time.Time) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	for id, st := range p.status {
		if !st.Running && !st.CreatedAt.IsZero() && now.Sub(st.CreatedAt) > p.statusTTL {
			delete(p.status, id)
		}
	}
	if len(p.status) <= p.statusMax {
		return
	}
	// Over the cap: drop the oldest finished entries first.
	type aged struct {
		id string
		at time.Time
	}
	var finished []aged
	for id, st := range p.status {
		if !st.Running {
			finished = append(finished, aged{id, st.CreatedAt})
		}
	}
	for len(p.status) > p.statusMax && len(finished) > 0 {
		oldest := 0
		for i := range finished {
			if finished[i].at.Before(finished[oldest].at) {
				oldest = i
			}
		}
		delete(p.status, finished[oldest].id)
		finished = append(finished[:oldest], finished[oldest+1:]...)
	}
}
