package broadcast

import (
	"fmt"
	"time"

	logx "anonroom/pkg/logx"
)

// Enqueue queues a batch and returns its id plus a channel closed when the
// batch finishes. If the queue is full the batch is dropped and marked
// fully failed; the channel is closed immediately so waiters never hang.
func (p *Pool) Enqueue(name string, tasks []Task) (string, <-chan struct{}) {
	now := time.Now()
	id := fmt.Sprintf("d:%d", now.UnixNano())
	p.pruneStatus(now)

	st := &BatchStatus{ID: id, Name: name, Total: len(tasks), CreatedAt: now}
	p.statusMu.Lock()
	p.status[id] = st
	p.statusMu.Unlock()

	done := make(chan struct{})
	b := batch{id: id, name: name, tasks: tasks, done: done}

	p.mu.Lock()
	q := p.queue
	p.mu.Unlock()

	select {
	case q <- b:
		p.log.Debug("delivery batch enqueued",
			logx.String("batch", id), logx.String("name", name),
			logx.Int("total", len(tasks)), logx.Int("queue_len", len(q)))
	default:
		p.log.Warn("delivery queue full; dropping batch",
			logx.String("batch", id), logx.String("name", name), logx.Int("total", len(tasks)))
		p.statusMu.Lock()
		if st := p.status[id]; st != nil {
			st.DoneAt = time.Now()
			st.Failed = st.Total
		}
		p.statusMu.Unlock()
		close(done)
	}
	return id, done
}

func (p *Pool) Status(id string) (BatchStatus, bool) {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	st, ok := p.status[id]
	if !ok || st == nil {
		return BatchStatus{}, false
	}
	cp := *st
	if len(st.Failures) > 0 {
		cp.Failures = append([]int64(nil), st.Failures...)
	}
	return cp, true
}
