package workers

import (
	"time"
)

// Metrics returns the current pool metrics.
func (p *Pool) Metrics() PoolMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

func (p *Pool) incrementClaimed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.Claimed++
}

func (p *Pool) incrementCompleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.Completed++
}

func (p *Pool) incrementFailed(retried bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.Failed++
	if retried {
		p.metrics.Retried++
	}
}

func (p *Pool) incrementLeaseLost() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.LeaseLost++
}

func (p *Pool) recordDuration(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.TotalDuration += d
}

func (p *Pool) setBusy(delta int) {
	p.mu.Lock()
	p.busy += delta
	p.mu.Unlock()
	p.recorder.SlotBusy(p.cfg.Queue, delta)
}
