package queue

import (
	"context"
	"sync"
	"time"
)

// Poller is a dedicated reaper goroutine draining a set of completion
// queues. It shares each CQ's drain lock with direct-polling waiters, so
// either side may consume entries without coordination beyond the queue
// itself. Optional: sessions that only use synchronous waits never need
// one.
type Poller struct {
	interval time.Duration
	log      Logger

	mu     sync.Mutex
	cqs    map[uint16]*CQ
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a stopped poller. A zero interval falls back to a
// 50us sleep between empty scans.
func NewPoller(interval time.Duration, log Logger) *Poller {
	if interval <= 0 {
		interval = 50 * time.Microsecond
	}
	return &Poller{
		interval: interval,
		log:      log,
		cqs:      make(map[uint16]*CQ),
	}
}

// Add registers cq for background draining.
func (p *Poller) Add(cq *CQ) {
	p.mu.Lock()
	p.cqs[cq.QID()] = cq
	p.mu.Unlock()
}

// Remove unregisters the CQ with the given id.
func (p *Poller) Remove(qid uint16) {
	p.mu.Lock()
	delete(p.cqs, qid)
	p.mu.Unlock()
}

// Start launches the reap loop. No-op if already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	if p.log != nil {
		p.log.Debugf("poller: started, interval %v", p.interval)
	}
}

// Stop halts the reap loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n := 0
		p.mu.Lock()
		targets := make([]*CQ, 0, len(p.cqs))
		for _, cq := range p.cqs {
			targets = append(targets, cq)
		}
		p.mu.Unlock()
		for _, cq := range targets {
			n += cq.Poll()
		}
		if n == 0 {
			// Idle: back off rather than spinning on stale entries.
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.interval):
			}
		}
	}
}
