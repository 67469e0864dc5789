package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// worldTicker advances the simulation by one fixed step.
type worldTicker interface {
	tickWorld(ctx context.Context, tick uint64, delta time.Duration, workers int)
}

type tickerFactory func(time.Duration) (<-chan time.Time, func())

type timeSource func() time.Time

type tickEngine struct {
	target    worldTicker
	tick      time.Duration
	workers   int
	wg        sync.WaitGroup
	newTicker tickerFactory
	now       timeSource
	ticks     atomic.Uint64
}

func defaultTickerFactory() tickerFactory {
	return func(d time.Duration) (<-chan time.Time, func()) {
		ticker := time.NewTicker(d)
		return ticker.C, ticker.Stop
	}
}

func newTickEngine(target worldTicker, tick time.Duration, workers int) *tickEngine {
	if workers <= 0 {
		workers = 1
	}
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	return &tickEngine{
		target:    target,
		tick:      tick,
		workers:   workers,
		newTicker: defaultTickerFactory(),
		now:       time.Now,
	}
}

func (m *tickEngine) Start(ctx context.Context) {
	if m == nil || m.target == nil {
		return
	}
	m.wg.Add(1)
	go m.run(ctx)
}

func (m *tickEngine) run(ctx context.Context) {
	defer m.wg.Done()
	if m.newTicker == nil {
		m.newTicker = defaultTickerFactory()
	}
	if m.now == nil {
		m.now = time.Now
	}

	tickerC, stop := m.newTicker(m.tick)
	defer stop()

	last := m.now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tickerC:
			// Late ticks run as a single nominal step; fellings never skip ahead.
			delta := now.Sub(last)
			if delta <= 0 {
				delta = m.tick
			} else if delta > 10*m.tick {
				delta = m.tick
			}
			last = now
			m.target.tickWorld(ctx, m.ticks.Add(1), delta, m.workers)
		}
	}
}

// Ticks reports how many steps have run.
func (m *tickEngine) Ticks() uint64 {
	if m == nil {
		return 0
	}
	return m.ticks.Load()
}

func (m *tickEngine) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}
