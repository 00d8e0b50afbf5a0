package expiry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PeriodicExpirator sweeps an ExpirationMap on a fixed cadence and hands
// expired entries to a callback. The callback runs on the sweeper goroutine;
// it must not call back into the expirator.
type PeriodicExpirator[K comparable, V any] struct {
	m        *ExpirationMap[K, V]
	interval time.Duration
	callback func(map[K]V)

	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

// NewPeriodicExpirator starts the background sweeper. Stop must be called to
// join it.
func NewPeriodicExpirator[K comparable, V any](m *ExpirationMap[K, V], interval time.Duration, callback func(map[K]V)) *PeriodicExpirator[K, V] {
	if callback == nil {
		panic("expiry: nil expiration callback")
	}
	p := &PeriodicExpirator[K, V]{
		m:        m,
		interval: interval,
		callback: callback,
		stop:     make(chan struct{}),
	}
	p.done.Add(1)
	go p.loop()
	return p
}

// Stop terminates the sweeper and waits for it to exit. Idempotent.
func (p *PeriodicExpirator[K, V]) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.done.Wait()
}

func (p *PeriodicExpirator[K, V]) loop() {
	defer p.done.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

func (p *PeriodicExpirator[K, V]) sweep(now time.Time) {
	next, ok := p.m.NextExpiration()
	if !ok || next.After(now) {
		return
	}
	expired := p.m.PopExpired(now)
	if len(expired) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Expiration callback panicked")
		}
	}()
	p.callback(expired)
}
