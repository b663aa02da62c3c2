package transport

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// FlakyConfig models an unreliable channel for tests and the
// simulator: probabilistic loss and duplication, delivery delay, and
// a link toggle.
type FlakyConfig struct {
	Loss   float64 // drop probability [0..1]
	Dup    float64 // duplicate-once probability [0..1]
	Delay  time.Duration
	Jitter time.Duration
	Up     bool
	Seed   int64 // 0 means time-seeded
}

// Flaky wraps any Transport so outbound frames pass through the fault
// model. A dropped frame still reports OK: loss on a lossy channel is
// not a send failure, it is the channel's nature.
type Flaky struct {
	under Transport
	up    atomic.Bool

	cfgMu sync.RWMutex
	cfg   FlakyConfig

	rngMu sync.Mutex
	rng   *rand.Rand
}

func WrapFlaky(under Transport, cfg FlakyConfig) *Flaky {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	f := &Flaky{under: under, cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
	f.up.Store(cfg.Up)
	return f
}

func (f *Flaky) Name() string { return f.under.Name() }

func (f *Flaky) Send(frame []byte) Result {
	if !f.up.Load() {
		return fail(f.Name(), ErrUnavailable)
	}
	cfg := f.getCfg()
	if f.roll() < cfg.Loss {
		return ok(f.Name())
	}

	deliver := func(cp []byte, extra time.Duration) {
		d := f.delay(cfg) + extra
		if d <= 0 {
			_ = f.under.Send(cp)
			return
		}
		time.AfterFunc(d, func() { _ = f.under.Send(cp) })
	}
	deliver(clone(frame), 0)
	if f.roll() < cfg.Dup {
		deliver(clone(frame), f.delay(cfg))
	}
	return ok(f.Name())
}

func (f *Flaky) Recv(ctx context.Context) ([]byte, bool) { return f.under.Recv(ctx) }

func (f *Flaky) Close() error { return f.under.Close() }

func (f *Flaky) SetUp(up bool) { f.up.Store(up) }

func (f *Flaky) SetLoss(p float64) {
	f.cfgMu.Lock()
	f.cfg.Loss = clamp01(p)
	f.cfgMu.Unlock()
}

func (f *Flaky) SetDup(p float64) {
	f.cfgMu.Lock()
	f.cfg.Dup = clamp01(p)
	f.cfgMu.Unlock()
}

func (f *Flaky) SetDelay(d, jitter time.Duration) {
	f.cfgMu.Lock()
	f.cfg.Delay, f.cfg.Jitter = d, jitter
	f.cfgMu.Unlock()
}

func (f *Flaky) getCfg() FlakyConfig {
	f.cfgMu.RLock()
	defer f.cfgMu.RUnlock()
	return f.cfg
}

func (f *Flaky) roll() float64 {
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return f.rng.Float64()
}

func (f *Flaky) delay(cfg FlakyConfig) time.Duration {
	if cfg.Delay <= 0 && cfg.Jitter <= 0 {
		return 0
	}
	f.rngMu.Lock()
	j := time.Duration(0)
	if cfg.Jitter > 0 {
		j = time.Duration(f.rng.Int63n(int64(2*cfg.Jitter))) - cfg.Jitter
	}
	f.rngMu.Unlock()
	d := cfg.Delay + j
	if d < 0 {
		d = 0
	}
	return d
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
