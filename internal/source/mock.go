package source

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"statejob/internal/domain"
	logx "statejob/pkg/logx"
)

// MockConfig shapes the simulated source.
//
// Defaults (when fields are zero):
//   - latency: 100ms
//   - interval: PT10S..PT30S
//   - action id: ACTION_001..ACTION_1000
//   - failure rate: 0
type MockConfig struct {
	Latency     time.Duration
	IntervalMin time.Duration
	IntervalMax time.Duration
	ActionIDMin int
	ActionIDMax int
	FailureRate float64
}

const (
	DefaultLatency     = 100 * time.Millisecond
	DefaultIntervalMin = 10 * time.Second
	DefaultIntervalMax = 30 * time.Second
	DefaultActionIDMin = 1
	DefaultActionIDMax = 1000
)

var errInjected = errors.New("injected failure")

func (c MockConfig) withDefaults() MockConfig {
	if c.Latency < 0 {
		c.Latency = 0
	} else if c.Latency == 0 {
		c.Latency = DefaultLatency
	}
	if c.IntervalMin <= 0 {
		c.IntervalMin = DefaultIntervalMin
	}
	if c.IntervalMax <= 0 {
		c.IntervalMax = DefaultIntervalMax
	}
	if c.IntervalMax < c.IntervalMin {
		c.IntervalMax = c.IntervalMin
	}
	if c.ActionIDMin <= 0 {
		c.ActionIDMin = DefaultActionIDMin
	}
	if c.ActionIDMax <= 0 {
		c.ActionIDMax = DefaultActionIDMax
	}
	if c.ActionIDMax < c.ActionIDMin {
		c.ActionIDMax = c.ActionIDMin
	}
	if c.FailureRate < 0 {
		c.FailureRate = 0
	}
	if c.FailureRate > 1 {
		c.FailureRate = 1
	}
	return c
}

// Mock simulates a remote parameter service: it waits for the configured
// latency, then returns an interval in whole seconds and an ACTION_%03d id.
type Mock struct {
	log logx.Logger
	cfg atomic.Pointer[MockConfig]

	mu  sync.Mutex
	rng *rand.Rand

	fetches atomic.Uint64
}

// NewMock builds a Mock. A negative Latency disables the simulated delay.
func NewMock(cfg MockConfig, log logx.Logger) *Mock {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Mock{
		log: log.With(logx.String("comp", "source.mock")),
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	m.Apply(cfg)
	return m
}

// WithSeed makes the generated values deterministic.
func (m *Mock) WithSeed(seed uint64) *Mock {
	m.mu.Lock()
	m.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	m.mu.Unlock()
	return m
}

// Apply swaps the mock configuration at runtime.
func (m *Mock) Apply(cfg MockConfig) {
	c := cfg.withDefaults()
	m.cfg.Store(&c)
}

func (m *Mock) Config() MockConfig { return *m.cfg.Load() }

func (m *Mock) Fetches() uint64 { return m.fetches.Load() }

func (m *Mock) Fetch(ctx context.Context) (domain.JobParameters, error) {
	cfg := *m.cfg.Load()
	m.fetches.Add(1)

	if cfg.Latency > 0 {
		t := time.NewTimer(cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return domain.JobParameters{}, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return domain.JobParameters{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	m.mu.Lock()
	fail := cfg.FailureRate > 0 && m.rng.Float64() < cfg.FailureRate
	secMin := int64(cfg.IntervalMin / time.Second)
	secMax := int64(cfg.IntervalMax / time.Second)
	if secMin < 1 {
		secMin = 1
	}
	if secMax < secMin {
		secMax = secMin
	}
	secs := secMin + m.rng.Int64N(secMax-secMin+1)
	id := cfg.ActionIDMin + m.rng.IntN(cfg.ActionIDMax-cfg.ActionIDMin+1)
	m.mu.Unlock()

	if fail {
		m.log.Debug("simulated fetch failure")
		return domain.JobParameters{}, fmt.Errorf("%w: %w", ErrUnavailable, errInjected)
	}

	p := domain.JobParameters{
		Interval: domain.ISODuration(time.Duration(secs) * time.Second),
		ActionID: fmt.Sprintf("ACTION_%03d", id),
	}
	m.log.Debug("parameters fetched", logx.String("interval", p.Interval.String()), logx.String("action_id", p.ActionID))
	return p, nil
}
