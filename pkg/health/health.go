// Package health tracks whether critical messages are actually
// getting through. After enough consecutive all-transport failures it
// flips to a persistent degraded state that the application must
// surface; it also remembers the last transport that worked and the
// last failure reason so remediation can be suggested.
package health

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/venuelab/stagesync/pkg/transport"
)

// DefaultThreshold is how many critical messages may fail on every
// transport in a row before sync is declared degraded.
const DefaultThreshold = 3

// Status is a point-in-time view of delivery health.
type Status struct {
	Degraded    bool
	Consecutive int
	LastGood    string // name of the last transport that delivered
	Reason      error  // most recent failure reason
	Remediation string
}

type Monitor struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	degraded    bool
	lastGood    string
	reason      error

	onDegraded  func(Status)
	onRecovered func(Status)

	log *zap.SugaredLogger
}

type Option func(*Monitor)

func WithThreshold(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.threshold = n
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// OnDegraded registers the hook fired exactly once per transition
// into the degraded state.
func OnDegraded(fn func(Status)) Option {
	return func(m *Monitor) { m.onDegraded = fn }
}

// OnRecovered registers the hook fired once when a later critical
// delivery succeeds after degradation.
func OnRecovered(fn func(Status)) Option {
	return func(m *Monitor) { m.onRecovered = fn }
}

func New(opts ...Option) *Monitor {
	m := &Monitor{
		threshold: DefaultThreshold,
		log:       zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Record folds one publish outcome into the health model. Only
// critical messages drive the consecutive-failure counter; any
// successful transport resets it.
func (m *Monitor) Record(critical bool, results []transport.Result) {
	m.mu.Lock()
	var fireDegraded, fireRecovered func(Status)
	var st Status

	anyOK := false
	for _, r := range results {
		if r.OK {
			anyOK = true
			m.lastGood = r.Transport
		} else if r.Err != nil {
			m.reason = r.Err
		}
	}

	switch {
	case anyOK:
		m.consecutive = 0
		if m.degraded {
			m.degraded = false
			st = m.statusLocked()
			fireRecovered = m.onRecovered
			m.log.Infow("sync_recovered", "via", m.lastGood)
		}
	case critical:
		m.consecutive++
		m.log.Warnw("critical_delivery_failed",
			"consecutive", m.consecutive, "reason", m.reason)
		if m.consecutive >= m.threshold && !m.degraded {
			m.degraded = true
			st = m.statusLocked()
			fireDegraded = m.onDegraded
			m.log.Errorw("sync_degraded",
				"consecutive", m.consecutive,
				"last_good", m.lastGood,
				"reason", m.reason)
		}
	}
	m.mu.Unlock()

	// hooks run outside the lock; each fires once per transition
	if fireDegraded != nil {
		fireDegraded(st)
	}
	if fireRecovered != nil {
		fireRecovered(st)
	}
}

// Reset clears the degraded state and the failure counter, for use
// after the user remediated the underlying condition (cleared the
// store directory, reopened the projector window). Fires the
// recovered hook if the monitor was degraded.
func (m *Monitor) Reset() {
	m.mu.Lock()
	wasDegraded := m.degraded
	m.degraded = false
	m.consecutive = 0
	m.reason = nil
	st := m.statusLocked()
	fire := m.onRecovered
	m.mu.Unlock()

	if wasDegraded {
		m.log.Infow("sync_reset")
		if fire != nil {
			fire(st)
		}
	}
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

func (m *Monitor) statusLocked() Status {
	return Status{
		Degraded:    m.degraded,
		Consecutive: m.consecutive,
		LastGood:    m.lastGood,
		Reason:      m.reason,
		Remediation: remediation(m.reason),
	}
}

// remediation maps a failure reason to actionable user-facing text.
func remediation(reason error) string {
	switch {
	case reason == nil:
		return ""
	case errors.Is(reason, transport.ErrQuota):
		return "storage full — sync degraded; clear the store directory"
	case errors.Is(reason, transport.ErrUnavailable):
		return "no transport reachable — reopen the projector window"
	case errors.Is(reason, transport.ErrCapacity):
		return "payload too large for every channel — reduce preset size"
	}
	return "sync degraded — restart the surfaces"
}
