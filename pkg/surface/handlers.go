package surface

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/venuelab/stagesync/pkg/envelope"
	"github.com/venuelab/stagesync/pkg/health"
	"github.com/venuelab/stagesync/pkg/params"
)

func (s *Surface) handleHello(env envelope.Envelope) {
	var h Hello
	if err := json.Unmarshal(env.Payload, &h); err != nil {
		s.log.Warnw("hello_decode_err", "from", env.Sender.String(), "err", err)
		return
	}
	s.mu.Lock()
	s.peers[env.Sender.String()] = &Peer{
		ID:       env.Sender.String(),
		Role:     h.Role,
		LastSeen: time.Now(),
	}
	s.mu.Unlock()
	s.log.Infow("peer_hello", "peer", env.Sender.String(), "role", h.Role, "proto", h.Proto)

	if h.Proto != ProtoVersion {
		s.log.Warnw("proto_mismatch", "peer", env.Sender.String(), "theirs", h.Proto, "ours", ProtoVersion)
	}
}

func (s *Surface) handleRequestSnapshot(env envelope.Envelope) {
	s.touchPeer(env.Sender)
	if s.role != params.RoleControl {
		return // only the authoritative surface answers
	}
	s.log.Infow("snapshot_requested", "by", env.Sender.String())
	if _, err := s.PublishParamsSnapshot(); err != nil {
		s.log.Warnw("snapshot_reply_err", "err", err)
	}
}

func (s *Surface) handleParams(env envelope.Envelope) {
	s.touchPeer(env.Sender)

	snap, err := params.DecodeSnapshot(env.Payload)
	if err != nil {
		s.log.Warnw("params_decode_err", "from", env.Sender.String(), "err", err)
		return
	}
	applied, err := s.state.Apply(snap)
	if err != nil {
		// a circular merge input is never swallowed
		var cre *params.CircularReferenceError
		if errors.As(err, &cre) {
			s.log.Errorw("merge_rejected", "from", env.Sender.String(), "err", err)
		} else {
			s.log.Warnw("merge_err", "from", env.Sender.String(), "err", err)
		}
		return
	}
	if !applied {
		s.log.Debugw("stale_params_ignored",
			"from", env.Sender.String(), "revision", snap.Revision,
			"local", s.state.Revision())
		return
	}
	s.log.Debugw("params_applied", "revision", snap.Revision, "partial", snap.Partial)
	s.persistSnapshot()
	s.fireApplied(snap)
}

func (s *Surface) touchPeer(id envelope.SurfaceID) {
	s.mu.Lock()
	if p, okPeer := s.peers[id.String()]; okPeer {
		p.LastSeen = time.Now()
	}
	s.mu.Unlock()
}

// prunePeers forgets surfaces silent for two dedup windows.
func (s *Surface) prunePeers() {
	cutoff := time.Now().Add(-2 * s.cfg.DedupWindow.Std())
	s.mu.Lock()
	for id, p := range s.peers {
		if p.LastSeen.Before(cutoff) {
			delete(s.peers, id)
		}
	}
	s.mu.Unlock()
}

// OnParamsApplied registers a callback for every remotely originated
// state change that was actually merged. Returns the disposer.
func (s *Surface) OnParamsApplied(fn func(params.Snapshot)) func() {
	return s.addHook(func(id int) { s.onApplied[id] = fn }, func(id int) { delete(s.onApplied, id) })
}

// OnCriticalDeliveryFailure registers a callback for critical
// messages that failed on every transport.
func (s *Surface) OnCriticalDeliveryFailure(fn func(Failure)) func() {
	return s.addHook(func(id int) { s.onFailure[id] = fn }, func(id int) { delete(s.onFailure, id) })
}

// OnDegradedSync registers a callback fired on transitions in and out
// of the degraded state; inspect Status.Degraded to tell which.
func (s *Surface) OnDegradedSync(fn func(health.Status)) func() {
	return s.addHook(func(id int) { s.onDegrade[id] = fn }, func(id int) { delete(s.onDegrade, id) })
}

func (s *Surface) addHook(add func(int), remove func(int)) func() {
	s.mu.Lock()
	id := s.nextHook
	s.nextHook++
	add(id)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		remove(id)
		s.mu.Unlock()
	}
}

func (s *Surface) fireApplied(snap params.Snapshot) {
	s.mu.Lock()
	fns := make([]func(params.Snapshot), 0, len(s.onApplied))
	for _, fn := range s.onApplied {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Surface) fireFailure(f Failure) {
	s.mu.Lock()
	fns := make([]func(Failure), 0, len(s.onFailure))
	for _, fn := range s.onFailure {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(f)
	}
}

func (s *Surface) fireDegraded(st health.Status) {
	s.mu.Lock()
	fns := make([]func(health.Status), 0, len(s.onDegrade))
	for _, fn := range s.onDegrade {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
