package surface

import (
	"encoding/json"
	"errors"

	"github.com/venuelab/stagesync/pkg/envelope"
	"github.com/venuelab/stagesync/pkg/params"
	"github.com/venuelab/stagesync/pkg/router"
)

// ErrSyncDegraded is returned by the publish entry points once the
// health monitor has flipped to degraded. Sends stay suppressed,
// and no state mutates, until ResetSync clears the condition.
var ErrSyncDegraded = errors.New("surface: sync degraded, sends suppressed")

// PublishParamsDelta merges locally originated changes and broadcasts
// the resulting delta. Only the control surface may call it; the
// revision advances before anything hits the wire. While the monitor
// reports degraded the call fails without touching the state.
func (s *Surface) PublishParamsDelta(changes map[string]any) (*router.Delivery, error) {
	if s.monitor.Degraded() {
		return nil, ErrSyncDegraded
	}
	snap, err := s.state.SetLocal(changes)
	if err != nil {
		return nil, err
	}
	payload, err := params.EncodeSnapshot(snap)
	if err != nil {
		return nil, err
	}
	s.log.Debugw("publish_delta", "revision", snap.Revision, "keys", len(changes))
	s.persistSnapshot()
	return s.router.Publish(envelope.KindParamsDelta, payload, router.WithRevision(snap.Revision)), nil
}

// PublishParamsSnapshot broadcasts the full state. Projectors never
// re-broadcast state as if self-originated, so this is control-only.
func (s *Surface) PublishParamsSnapshot() (*router.Delivery, error) {
	if s.role != params.RoleControl {
		return nil, params.ErrNotAuthoritative
	}
	if s.monitor.Degraded() {
		return nil, ErrSyncDegraded
	}
	snap := s.state.SnapshotFull()
	payload, err := params.EncodeSnapshot(snap)
	if err != nil {
		return nil, err
	}
	s.log.Infow("publish_snapshot", "revision", snap.Revision, "keys", len(snap.Values))
	s.persistSnapshot()
	return s.router.Publish(envelope.KindParamsSnapshot, payload, router.WithRevision(snap.Revision)), nil
}

// RequestSnapshot asks the control surface for the full state.
func (s *Surface) RequestSnapshot() *router.Delivery {
	s.log.Debugw("request_snapshot", "surface", s.id.String())
	return s.router.Publish(envelope.KindRequestSnapshot, nil)
}

// SendHello announces this surface to its peers. It stays available
// while degraded so it can double as a recovery probe; a successful
// round clears the failure counter through the monitor.
func (s *Surface) SendHello() *router.Delivery {
	payload, _ := json.Marshal(Hello{Role: s.role.String(), Proto: ProtoVersion})
	return s.router.Publish(envelope.KindHello, payload)
}

// ResetSync clears the degraded indicator after the user acted on the
// remediation hint, then re-announces the surface.
func (s *Surface) ResetSync() *router.Delivery {
	s.monitor.Reset()
	return s.SendHello()
}

// persistSnapshot pushes the current full state at the store channel.
// The store coalesces bursts down to its minimum write interval;
// quota failures are non-fatal and logged.
func (s *Surface) persistSnapshot() {
	if s.store == nil || s.role != params.RoleControl {
		return
	}
	payload, err := params.EncodeSnapshot(s.state.SnapshotFull())
	if err != nil {
		s.log.Warnw("persist_encode_err", "err", err)
		return
	}
	if res := s.store.PutSnapshot(payload); !res.OK {
		s.log.Warnw("persist_err", "err", res.Err)
	}
}
