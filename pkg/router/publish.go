package router

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/venuelab/stagesync/pkg/chunk"
	"github.com/venuelab/stagesync/pkg/envelope"
	"github.com/venuelab/stagesync/pkg/transport"
)

// Delivery is the future handle of one publish: it resolves once
// every transport attempt finished, success or not, and never
// "rejects": individual failures are values in the results.
type Delivery struct {
	env     envelope.Envelope
	done    chan struct{}
	results []transport.Result
}

func (d *Delivery) ID() envelope.ID { return d.env.ID }

func (d *Delivery) Done() <-chan struct{} { return d.done }

// Wait blocks until all transport attempts completed and returns one
// Result per transport.
func (d *Delivery) Wait() []transport.Result {
	<-d.done
	return d.results
}

// Succeeded reports whether at least one transport delivered.
func (d *Delivery) Succeeded() bool {
	for _, r := range d.Wait() {
		if r.OK {
			return true
		}
	}
	return false
}

type publishOpts struct {
	critical bool
	revision uint64
}

type PublishOption func(*publishOpts)

// Critical forces escalation on total delivery failure even for kinds
// that are not critical by default.
func Critical() PublishOption {
	return func(o *publishOpts) { o.critical = true }
}

// WithRevision stamps the envelope with the parameter revision it
// carries.
func WithRevision(rev uint64) PublishOption {
	return func(o *publishOpts) { o.revision = rev }
}

// Publish wraps the payload in a fresh envelope, chunks it when the
// encoded frame exceeds the threshold, and sends it over every
// transport concurrently. Fire-and-forget: the caller may ignore the
// returned Delivery or Wait on it.
func (r *Router) Publish(kind envelope.Kind, payload []byte, opts ...PublishOption) *Delivery {
	var o publishOpts
	for _, opt := range opts {
		opt(&o)
	}

	env := envelope.Envelope{
		ID:       envelope.NewID(),
		Kind:     kind,
		Sender:   r.self,
		HLC:      r.clock.Now(),
		Wall:     time.Now().UnixNano(),
		Critical: o.critical || kind.Critical(),
		Revision: o.revision,
	}
	env.Payload = payload

	frames := r.encodeFrames(env)
	d := &Delivery{env: env, done: make(chan struct{})}

	// registration and the closed check share a lock so a publish can
	// never slip past Close's wait
	r.pubMu.Lock()
	if r.closed {
		r.pubMu.Unlock()
		// router closed: resolve immediately, all transports failed
		d.results = make([]transport.Result, len(r.transports))
		for i, t := range r.transports {
			d.results[i] = transport.Result{Transport: t.Name(), Err: transport.ErrUnavailable}
		}
		close(d.done)
		return d
	}
	r.pubWG.Add(1)
	r.pubMu.Unlock()

	go func() {
		defer r.pubWG.Done()
		d.results = r.sendAll(frames)
		close(d.done)

		for _, res := range d.results {
			if !res.OK {
				r.log.Warnw("transport_send_failed",
					"msg", env.ID.String(), "via", res.Transport, "err", res.Err)
			}
		}

		r.mu.Lock()
		onDelivery := r.onDelivery
		onCritical := r.onCritical
		r.mu.Unlock()

		if onDelivery != nil {
			onDelivery(env, d.results)
		}
		if env.Critical && !anyOK(d.results) {
			r.log.Errorw("critical_delivery_failed",
				"msg", env.ID.String(), "kind", env.Kind.String())
			if onCritical != nil {
				onCritical(env, d.results)
			}
		}
	}()
	return d
}

// encodeFrames returns the wire frames for one envelope: either the
// single encoded frame, or a series of chunk-data frames referencing
// the envelope's id.
func (r *Router) encodeFrames(env envelope.Envelope) [][]byte {
	frame := envelope.Encode(env)
	if len(frame) <= r.threshold {
		return [][]byte{frame}
	}

	frags := chunk.Split(env.ID, frame, r.fragSize)
	frames := make([][]byte, 0, len(frags))
	for _, f := range frags {
		ce := envelope.Envelope{
			ID:      envelope.NewID(),
			Kind:    envelope.KindChunkData,
			Sender:  r.self,
			HLC:     r.clock.Now(),
			Wall:    env.Wall,
			Payload: chunk.EncodeFragment(f),
		}
		frames = append(frames, envelope.Encode(ce))
	}
	r.log.Debugw("chunked", "msg", env.ID.String(), "fragments", len(frags), "bytes", len(frame))
	return frames
}

// sendAll attempts every frame on every transport in parallel. One
// Result per transport; a transport fails if any fragment send
// failed.
func (r *Router) sendAll(frames [][]byte) []transport.Result {
	results := make([]transport.Result, len(r.transports))
	var g errgroup.Group
	for i, t := range r.transports {
		i, t := i, t
		g.Go(func() error {
			res := transport.Result{Transport: t.Name(), OK: true}
			for _, frame := range frames {
				if one := t.Send(frame); !one.OK {
					res = one
					break
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func anyOK(results []transport.Result) bool {
	for _, r := range results {
		if r.OK {
			return true
		}
	}
	return false
}
