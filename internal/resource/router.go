package resource

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Handle dispatches an inbound request. Resource implements Handler so it can
// be handed directly to a transport.
func (r *Resource) Handle(ctx context.Context, req Request) (*Payload, error) {
	switch req.Type {
	case Retrieve:
		return r.Retrieve(ctx)
	case ObserveStart:
		return r.ObserveStart(ctx)
	case ObserveStop:
		return nil, r.ObserveStop(ctx)
	case Update:
		return r.Update(ctx, req.Payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, req.Type)
	}
}

// Retrieve re-samples the device and returns the current payload. It never
// touches the observer registry.
func (r *Resource) Retrieve(ctx context.Context) (*Payload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrUnregistered
	}
	r.refresh(ctx)
	return r.payload.Clone(), nil
}

// ObserveStart is Retrieve plus a new observer. The resource is marked dirty
// so the next tick pushes at least once.
func (r *Resource) ObserveStart(ctx context.Context) (*Payload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrUnregistered
	}
	r.refresh(ctx)
	r.dirty = true

	first := r.observers.Subscribe()
	armed := r.sched.Arm()
	r.report()

	r.logger.WithFields(logrus.Fields{
		"observers": r.observers.Count(),
		"first":     first,
		"armed":     armed,
	}).Debug("Observe started")
	return r.payload.Clone(), nil
}

// ObserveStop removes an observer and disarms the scheduler when none remain.
func (r *Resource) ObserveStop(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrUnregistered
	}
	if r.observers.Unsubscribe() {
		r.sched.Disarm()
	}
	r.report()

	r.logger.WithField("observers", r.observers.Count()).Debug("Observe stopped")
	return nil
}

// Update applies a requested payload to an actuator. Rejected values are
// logged and answered with the unchanged payload; only non-writable resources
// return an error.
func (r *Resource) Update(ctx context.Context, req *Payload) (*Payload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrUnregistered
	}
	if !r.info.Writable {
		return nil, fmt.Errorf("%w: %s is read-only", ErrUnsupported, r.info.Path)
	}
	if req == nil {
		req = NewPayload()
	}

	changed, err := r.dev.Apply(ctx, req)
	if err != nil {
		r.metrics.Updated(r.info.Path, false)
		r.logger.WithError(err).Warn("Update rejected")
		return r.payload.Clone(), nil
	}
	r.metrics.Updated(r.info.Path, true)
	if changed {
		r.payload = r.dev.Payload().Clone()
		r.dirty = true
	}

	r.logger.WithField("payload", string(r.payload.MustJSON())).Info("Update received")
	return r.payload.Clone(), nil
}
