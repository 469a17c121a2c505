// Package fanout registers each resource on several transports at once.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/ocfd/internal/resource"
)

// Named is a transport with a name for error messages.
type Named struct {
	Name      string
	Transport resource.Transport
}

// Transport multiplexes Register, Unregister and Push over its members.
type Transport struct {
	members []Named
}

var _ resource.Transport = (*Transport)(nil)

func New(members ...Named) *Transport {
	return &Transport{members: members}
}

type handle struct {
	path    string
	handles []resource.Handle // aligned with Transport.members
}

func (h *handle) Path() string { return h.path }

// Register registers on every member. If any member refuses, the members
// already registered are rolled back.
func (t *Transport) Register(ctx context.Context, desc resource.Descriptor, h resource.Handler) (resource.Handle, error) {
	fh := &handle{path: desc.Path, handles: make([]resource.Handle, 0, len(t.members))}
	for _, m := range t.members {
		mh, err := m.Transport.Register(ctx, desc, h)
		if err != nil {
			for i, done := range fh.handles {
				_ = t.members[i].Transport.Unregister(ctx, done)
			}
			return nil, fmt.Errorf("%s: %w", m.Name, err)
		}
		fh.handles = append(fh.handles, mh)
	}
	return fh, nil
}

func (t *Transport) Unregister(ctx context.Context, h resource.Handle) error {
	fh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	var errs []error
	for i, mh := range fh.handles {
		if err := t.members[i].Transport.Unregister(ctx, mh); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.members[i].Name, err))
		}
	}
	return errors.Join(errs...)
}

// Push succeeds when at least one member delivered. It reports no observers
// only when every member does; otherwise the member failures are joined.
func (t *Transport) Push(ctx context.Context, h resource.Handle, payload *resource.Payload) error {
	fh, ok := h.(*handle)
	if !ok {
		return resource.DeliveryFailed(fmt.Errorf("foreign handle %T", h))
	}

	delivered := 0
	var failures []error
	for i, mh := range fh.handles {
		err := t.members[i].Transport.Push(ctx, mh, payload)
		switch {
		case err == nil:
			delivered++
		case resource.IsNoObservers(err):
		default:
			failures = append(failures, fmt.Errorf("%s: %w", t.members[i].Name, err))
		}
	}

	switch {
	case delivered > 0:
		return nil
	case len(failures) == 0:
		return resource.ErrNoObserversRemain
	default:
		return resource.DeliveryFailed(errors.Join(failures...))
	}
}
