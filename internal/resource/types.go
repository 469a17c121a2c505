package resource

import (
	"context"
	"fmt"
	"time"
)

// RequestType enumerates inbound operations.
type RequestType int

const (
	Retrieve RequestType = iota
	ObserveStart
	ObserveStop
	Update
)

func (t RequestType) String() string {
	switch t {
	case Retrieve:
		return "retrieve"
	case ObserveStart:
		return "observe-start"
	case ObserveStop:
		return "observe-stop"
	case Update:
		return "update"
	default:
		return fmt.Sprintf("request(%d)", int(t))
	}
}

// Request is an inbound operation delivered by a transport.
type Request struct {
	Type    RequestType
	Payload *Payload // update body; nil otherwise
}

// Handler receives inbound requests for one registered resource.
type Handler interface {
	Handle(ctx context.Context, req Request) (*Payload, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (*Payload, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (*Payload, error) {
	return f(ctx, req)
}

// Platform describes the hosting device in the platform document served
// next to discovery.
type Platform struct {
	Name            string `json:"n"`
	Manufacturer    string `json:"mnmn"`
	PlatformVersion string `json:"mnpv"`
	FirmwareVersion string `json:"mnfv"`
}

// Descriptor is what a transport needs to advertise a resource.
type Descriptor struct {
	Path           string
	ResourceTypes  []string
	Interfaces     []string
	Discoverable   bool
	Observable     bool
	Writable       bool
	InitialPayload *Payload
}

// Handle identifies a registration inside the transport that issued it.
type Handle interface {
	Path() string
}

// Transport is the network collaborator: it advertises resources, routes
// inbound requests to their Handler and pushes notifications to observers.
//
// Register must not invoke the handler before it returns, and Push must not
// invoke it at all; inbound requests arrive from the transport's own
// goroutines.
type Transport interface {
	Register(ctx context.Context, desc Descriptor, h Handler) (Handle, error)
	Unregister(ctx context.Context, h Handle) error
	// Push delivers payload to current observers. It returns nil on success,
	// ErrNoObserversRemain (possibly wrapped) when nobody is subscribed, or
	// any other *DeliveryError.
	Push(ctx context.Context, h Handle, payload *Payload) error
}

// Info describes a device kind to the core.
type Info struct {
	Path         string
	ResourceType string
	ID           string
	Interfaces   []string
	PollInterval time.Duration
	Writable     bool
	Discoverable bool
	Observable   bool
}

// Device is the per-kind trait the generic core is parameterised with.
//
// Implementations are not required to be goroutine safe; a Resource never
// calls them concurrently.
type Device interface {
	Info() Info
	// Refresh samples the hardware and reports whether the published state
	// changed.
	Refresh(ctx context.Context) (changed bool, err error)
	// Payload renders the current published state.
	Payload() *Payload
	// Apply validates and actuates a requested update. Rejected values leave
	// the state untouched and report changed=false with a nil error.
	Apply(ctx context.Context, req *Payload) (changed bool, err error)
	// Close releases hardware.
	Close(ctx context.Context) error
}

// DescriptorFor builds the transport descriptor for d.
func DescriptorFor(d Device) Descriptor {
	info := d.Info()
	ifaces := info.Interfaces
	if len(ifaces) == 0 {
		ifaces = []string{DefaultInterface}
	}
	return Descriptor{
		Path:           info.Path,
		ResourceTypes:  []string{info.ResourceType},
		Interfaces:     ifaces,
		Discoverable:   info.Discoverable,
		Observable:     info.Observable,
		Writable:       info.Writable,
		InitialPayload: d.Payload().Clone(),
	}
}

// DefaultInterface is the baseline interface every resource exposes.
const DefaultInterface = "oic.if.baseline"
