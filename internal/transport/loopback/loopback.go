// Package loopback is an in-process transport. Callers in the same process
// retrieve, observe and update resources through it without any network.
package loopback

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/ocfd/internal/metrics"
	"github.com/srg/ocfd/internal/resource"
	"github.com/srg/ocfd/internal/transport/observe"
)

// Name identifies this transport in logs and metrics.
const Name = "loopback"

// DefaultQueueSize is the per-observation notification buffer.
const DefaultQueueSize = observe.DefaultQueueSize

type Option func(*Transport)

// WithQueueSize sets the per-observation buffer. Older notifications are
// dropped when a reader falls behind.
func WithQueueSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

func WithLogger(l *logrus.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

func WithRequestCounter(rc metrics.RequestCounter) Option {
	return func(t *Transport) { t.requests = rc }
}

// Transport routes calls made in-process to registered resources.
type Transport struct {
	mu        sync.Mutex
	entries   map[string]*entry
	queueSize int
	logger    *logrus.Logger
	requests  metrics.RequestCounter
}

var _ resource.Transport = (*Transport)(nil)

func New(opts ...Option) *Transport {
	t := &Transport{
		entries:   make(map[string]*entry),
		queueSize: DefaultQueueSize,
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = logrus.New()
		t.logger.SetOutput(io.Discard)
	}
	return t
}

type entry struct {
	desc      resource.Descriptor
	handler   resource.Handler
	observers *observe.Set
}

func (e *entry) Path() string { return e.desc.Path }

func (t *Transport) Register(_ context.Context, desc resource.Descriptor, h resource.Handler) (resource.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[desc.Path]; ok {
		return nil, fmt.Errorf("%w: %s", resource.ErrDuplicatePath, desc.Path)
	}
	e := &entry{
		desc:      desc,
		handler:   h,
		observers: observe.NewSet(t.queueSize),
	}
	t.entries[desc.Path] = e
	return e, nil
}

func (t *Transport) Unregister(_ context.Context, h resource.Handle) error {
	e, err := t.own(h)
	if err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.entries, e.desc.Path)
	t.mu.Unlock()

	e.observers.Close()
	return nil
}

// Push queues payload on every observation.
func (t *Transport) Push(_ context.Context, h resource.Handle, payload *resource.Payload) error {
	e, err := t.own(h)
	if err != nil {
		return resource.DeliveryFailed(err)
	}

	members, dropped := e.observers.Publish(payload)
	if members == 0 {
		return resource.ErrNoObserversRemain
	}
	if dropped > 0 {
		t.logger.WithFields(logrus.Fields{
			"path":    e.desc.Path,
			"dropped": dropped,
		}).Debug("Slow observer, dropped oldest notification")
	}
	return nil
}

func (t *Transport) own(h resource.Handle) (*entry, error) {
	e, ok := h.(*entry)
	if !ok || e == nil {
		return nil, fmt.Errorf("foreign handle %T", h)
	}
	return e, nil
}

func (t *Transport) lookup(path string) (*entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", resource.ErrNotFound, path)
	}
	return e, nil
}

// Paths lists the registered paths in lexical order.
func (t *Transport) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.entries))
	for p := range t.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Descriptor returns what path was registered with.
func (t *Transport) Descriptor(path string) (resource.Descriptor, error) {
	e, err := t.lookup(path)
	if err != nil {
		return resource.Descriptor{}, err
	}
	return e.desc, nil
}

func (t *Transport) call(ctx context.Context, path string, req resource.Request) (*resource.Payload, error) {
	e, err := t.lookup(path)
	if err != nil {
		return nil, err
	}
	metrics.Count(t.requests, Name, req.Type)
	return e.handler.Handle(ctx, req)
}

// Get retrieves the current payload of path.
func (t *Transport) Get(ctx context.Context, path string) (*resource.Payload, error) {
	return t.call(ctx, path, resource.Request{Type: resource.Retrieve})
}

// Update sends an update request and returns the resulting payload.
func (t *Transport) Update(ctx context.Context, path string, body *resource.Payload) (*resource.Payload, error) {
	return t.call(ctx, path, resource.Request{Type: resource.Update, Payload: body})
}

// Observe starts observing path. The observation's channel first yields the
// observe response, then every notification pushed afterwards.
func (t *Transport) Observe(ctx context.Context, path string) (*Observation, error) {
	e, err := t.lookup(path)
	if err != nil {
		return nil, err
	}
	o := &Observation{transport: t, entry: e, member: e.observers.Join()}

	metrics.Count(t.requests, Name, resource.ObserveStart)
	resp, err := e.handler.Handle(ctx, resource.Request{Type: resource.ObserveStart})
	if err != nil {
		e.observers.Leave(o.member)
		return nil, err
	}
	e.observers.Ready(o.member, resp)
	return o, nil
}

// Observation is one observer of one resource.
type Observation struct {
	transport *Transport
	entry     *entry
	member    *observe.Member

	once sync.Once
	err  error
}

// C yields notifications. It is closed by Cancel or when the resource is
// unregistered.
func (o *Observation) C() <-chan *resource.Payload {
	return o.member.C()
}

// Dropped reports how many notifications were discarded for a slow reader.
func (o *Observation) Dropped() int64 {
	return o.member.Dropped()
}

// Cancel stops observing. It is safe to call more than once.
func (o *Observation) Cancel(ctx context.Context) error {
	o.once.Do(func() {
		if !o.entry.observers.Leave(o.member) {
			// resource already gone
			return
		}
		metrics.Count(o.transport.requests, Name, resource.ObserveStop)
		_, o.err = o.entry.handler.Handle(ctx, resource.Request{Type: resource.ObserveStop})
	})
	return o.err
}
