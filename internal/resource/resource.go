package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Resource is one registered device resource. All exported methods are safe
// for concurrent use; they are serialized per resource.
type Resource struct {
	mu sync.Mutex

	dev       Device
	info      Info
	transport Transport
	handle    Handle

	payload   *Payload
	dirty     bool
	observers ObserverRegistry
	sched     *Scheduler
	closed    bool

	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logrus.Entry
	metrics Metrics
}

// Option configures Register.
type Option func(*options)

type options struct {
	clock    Clock
	logger   *logrus.Logger
	metrics  Metrics
	interval time.Duration
}

// WithClock overrides the timer source.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithPollInterval overrides the device's re-arm delay.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// Register advertises dev on transport t and returns the live resource. The
// initial payload is the device's current published state.
func Register(ctx context.Context, dev Device, t Transport, opts ...Option) (*Resource, error) {
	o := options{clock: SystemClock, metrics: NopMetrics}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.New()
		o.logger.SetOutput(io.Discard)
	}
	if o.metrics == nil {
		o.metrics = NopMetrics
	}

	info := dev.Info()
	interval := info.PollInterval
	if o.interval > 0 {
		interval = o.interval
	}
	if interval <= 0 {
		return nil, &RegistrationError{Path: info.Path, Err: fmt.Errorf("invalid poll interval %v", interval)}
	}

	r := &Resource{
		dev:       dev,
		info:      info,
		transport: t,
		payload:   dev.Payload().Clone(),
		logger:    o.logger.WithField("resource", info.Path),
		metrics:   o.metrics,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.sched = NewScheduler(o.clock, interval, r.tick)

	r.mu.Lock()
	defer r.mu.Unlock()

	desc := DescriptorFor(dev)
	desc.InitialPayload = r.payload.Clone()

	h, err := t.Register(ctx, desc, r)
	if err != nil {
		r.cancel()
		var rerr *RegistrationError
		if errors.As(err, &rerr) {
			return nil, err
		}
		return nil, &RegistrationError{Path: info.Path, Err: err}
	}
	r.handle = h
	r.report()

	r.logger.WithFields(logrus.Fields{
		"rt":       info.ResourceType,
		"interval": interval,
	}).Info("Resource registered")
	return r, nil
}

// Path returns the resource path.
func (r *Resource) Path() string {
	return r.info.Path
}

// Info returns the device description.
func (r *Resource) Info() Info {
	return r.info
}

// Unregister disarms the scheduler, withdraws the resource from its transport
// and releases the device. Calling it more than once is a no-op.
func (r *Resource) Unregister(ctx context.Context) error {
	r.cancel()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.sched.Disarm()
	r.observers.DeliveryOutcome(true)
	r.report()
	handle := r.handle
	r.mu.Unlock()

	var errs []error
	if handle != nil {
		if err := r.transport.Unregister(ctx, handle); err != nil {
			errs = append(errs, &UnregistrationError{Path: r.info.Path, Err: err})
		}
	}
	if err := r.dev.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}

	r.logger.Info("Resource unregistered")
	return errors.Join(errs...)
}

// Snapshot is a consistent view of a resource's mutable state.
type Snapshot struct {
	Payload   *Payload
	Dirty     bool
	Observers int
	Scheduler SchedulerState
	Closed    bool
}

// Snapshot returns the current state.
func (r *Resource) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Payload:   r.payload.Clone(),
		Dirty:     r.dirty,
		Observers: r.observers.Count(),
		Scheduler: r.sched.State(),
		Closed:    r.closed,
	}
}

// tick runs when an armed timer fires.
func (r *Resource) tick(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.sched.Fire(gen) {
		r.logger.WithField("gen", gen).Debug("Stale tick ignored")
		return
	}
	r.metrics.Tick(r.info.Path)

	r.refresh(r.ctx)
	if r.dirty {
		r.push(r.ctx)
	}

	if r.observers.Count() > 0 {
		r.sched.Arm()
	}
	r.report()
}

// refresh samples the device and folds a change into the payload.
// Caller holds r.mu.
func (r *Resource) refresh(ctx context.Context) {
	changed, err := r.dev.Refresh(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("Sample failed")
		return
	}
	if changed {
		r.payload = r.dev.Payload().Clone()
		r.dirty = true
	}
}

// push delivers the payload and applies the outcome. Caller holds r.mu.
func (r *Resource) push(ctx context.Context) {
	err := r.transport.Push(ctx, r.handle, r.payload.Clone())
	switch {
	case err == nil:
		r.dirty = false
		r.metrics.Pushed(r.info.Path, OutcomeOK)
		r.logger.Debug("Notification pushed")
	case IsNoObservers(err):
		r.metrics.Pushed(r.info.Path, OutcomeNoObservers)
		if r.observers.DeliveryOutcome(true) && r.sched.Disarm() {
			r.logger.Debug("No observers remain, scheduler disarmed")
		}
	default:
		r.metrics.Pushed(r.info.Path, OutcomeFailed)
		r.logger.WithError(err).Warn("Notification delivery failed")
	}
}

// report publishes observer and scheduler gauges. Caller holds r.mu.
func (r *Resource) report() {
	r.metrics.Observers(r.info.Path, r.observers.Count())
	r.metrics.Armed(r.info.Path, r.sched.State() == Armed)
}
