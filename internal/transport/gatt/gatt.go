// Package gatt exposes resources as a BLE GATT peripheral.
//
// Each resource is one primary service whose UUID is derived from its path.
// The service holds a single characteristic carrying the JSON payload:
// reading it retrieves, writing it updates and subscribing to notifications
// observes until the central unsubscribes or disconnects.
package gatt

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/ocfd/internal/groutine"
	"github.com/srg/ocfd/internal/metrics"
	"github.com/srg/ocfd/internal/resource"
	"github.com/srg/ocfd/internal/transport/observe"
)

// Name identifies this transport in logs and metrics.
const Name = "gatt"

// namespace seeds the name-based service and characteristic UUIDs.
var namespace = [16]byte{
	0x6f, 0x63, 0x66, 0x64, 0x2d, 0x72, 0x65, 0x73,
	0x6f, 0x75, 0x72, 0x63, 0x65, 0x2d, 0x69, 0x64,
}

// ErrUnsupportedPlatform is returned where go-ble has no controller support.
var ErrUnsupportedPlatform = errors.New("BLE peripheral is not supported on this platform")

// userDescription is the Characteristic User Description descriptor.
var userDescription = ble.UUID16(0x2901)

// readvertiseDelay throttles restarting a failed advertisement.
const readvertiseDelay = time.Second

// DeviceFactory opens the local BLE controller. Tests replace it.
var DeviceFactory = openDevice

// Peripheral is the part of ble.Device the transport drives.
type Peripheral interface {
	AddService(svc *ble.Service) error
	RemoveAllServices() error
	AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error
	Stop() error
}

type Option func(*Transport)

func WithLogger(l *logrus.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

func WithRequestCounter(rc metrics.RequestCounter) Option {
	return func(t *Transport) { t.requests = rc }
}

// WithPeripheral uses p instead of opening a device through DeviceFactory.
func WithPeripheral(p Peripheral) Option {
	return func(t *Transport) { t.dev = p }
}

// Transport is a GATT server with one service per registered resource.
type Transport struct {
	name     string
	dev      Peripheral
	logger   *logrus.Logger
	requests metrics.RequestCounter

	mu      sync.Mutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ resource.Transport = (*Transport)(nil)

type entry struct {
	desc      resource.Descriptor
	handler   resource.Handler
	service   *ble.Service
	observers *observe.Set
}

func (e *entry) Path() string { return e.desc.Path }

// New prepares a peripheral advertising localName. The controller is opened
// by Start unless WithPeripheral supplied one.
func New(localName string, opts ...Option) *Transport {
	t := &Transport{
		name:    localName,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = logrus.New()
		t.logger.SetOutput(io.Discard)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Start opens the controller, adds the services registered so far and
// advertises the local name until Close.
func (t *Transport) Start() error {
	if t.dev == nil {
		dev, err := DeviceFactory()
		if err != nil {
			return fmt.Errorf("failed to open BLE device: %w", err)
		}
		t.dev = dev
	}

	t.mu.Lock()
	err := t.rebuildLocked()
	t.mu.Unlock()
	if err != nil {
		return err
	}

	groutine.GoSafe(t.ctx, t.logger, &t.wg, "gatt-advertise", t.advertise)
	t.logger.WithField("name", t.name).Info("GATT peripheral started")
	return nil
}

// advertise keeps the name on air. Service UUIDs are left out: 128-bit UUIDs
// for more than one resource do not fit an advertising packet, and centrals
// discover them after connecting.
func (t *Transport) advertise(ctx context.Context) {
	for {
		err := t.dev.AdvertiseNameAndServices(ctx, t.name)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.logger.WithError(err).Warn("BLE advertising stopped, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(readvertiseDelay):
		}
	}
}

// Close stops advertising, ends every notification session and releases the
// controller.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	for _, e := range t.entries {
		e.observers.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	if t.dev == nil {
		return nil
	}
	return t.dev.Stop()
}

// ServiceUUID is the service UUID of path: a name-based UUID (version 5) in
// a fixed namespace, so it stays stable across restarts.
func ServiceUUID(path string) ble.UUID {
	return nameUUID(path)
}

// ValueUUID is the UUID of the payload characteristic of path.
func ValueUUID(path string) ble.UUID {
	return nameUUID(path + "#value")
}

func nameUUID(name string) ble.UUID {
	h := sha1.New()
	h.Write(namespace[:])
	h.Write([]byte(name))
	sum := h.Sum(nil)

	var u [16]byte
	copy(u[:], sum)
	u[6] = u[6]&0x0f | 0x50
	u[8] = u[8]&0x3f | 0x80

	return ble.MustParse(fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16]))
}

func (t *Transport) Register(_ context.Context, desc resource.Descriptor, h resource.Handler) (resource.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[desc.Path]; ok {
		return nil, fmt.Errorf("%w: %s", resource.ErrDuplicatePath, desc.Path)
	}
	e := &entry{
		desc:      desc,
		handler:   h,
		observers: observe.NewSet(0),
	}
	e.service = t.newService(e)

	if t.dev != nil {
		if err := t.dev.AddService(e.service); err != nil {
			return nil, fmt.Errorf("add GATT service for %s: %w", desc.Path, err)
		}
	}
	t.entries[desc.Path] = e

	t.logger.WithFields(logrus.Fields{
		"path":    desc.Path,
		"service": e.service.UUID.String(),
	}).Debug("GATT service added")
	return e, nil
}

func (t *Transport) newService(e *entry) *ble.Service {
	svc := ble.NewService(ServiceUUID(e.desc.Path))
	c := svc.NewCharacteristic(ValueUUID(e.desc.Path))
	c.NewDescriptor(userDescription).SetValue([]byte(e.desc.Path))

	c.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		t.serveRead(e, req, rsp)
	}))
	c.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		t.serveWrite(e, req, rsp)
	}))
	if e.desc.Observable {
		c.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
			if t.ctx.Err() != nil {
				return
			}
			groutine.GoSafe(t.ctx, t.logger, &t.wg, "gatt-notify", func(context.Context) {
				t.serveNotify(e, req, n)
			})
		}))
	}
	return svc
}

// Unregister drops the service. The controller only supports removing all
// services, so the remaining ones are added back.
func (t *Transport) Unregister(_ context.Context, h resource.Handle) error {
	e, ok := h.(*entry)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	t.mu.Lock()
	delete(t.entries, e.desc.Path)
	var err error
	if t.dev != nil {
		err = t.rebuildLocked()
	}
	t.mu.Unlock()

	e.observers.Close()
	return err
}

func (t *Transport) rebuildLocked() error {
	if err := t.dev.RemoveAllServices(); err != nil {
		return fmt.Errorf("remove GATT services: %w", err)
	}
	paths := make([]string, 0, len(t.entries))
	for p := range t.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := t.dev.AddService(t.entries[p].service); err != nil {
			return fmt.Errorf("add GATT service for %s: %w", p, err)
		}
	}
	return nil
}

// Push queues payload for every subscribed central.
func (t *Transport) Push(_ context.Context, h resource.Handle, payload *resource.Payload) error {
	e, ok := h.(*entry)
	if !ok {
		return resource.DeliveryFailed(fmt.Errorf("foreign handle %T", h))
	}
	members, dropped := e.observers.Publish(payload)
	if members == 0 {
		return resource.ErrNoObserversRemain
	}
	if dropped > 0 {
		t.logger.WithFields(logrus.Fields{
			"path":    e.desc.Path,
			"dropped": dropped,
		}).Debug("Slow central, dropped oldest notification")
	}
	return nil
}

// Services returns the registered services ordered by path.
func (t *Transport) Services() []*ble.Service {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := make([]string, 0, len(t.entries))
	for p := range t.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]*ble.Service, 0, len(paths))
	for _, p := range paths {
		out = append(out, t.entries[p].service)
	}
	return out
}

func (t *Transport) log(e *entry, req ble.Request) *logrus.Entry {
	fields := logrus.Fields{"path": e.desc.Path}
	if req != nil {
		if conn := req.Conn(); conn != nil {
			fields["central"] = conn.RemoteAddr().String()
		}
	}
	return t.logger.WithFields(fields)
}

// serveRead answers plain and long reads from the same rendering.
func (t *Transport) serveRead(e *entry, req ble.Request, rsp ble.ResponseWriter) {
	metrics.Count(t.requests, Name, resource.Retrieve)
	p, err := e.handler.Handle(t.ctx, resource.Request{Type: resource.Retrieve})
	if err != nil {
		t.log(e, req).WithError(err).Debug("GATT read failed")
		rsp.SetStatus(attStatus(err))
		return
	}

	data := p.MustJSON()
	off := req.Offset()
	if off > len(data) {
		rsp.SetStatus(ble.ErrInvalidOffset)
		return
	}
	_, _ = rsp.Write(data[off:])
}

func (t *Transport) serveWrite(e *entry, req ble.Request, rsp ble.ResponseWriter) {
	body, err := resource.DecodePayload(req.Data())
	if err != nil {
		t.log(e, req).WithError(err).Debug("GATT write rejected")
		rsp.SetStatus(ble.ErrInvalAttrValueLen)
		return
	}

	metrics.Count(t.requests, Name, resource.Update)
	if _, err := e.handler.Handle(t.ctx, resource.Request{Type: resource.Update, Payload: body}); err != nil {
		t.log(e, req).WithError(err).Debug("GATT write failed")
		rsp.SetStatus(attStatus(err))
	}
}

// serveNotify runs one notification session: the observe response first,
// then every push, until the central unsubscribes or the resource goes away.
func (t *Transport) serveNotify(e *entry, req ble.Request, n ble.Notifier) {
	log := t.log(e, req)

	member := e.observers.Join()
	metrics.Count(t.requests, Name, resource.ObserveStart)
	resp, err := e.handler.Handle(t.ctx, resource.Request{Type: resource.ObserveStart})
	if err != nil {
		e.observers.Leave(member)
		log.WithError(err).Debug("GATT subscribe failed")
		return
	}
	e.observers.Ready(member, resp)
	log.Debug("GATT central subscribed")

	defer func() {
		if e.observers.Leave(member) {
			metrics.Count(t.requests, Name, resource.ObserveStop)
			if _, err := e.handler.Handle(context.Background(), resource.Request{Type: resource.ObserveStop}); err != nil {
				log.WithError(err).Debug("Observe stop failed")
			}
		}
		log.Debug("GATT central unsubscribed")
	}()

	done := n.Context().Done()
	for {
		select {
		case <-done:
			return
		case p, ok := <-member.C():
			if !ok {
				return
			}
			data := p.MustJSON()
			if len(data) > n.Cap() {
				log.WithFields(logrus.Fields{
					"size": len(data),
					"cap":  n.Cap(),
				}).Debug("Notification exceeds MTU, central must read for the full value")
			}
			if _, err := n.Write(data); err != nil {
				log.WithError(err).Debug("GATT notify failed")
				return
			}
		}
	}
}

func attStatus(err error) ble.ATTError {
	switch {
	case errors.Is(err, resource.ErrBadRequest):
		return ble.ErrInvalAttrValueLen
	case errors.Is(err, resource.ErrUnsupported):
		return ble.ErrWriteNotPerm
	case errors.Is(err, resource.ErrNotFound), errors.Is(err, resource.ErrUnregistered):
		return ble.ErrAttrNotFound
	default:
		return ble.ErrUnlikely
	}
}
