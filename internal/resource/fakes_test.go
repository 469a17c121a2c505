package resource_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/srg/ocfd/internal/resource"
)

// counterDevice publishes an integer that advances on every Refresh when
// step is non-zero.
type counterDevice struct {
	info     resource.Info
	value    int
	step     int
	applyErr error
	closed   int
	samples  int
}

func newCounterDevice(path string, interval time.Duration) *counterDevice {
	return &counterDevice{
		info: resource.Info{
			Path:         path,
			ResourceType: "test.counter",
			ID:           "counter",
			PollInterval: interval,
			Writable:     true,
			Discoverable: true,
			Observable:   true,
		},
	}
}

func (d *counterDevice) Info() resource.Info { return d.info }

func (d *counterDevice) Refresh(context.Context) (bool, error) {
	d.samples++
	d.value += d.step
	return d.step != 0, nil
}

func (d *counterDevice) Payload() *resource.Payload {
	return resource.PayloadOf("rt", d.info.ResourceType, "id", d.info.ID, "value", d.value)
}

func (d *counterDevice) Apply(_ context.Context, req *resource.Payload) (bool, error) {
	if d.applyErr != nil {
		return false, d.applyErr
	}
	v, ok := req.Float("value")
	if !ok {
		return false, resource.ErrBadRequest
	}
	if int(v) == d.value {
		return false, nil
	}
	d.value = int(v)
	return true, nil
}

func (d *counterDevice) Close(context.Context) error {
	d.closed++
	return nil
}

type fakeHandle string

func (h fakeHandle) Path() string { return string(h) }

// fakeTransport records pushes and returns a configurable outcome.
type fakeTransport struct {
	mu          sync.Mutex
	pushes      []*resource.Payload
	pushErr     error
	registerErr error
	registered  map[string]resource.Handler
	descriptors []resource.Descriptor
	unregisters int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{registered: map[string]resource.Handler{}}
}

func (t *fakeTransport) Register(_ context.Context, desc resource.Descriptor, h resource.Handler) (resource.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.registerErr != nil {
		return nil, t.registerErr
	}
	t.registered[desc.Path] = h
	t.descriptors = append(t.descriptors, desc)
	return fakeHandle(desc.Path), nil
}

func (t *fakeTransport) Unregister(_ context.Context, h resource.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.registered[h.Path()]; !ok {
		return errors.New("not registered")
	}
	delete(t.registered, h.Path())
	t.unregisters++
	return nil
}

func (t *fakeTransport) Push(_ context.Context, _ resource.Handle, p *resource.Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pushErr != nil {
		return t.pushErr
	}
	t.pushes = append(t.pushes, p)
	return nil
}

func (t *fakeTransport) setPushErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushErr = err
}

func (t *fakeTransport) pushCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pushes)
}

func (t *fakeTransport) lastPush() *resource.Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pushes) == 0 {
		return nil
	}
	return t.pushes[len(t.pushes)-1]
}
