package fanout

import (
	"context"
	"errors"
	"testing"

	"github.com/srg/ocfd/internal/resource"
	"github.com/srg/ocfd/internal/transport/loopback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandle string

func (h stubHandle) Path() string { return string(h) }

// stubTransport fails the operations it is told to fail.
type stubTransport struct {
	registerErr  error
	pushErr      error
	unregistered int
}

func (s *stubTransport) Register(_ context.Context, d resource.Descriptor, _ resource.Handler) (resource.Handle, error) {
	if s.registerErr != nil {
		return nil, s.registerErr
	}
	return stubHandle(d.Path), nil
}

func (s *stubTransport) Unregister(context.Context, resource.Handle) error {
	s.unregistered++
	return nil
}

func (s *stubTransport) Push(context.Context, resource.Handle, *resource.Payload) error {
	return s.pushErr
}

var nopHandler = resource.HandlerFunc(func(context.Context, resource.Request) (*resource.Payload, error) {
	return resource.NewPayload(), nil
})

func TestPush_Outcomes(t *testing.T) {
	boom := errors.New("link down")

	tests := []struct {
		name       string
		errs       []error
		wantNil    bool
		wantNoObs  bool
		wantFailed bool
	}{
		{name: "all delivered", errs: []error{nil, nil}, wantNil: true},
		{name: "one delivered one empty", errs: []error{nil, resource.ErrNoObserversRemain}, wantNil: true},
		{name: "one delivered one failed", errs: []error{resource.DeliveryFailed(boom), nil}, wantNil: true},
		{name: "all empty", errs: []error{resource.ErrNoObserversRemain, resource.ErrNoObserversRemain}, wantNoObs: true},
		{name: "empty and failed", errs: []error{resource.ErrNoObserversRemain, resource.DeliveryFailed(boom)}, wantFailed: true},
		{name: "no members", errs: nil, wantNoObs: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var members []Named
			for i, err := range tt.errs {
				members = append(members, Named{Name: string(rune('a' + i)), Transport: &stubTransport{pushErr: err}})
			}
			f := New(members...)
			h, err := f.Register(context.Background(), resource.Descriptor{Path: "/a/x"}, nopHandler)
			require.NoError(t, err)

			err = f.Push(context.Background(), h, resource.NewPayload())

			switch {
			case tt.wantNil:
				assert.NoError(t, err)
			case tt.wantNoObs:
				assert.True(t, resource.IsNoObservers(err), "MUST report no observers, got %v", err)
			case tt.wantFailed:
				assert.ErrorIs(t, err, resource.ErrDeliveryFailed)
				assert.ErrorIs(t, err, boom)
				assert.False(t, resource.IsNoObservers(err))
			}
		})
	}
}

func TestRegister_RollsBackOnFailure(t *testing.T) {
	ok := &stubTransport{}
	refused := &stubTransport{registerErr: resource.ErrDuplicatePath}
	f := New(Named{Name: "ok", Transport: ok}, Named{Name: "refused", Transport: refused})

	_, err := f.Register(context.Background(), resource.Descriptor{Path: "/a/x"}, nopHandler)

	assert.ErrorIs(t, err, resource.ErrDuplicatePath)
	assert.ErrorContains(t, err, "refused")
	assert.Equal(t, 1, ok.unregistered, "earlier registrations MUST be rolled back")
}

func TestFanout_WithLoopback(t *testing.T) {
	ctx := context.Background()
	a, b := loopback.New(), loopback.New()
	f := New(Named{Name: "a", Transport: a}, Named{Name: "b", Transport: b})

	h, err := f.Register(ctx, resource.Descriptor{Path: "/a/x"}, nopHandler)
	require.NoError(t, err)
	assert.Equal(t, "/a/x", h.Path())
	assert.Equal(t, []string{"/a/x"}, a.Paths())
	assert.Equal(t, []string{"/a/x"}, b.Paths())

	obs, err := b.Observe(ctx, "/a/x")
	require.NoError(t, err)
	<-obs.C()

	require.NoError(t, f.Push(ctx, h, resource.PayloadOf("v", 1)))
	assert.Equal(t, `{"v":1}`, string((<-obs.C()).MustJSON()))

	require.NoError(t, f.Unregister(ctx, h))
	assert.Empty(t, a.Paths())
	assert.Empty(t, b.Paths())
}
