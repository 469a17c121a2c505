package resource

import (
	"errors"
	"fmt"
)

// DeliveryError reports a failed push. NoObserversRemain distinguishes the
// transport telling us nobody is listening anymore from any other failure.
type DeliveryError struct {
	NoObserversRemain bool
	Err               error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}
	reason := "delivery failed"
	if e.NoObserversRemain {
		reason = "no observers remain"
	}
	if e.Err == nil {
		return reason
	}
	return fmt.Sprintf("%s: %v", reason, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to match DeliveryError values by kind.
func (e *DeliveryError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*DeliveryError)
	if !ok {
		return false
	}
	return e.NoObserversRemain == t.NoObserversRemain
}

// Predefined delivery outcomes
var (
	ErrNoObserversRemain = &DeliveryError{NoObserversRemain: true}
	ErrDeliveryFailed    = &DeliveryError{}
)

// DeliveryFailed wraps a transport error as an ordinary delivery failure.
func DeliveryFailed(err error) error {
	return &DeliveryError{Err: err}
}

// IsNoObservers reports whether err signals that no observers remain.
func IsNoObservers(err error) bool {
	var derr *DeliveryError
	if errors.As(err, &derr) {
		return derr.NoObserversRemain
	}
	return false
}

// RegistrationError is returned when a transport refuses a resource.
type RegistrationError struct {
	Path string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register %s: %v", e.Path, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// UnregistrationError is returned when a transport fails to withdraw a resource.
type UnregistrationError struct {
	Path string
	Err  error
}

func (e *UnregistrationError) Error() string {
	return fmt.Sprintf("unregister %s: %v", e.Path, e.Err)
}

func (e *UnregistrationError) Unwrap() error { return e.Err }

// Request errors
var (
	// ErrUnregistered is returned for requests reaching a resource after teardown.
	ErrUnregistered = errors.New("resource unregistered")
	// ErrUnsupported is returned when a request type does not apply, such as an
	// update on a sensor.
	ErrUnsupported = errors.New("unsupported request")
	// ErrBadRequest marks a request payload that could not be decoded.
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound is returned by transports for unknown paths.
	ErrNotFound = errors.New("resource not found")
	// ErrDuplicatePath is returned by transports when a path is registered twice.
	ErrDuplicatePath = errors.New("path already registered")
)
