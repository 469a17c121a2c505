package resource

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Payload is an ordered property set. Keys are encoded in insertion order so
// the wire representation is stable.
type Payload struct {
	props *orderedmap.OrderedMap[string, any]
}

// NewPayload returns an empty payload.
func NewPayload() *Payload {
	return &Payload{props: orderedmap.New[string, any]()}
}

// PayloadOf builds a payload from alternating key/value arguments.
func PayloadOf(kv ...any) *Payload {
	if len(kv)%2 != 0 {
		panic("resource: PayloadOf requires key/value pairs")
	}
	p := NewPayload()
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("resource: payload key %v is not a string", kv[i]))
		}
		p.Set(key, kv[i+1])
	}
	return p
}

func (p *Payload) init() {
	if p.props == nil {
		p.props = orderedmap.New[string, any]()
	}
}

// Set stores a property, keeping its original position if it already exists.
func (p *Payload) Set(key string, value any) *Payload {
	p.init()
	p.props.Set(key, value)
	return p
}

// Get returns a property value.
func (p *Payload) Get(key string) (any, bool) {
	if p == nil || p.props == nil {
		return nil, false
	}
	return p.props.Get(key)
}

// String returns a string property.
func (p *Payload) String(key string) (string, bool) {
	v, ok := p.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns a boolean property.
func (p *Payload) Bool(key string) (bool, bool) {
	v, ok := p.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Float returns a numeric property as float64.
func (p *Payload) Float(key string) (float64, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Keys returns property names in order.
func (p *Payload) Keys() []string {
	if p == nil || p.props == nil {
		return nil
	}
	keys := make([]string, 0, p.props.Len())
	for pair := p.props.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Len returns the number of properties.
func (p *Payload) Len() int {
	if p == nil || p.props == nil {
		return 0
	}
	return p.props.Len()
}

// Clone returns a shallow copy. Values are scalars so this is a full copy in
// practice.
func (p *Payload) Clone() *Payload {
	c := NewPayload()
	if p == nil || p.props == nil {
		return c
	}
	for pair := p.props.Oldest(); pair != nil; pair = pair.Next() {
		c.props.Set(pair.Key, pair.Value)
	}
	return c
}

// Equal reports whether both payloads hold the same keys in the same order
// with equal values.
func (p *Payload) Equal(other *Payload) bool {
	if p.Len() != other.Len() {
		return false
	}
	if p.Len() == 0 {
		return true
	}
	a, b := p.props.Oldest(), other.props.Oldest()
	for ; a != nil && b != nil; a, b = a.Next(), b.Next() {
		if a.Key != b.Key || !reflect.DeepEqual(a.Value, b.Value) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes properties in insertion order.
func (p *Payload) MarshalJSON() ([]byte, error) {
	if p == nil || p.props == nil {
		return []byte("{}"), nil
	}
	return p.props.MarshalJSON()
}

// UnmarshalJSON decodes an object, keeping key order.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return fmt.Errorf("%w: payload must be a JSON object", ErrBadRequest)
	}
	p.props = orderedmap.New[string, any]()
	return p.props.UnmarshalJSON(data)
}

// DecodePayload parses a JSON object into a Payload.
func DecodePayload(data []byte) (*Payload, error) {
	p := NewPayload()
	if err := json.Unmarshal(data, p); err != nil {
		if errors.Is(err, ErrBadRequest) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return p, nil
}

// MustJSON encodes the payload, panicking on failure.
func (p *Payload) MustJSON() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return b
}
