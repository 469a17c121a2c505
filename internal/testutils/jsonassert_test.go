package testutils

import (
	"fmt"
	"testing"

	"github.com/srg/ocfd/internal/resource"
	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestJSONAsserter_Assert(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []Option
		pass     bool
	}{
		{
			name:     "identical objects pass",
			actual:   `{"rt":"oic.r.button","id":"button","value":true}`,
			expected: `{"rt":"oic.r.button","id":"button","value":true}`,
			pass:     true,
		},
		{
			name:     "value mismatch fails",
			actual:   `{"value":false}`,
			expected: `{"value":true}`,
		},
		{
			name:     "extra key fails by default",
			actual:   `{"value":true,"extra":1}`,
			expected: `{"value":true}`,
		},
		{
			name:     "extra key passes when ignored",
			actual:   `{"value":true,"extra":1}`,
			expected: `{"value":true}`,
			opts:     []Option{WithIgnoreExtraKeys(true)},
			pass:     true,
		},
		{
			name:     "presence placeholder matches any value",
			actual:   `{"illuminance":12.34}`,
			expected: `{"illuminance":"<<PRESENCE>>"}`,
			pass:     true,
		},
		{
			name:     "placeholder is literal when disabled",
			actual:   `{"illuminance":12.34}`,
			expected: `{"illuminance":"<<PRESENCE>>"}`,
			opts:     []Option{WithAllowPresencePlaceholder(false)},
		},
		{
			name:     "ignored fields are skipped",
			actual:   `{"id":"a","ts":1}`,
			expected: `{"id":"a","ts":2}`,
			opts:     []Option{WithIgnoredFields("ts")},
			pass:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			ok := newJSONAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)

			assert.Equal(t, tt.pass, ok)
			assert.Equal(t, tt.pass, len(rec.errors) == 0, "errors: %v", rec.errors)
		})
	}
}

func TestJSONAsserter_AssertPayload(t *testing.T) {
	rec := &recordingT{}
	p := resource.PayloadOf("rt", "oic.r.colour.rgb", "id", "rgbled", "rgbValue", "1,2,3", "range", "0,255")

	assert.True(t, newJSONAsserter(rec).AssertPayload(p, `{"rt":"oic.r.colour.rgb","id":"rgbled","rgbValue":"1,2,3","range":"0,255"}`))
	assert.False(t, newJSONAsserter(rec).AssertPayload(nil, `{}`), "nil payload MUST fail")
}
