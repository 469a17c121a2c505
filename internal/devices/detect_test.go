package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestButtonEdge_Trace(t *testing.T) {
	// GOAL: reproduce the exact toggle rule on a press/hold/release/press sequence
	//
	// TEST SCENARIO: raw [false,true,true,false,true] from prev=false,state=false →
	// index 1 toggles on, index 2 holds, index 3 records release without toggle, index 4 toggles off
	e := ButtonEdge{}
	raw := []bool{false, true, true, false, true}

	type step struct {
		changed bool
		prev    bool
		state   bool
	}
	want := []step{
		{changed: false, prev: false, state: false},
		{changed: true, prev: true, state: true},
		{changed: false, prev: true, state: true},
		{changed: false, prev: false, state: true},
		{changed: true, prev: true, state: false},
	}

	for i, r := range raw {
		changed := e.Step(r)
		assert.Equal(t, want[i], step{changed: changed, prev: e.Prev, state: e.State}, "index %d", i)
	}
	assert.False(t, e.State, "final state MUST be false")
}

func TestButtonEdge_HeldButtonDoesNotRepeat(t *testing.T) {
	e := ButtonEdge{}
	toggles := 0
	for i := 0; i < 10; i++ {
		if e.Step(true) {
			toggles++
		}
	}
	assert.Equal(t, 1, toggles, "holding the button MUST toggle once")
}

func TestIlluminanceChanged(t *testing.T) {
	tests := []struct {
		old, new float64
		changed  bool
	}{
		{old: 3.14159, new: 3.144, changed: false},
		{old: 3.14, new: 3.15, changed: true},
		{old: 0, new: 0.004, changed: false},
		{old: 0, new: 0.006, changed: true},
		{old: 0.1, new: 0.1 + 0.1 - 0.1, changed: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.changed, IlluminanceChanged(tt.old, tt.new), "changed(%v, %v)", tt.old, tt.new)
	}
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 0.3, Round2(0.1+0.1+0.1))
	assert.Equal(t, 3.14, Round2(3.14159))
	assert.Equal(t, -1.23, Round2(-1.2349))
}
