package resource

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObserverRegistry_Transitions(t *testing.T) {
	var r ObserverRegistry

	assert.True(t, r.Subscribe(), "0→1 MUST report first")
	assert.False(t, r.Subscribe(), "1→2 MUST NOT report first")
	assert.False(t, r.Unsubscribe(), "2→1 MUST NOT report last")
	assert.True(t, r.Unsubscribe(), "1→0 MUST report last")
	assert.False(t, r.Unsubscribe(), "unsubscribe at zero MUST be ignored")
	assert.Equal(t, 0, r.Count())
}

func TestObserverRegistry_DeliveryOutcome(t *testing.T) {
	var r ObserverRegistry
	r.Subscribe()
	r.Subscribe()

	assert.False(t, r.DeliveryOutcome(false), "successful delivery MUST NOT disarm")
	assert.Equal(t, 2, r.Count())

	assert.True(t, r.DeliveryOutcome(true), "no-observers outcome MUST disarm")
	assert.Equal(t, 0, r.Count(), "no-observers outcome MUST force zero")
}

func TestObserverRegistry_CountNeverNegative(t *testing.T) {
	// GOAL: count == subscribes - unsubscribes - forced resets, floored at zero
	//
	// TEST SCENARIO: random operation sequences → shadow model tracks expected count → equal after every step
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		var r ObserverRegistry
		expected := 0

		for step := 0; step < 100; step++ {
			switch rng.Intn(5) {
			case 0, 1:
				r.Subscribe()
				expected++
			case 2, 3:
				r.Unsubscribe()
				if expected > 0 {
					expected--
				}
			case 4:
				noObservers := rng.Intn(2) == 0
				r.DeliveryOutcome(noObservers)
				if noObservers {
					expected = 0
				}
			}

			if !assert.Equal(t, expected, r.Count(), "run %d step %d", run, step) {
				return
			}
			assert.GreaterOrEqual(t, r.Count(), 0, "count MUST never be negative")
		}
	}
}
