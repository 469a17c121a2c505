package resource

// ObserverRegistry mirrors the transport's subscriber count for local
// scheduling decisions. The count never goes negative.
type ObserverRegistry struct {
	count int
}

// Subscribe records a new observer and reports whether this was the 0→1
// transition.
func (r *ObserverRegistry) Subscribe() (first bool) {
	r.count++
	return r.count == 1
}

// Unsubscribe removes an observer and reports whether the count reached zero
// as a result. Unsubscribing at zero is ignored.
func (r *ObserverRegistry) Unsubscribe() (last bool) {
	if r.count == 0 {
		return false
	}
	r.count--
	return r.count == 0
}

// DeliveryOutcome applies the result of a push. A noObserversRemain outcome
// forces the count to zero and reports that the scheduler must disarm.
func (r *ObserverRegistry) DeliveryOutcome(noObserversRemain bool) (disarm bool) {
	if !noObserversRemain {
		return false
	}
	r.count = 0
	return true
}

// Count returns the number of observers.
func (r *ObserverRegistry) Count() int {
	return r.count
}
