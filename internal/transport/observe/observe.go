// Package observe keeps the per-resource observer queues shared by the
// transports that deliver notifications themselves.
//
// A member joins pending, before its observe-start request runs, so a push
// racing with the request still counts it as an observer. Pushes reaching a
// pending member are held and queued right after the observe response.
package observe

import (
	"sync"

	"github.com/srg/ocfd/internal/resource"
	"github.com/srg/ocfd/internal/ringchan"
)

// DefaultQueueSize is the per-member notification buffer.
const DefaultQueueSize = 8

// Set is the observers of one resource.
type Set struct {
	mu        sync.Mutex
	members   map[*Member]struct{}
	queueSize int
}

func NewSet(queueSize int) *Set {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Set{members: make(map[*Member]struct{}), queueSize: queueSize}
}

// Member is one observer's queue.
type Member struct {
	ring *ringchan.RingChannel[*resource.Payload]

	// guarded by Set.mu
	pending bool
	held    []*resource.Payload
}

// C yields the observe response then every notification. It is closed when
// the member leaves or the set is closed.
func (m *Member) C() <-chan *resource.Payload { return m.ring.C() }

// Dropped counts notifications discarded for a slow reader.
func (m *Member) Dropped() int64 { return m.ring.Stats().Overwritten }

// Join adds a pending member.
func (s *Set) Join() *Member {
	m := &Member{ring: ringchan.New[*resource.Payload](s.queueSize), pending: true}
	s.mu.Lock()
	s.members[m] = struct{}{}
	s.mu.Unlock()
	return m
}

// Ready queues the observe response followed by anything held while m was
// pending. It reports false if m already left.
func (s *Set) Ready(m *Member, response *resource.Payload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[m]; !ok {
		return false
	}
	m.pending = false
	m.ring.Send(response)
	for _, p := range m.held {
		m.ring.Send(p)
	}
	m.held = nil
	return true
}

// Leave removes m and closes its queue. It reports whether m was a member.
func (s *Set) Leave(m *Member) bool {
	s.mu.Lock()
	_, ok := s.members[m]
	delete(s.members, m)
	s.mu.Unlock()

	m.ring.Close()
	return ok
}

// Publish queues p for every member. It returns how many members there are
// and how many queued values were overwritten.
func (s *Set) Publish(p *resource.Payload) (members, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for m := range s.members {
		if m.pending {
			m.held = append(m.held, p.Clone())
			continue
		}
		if m.ring.Send(p.Clone()) {
			dropped++
		}
	}
	return len(s.members), dropped
}

// Len returns the number of members, pending ones included.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Close removes every member and closes their queues.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for m := range s.members {
		m.ring.Close()
		delete(s.members, m)
	}
}
