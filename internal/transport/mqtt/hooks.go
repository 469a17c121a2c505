package mqtt

import (
	"bytes"
	"context"
	"fmt"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/sirupsen/logrus"
	"github.com/srg/ocfd/internal/config"
	"github.com/srg/ocfd/internal/metrics"
	"github.com/srg/ocfd/internal/resource"
	"golang.org/x/crypto/bcrypt"
)

// observerHook turns subscriptions on state topics into observe-start and
// observe-stop requests. A client observes a resource once no matter how many
// of its filters match the state topic.
type observerHook struct {
	mochi.HookBase
	t *Transport
}

func (h *observerHook) ID() string { return "ocfd-observers" }

func (h *observerHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnSessionEstablished,
		mochi.OnSubscribed,
		mochi.OnUnsubscribed,
		mochi.OnDisconnect,
	}, []byte{b})
}

// OnSessionEstablished picks up subscriptions restored from a persistent
// session, which do not pass through OnSubscribed.
func (h *observerHook) OnSessionEstablished(cl *mochi.Client, _ packets.Packet) {
	var filters []string
	for f := range cl.State.Subscriptions.GetAll() {
		filters = append(filters, f)
	}
	if len(filters) > 0 {
		h.t.subscribe(cl.ID, filters)
	}
}

func (h *observerHook) OnSubscribed(cl *mochi.Client, pk packets.Packet, reasonCodes []byte) {
	if cl.Net.Inline {
		return
	}
	var filters []string
	for i, sub := range pk.Filters {
		if i < len(reasonCodes) && reasonCodes[i] >= packets.ErrUnspecifiedError.Code {
			continue
		}
		filters = append(filters, sub.Filter)
	}
	h.t.subscribe(cl.ID, filters)
}

func (h *observerHook) OnUnsubscribed(cl *mochi.Client, pk packets.Packet) {
	if cl.Net.Inline {
		return
	}
	filters := make([]string, 0, len(pk.Filters))
	for _, sub := range pk.Filters {
		filters = append(filters, sub.Filter)
	}
	h.t.unsubscribe(cl.ID, filters)
}

func (h *observerHook) OnDisconnect(cl *mochi.Client, _ error, _ bool) {
	if cl.Net.Inline {
		return
	}
	h.t.disconnect(cl.ID)
}

// subscribe records the filters of client and starts observing every
// resource the client did not observe before.
func (t *Transport) subscribe(client string, filters []string) {
	var started []*entry

	t.mu.Lock()
	for _, e := range t.entries {
		for _, f := range filters {
			if !Match(f, e.topic) {
				continue
			}
			set, ok := e.observers[client]
			if !ok {
				set = make(map[string]struct{})
				e.observers[client] = set
				started = append(started, e)
			}
			set[f] = struct{}{}
		}
	}
	t.mu.Unlock()

	for _, e := range started {
		t.observe(e, client, resource.ObserveStart)
	}
}

// unsubscribe forgets filters of client and stops observing resources no
// remaining filter matches.
func (t *Transport) unsubscribe(client string, filters []string) {
	var stopped []*entry

	t.mu.Lock()
	for _, e := range t.entries {
		set, ok := e.observers[client]
		if !ok {
			continue
		}
		for _, f := range filters {
			delete(set, f)
		}
		if len(set) == 0 {
			delete(e.observers, client)
			stopped = append(stopped, e)
		}
	}
	t.mu.Unlock()

	for _, e := range stopped {
		t.observe(e, client, resource.ObserveStop)
	}
}

func (t *Transport) disconnect(client string) {
	var stopped []*entry

	t.mu.Lock()
	for _, e := range t.entries {
		if _, ok := e.observers[client]; ok {
			delete(e.observers, client)
			stopped = append(stopped, e)
		}
	}
	t.mu.Unlock()

	for _, e := range stopped {
		t.observe(e, client, resource.ObserveStop)
	}
}

// observe forwards an observe request. The observe-start response is not
// sent anywhere: the retained state and the push the start triggers reach
// the subscriber instead.
func (t *Transport) observe(e *entry, client string, rt resource.RequestType) {
	metrics.Count(t.requests, Name, rt)
	if _, err := e.handler.Handle(context.Background(), resource.Request{Type: rt}); err != nil {
		t.logger.WithFields(logrus.Fields{
			"path":    e.desc.Path,
			"client":  client,
			"request": rt,
			"error":   err,
		}).Debug("Observe request failed")
		return
	}
	t.logger.WithFields(logrus.Fields{
		"path":   e.desc.Path,
		"client": client,
	}).Debugf("MQTT %s", rt)
}

// credentialsHook authenticates clients against bcrypt hashes and keeps them
// from publishing to the topics the server owns.
type credentialsHook struct {
	mochi.HookBase
	prefix string
	users  map[string][]byte
}

func newCredentialsHook(prefix string, users []config.User) (*credentialsHook, error) {
	h := &credentialsHook{prefix: prefix, users: make(map[string][]byte, len(users))}
	for _, u := range users {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: invalid password hash: %w", u.Username, err)
		}
		h.users[u.Username] = []byte(u.PasswordHash)
	}
	return h, nil
}

func (h *credentialsHook) ID() string { return "ocfd-credentials" }

func (h *credentialsHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnectAuthenticate,
		mochi.OnACLCheck,
	}, []byte{b})
}

func (h *credentialsHook) OnConnectAuthenticate(cl *mochi.Client, pk packets.Packet) bool {
	hash, ok := h.users[string(pk.Connect.Username)]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, pk.Connect.Password) == nil
}

// OnACLCheck lets everyone subscribe. Under the resource prefix, clients may
// only publish requests.
func (h *credentialsHook) OnACLCheck(cl *mochi.Client, topic string, write bool) bool {
	if cl.Net.Inline || !write {
		return true
	}
	if Match(h.prefix+"/#", topic) {
		return IsRequestTopic(h.prefix, topic)
	}
	return true
}

// HashPassword returns the bcrypt hash stored in config for password.
func HashPassword(password []byte) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
