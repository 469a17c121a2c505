// Package homie mirrors resources to an external MQTT broker following the
// Homie 4 convention: one device, one node per resource and one property per
// state member. The broker connection is a single observer of every
// resource; settable properties accept /set messages as updates.
package homie

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/ocfd/internal/config"
	"github.com/srg/ocfd/internal/groutine"
	"github.com/srg/ocfd/internal/metrics"
	"github.com/srg/ocfd/internal/resource"
)

// Name identifies this transport in logs and metrics.
const Name = "homie"

const (
	qos            = 1
	clientIDPrefix = "ocfd"
	publishTimeout = 5 * time.Second
	disconnectWait = 250 // ms
)

type Option func(*Transport)

func WithLogger(l *logrus.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

func WithRequestCounter(rc metrics.RequestCounter) Option {
	return func(t *Transport) { t.requests = rc }
}

// WithRetryInterval sets how often an unreachable broker is retried.
func WithRetryInterval(d time.Duration) Option {
	return func(t *Transport) { t.retry = d }
}

// Transport publishes the Homie device and relays /set messages.
type Transport struct {
	cfg      config.Homie
	name     string
	base     string
	retry    time.Duration
	client   mqtt.Client
	logger   *logrus.Logger
	requests metrics.RequestCounter

	mu        sync.Mutex
	entries   map[string]*entry // by node ID
	connected bool

	tokens chan pending
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ resource.Transport = (*Transport)(nil)

type entry struct {
	desc    resource.Descriptor
	handler resource.Handler
	node    string
	props   []property

	// guarded by Transport.mu
	observing bool
	pushes    uint64
}

func (e *entry) Path() string { return e.desc.Path }

type pending struct {
	token mqtt.Token
	topic string
}

// New prepares the client for the device named name. Start connects.
func New(cfg config.Homie, name string, opts ...Option) *Transport {
	t := &Transport{
		cfg:     cfg,
		name:    name,
		base:    cfg.BaseTopic + "/" + ID(cfg.DeviceID),
		retry:   10 * time.Second,
		entries: make(map[string]*entry),
		tokens:  make(chan pending, 64),
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = logrus.New()
		t.logger.SetOutput(io.Discard)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.client = mqtt.NewClient(t.Options())
	return t
}

// Options are the client options: automatic reconnects and a last will
// marking the device lost.
func (t *Transport) Options() *mqtt.ClientOptions {
	o := mqtt.NewClientOptions()
	o.AddBroker(t.cfg.Broker)
	o.SetClientID(clientIDPrefix + "-" + ID(t.cfg.DeviceID))
	if t.cfg.Username != "" {
		o.SetUsername(t.cfg.Username)
		o.SetPassword(t.cfg.Password)
	}
	o.SetCleanSession(true)
	o.SetKeepAlive(60 * time.Second)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(t.retry)
	o.SetOrderMatters(false)
	o.SetWill(t.base+"/$state", StateLost, qos, true)
	o.SetOnConnectHandler(func(mqtt.Client) { t.onConnect() })
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) { t.onLost(err) })
	return o
}

// Topic returns the device base topic.
func (t *Transport) Topic() string { return t.base }

// Start connects in the background; an unreachable broker is retried.
func (t *Transport) Start() error {
	groutine.GoSafe(t.ctx, t.logger, &t.wg, "homie-tokens", t.drainTokens)

	token := t.client.Connect()
	groutine.Go(t.ctx, "homie-connect", func(ctx context.Context) {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				t.logger.WithError(err).WithField("broker", t.cfg.Broker).Error("Homie connect failed")
			}
		case <-ctx.Done():
		}
	})

	t.logger.WithFields(logrus.Fields{
		"broker": t.cfg.Broker,
		"topic":  t.base,
	}).Info("Homie mirror started")
	return nil
}

// Close marks the device disconnected, stops observing and disconnects.
func (t *Transport) Close() error {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	stopped := t.stopObservingLocked()
	t.mu.Unlock()

	if wasConnected {
		tok := t.client.Publish(t.base+"/$state", qos, true, StateDisconnected)
		if tok.WaitTimeout(time.Second) && tok.Error() != nil {
			t.logger.WithError(tok.Error()).Debug("Homie $state publish failed")
		}
	}
	t.stopAll(stopped)

	t.client.Disconnect(disconnectWait)
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *Transport) drainTokens(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-t.tokens:
			if !p.token.WaitTimeout(publishTimeout) {
				t.logger.WithField("topic", p.topic).Debug("Homie publish timed out")
				continue
			}
			if err := p.token.Error(); err != nil {
				t.logger.WithError(err).WithField("topic", p.topic).Warn("Homie publish failed")
			}
		}
	}
}

func (t *Transport) publish(msgs ...message) {
	for _, m := range msgs {
		tok := t.client.Publish(m.topic, qos, true, m.payload)
		select {
		case t.tokens <- pending{token: tok, topic: m.topic}:
		default:
		}
	}
}

func (t *Transport) sortedLocked() []*entry {
	out := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].node < out[j].node })
	return out
}

func (t *Transport) nodesLocked() []string {
	nodes := make([]string, 0, len(t.entries))
	for n := range t.entries {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

func (t *Transport) onConnect() {
	t.logger.WithField("broker", t.cfg.Broker).Info("Homie broker connected")

	t.mu.Lock()
	t.connected = true
	entries := t.sortedLocked()
	nodes := t.nodesLocked()
	t.mu.Unlock()

	t.publish(message{t.base + "/$state", StateInit})
	t.publish(deviceMessages(t.base, t.name, nodes)...)
	for _, e := range entries {
		t.announce(e)
	}
	t.publish(message{t.base + "/$state", StateReady})
}

func (t *Transport) onLost(err error) {
	t.logger.WithError(err).Warn("Homie broker connection lost")

	t.mu.Lock()
	t.connected = false
	stopped := t.stopObservingLocked()
	t.mu.Unlock()

	t.stopAll(stopped)
}

func (t *Transport) stopObservingLocked() []*entry {
	var stopped []*entry
	for _, e := range t.entries {
		if e.observing {
			e.observing = false
			stopped = append(stopped, e)
		}
	}
	return stopped
}

func (t *Transport) stopAll(entries []*entry) {
	for _, e := range entries {
		metrics.Count(t.requests, Name, resource.ObserveStop)
		if _, err := e.handler.Handle(context.Background(), resource.Request{Type: resource.ObserveStop}); err != nil {
			t.logger.WithError(err).WithField("path", e.desc.Path).Debug("Observe stop failed")
		}
	}
}

// announce publishes the node, listens for /set and starts observing. The
// observe response is published unless a push overtook it.
func (t *Transport) announce(e *entry) {
	t.publish(nodeMessages(t.base, e)...)

	if e.desc.Writable {
		filter := t.base + "/" + e.node + "/+/set"
		tok := t.client.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
			t.onSet(e, msg)
		})
		select {
		case t.tokens <- pending{token: tok, topic: filter}:
		default:
		}
	}

	rt := resource.ObserveStart
	if !e.desc.Observable {
		rt = resource.Retrieve
	}

	t.mu.Lock()
	if !t.connected || t.entries[e.node] != e {
		t.mu.Unlock()
		return
	}
	e.observing = rt == resource.ObserveStart
	seen := e.pushes
	t.mu.Unlock()

	metrics.Count(t.requests, Name, rt)
	resp, err := e.handler.Handle(t.ctx, resource.Request{Type: rt})

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		e.observing = false
		t.logger.WithError(err).WithField("path", e.desc.Path).Warn("Homie observe failed")
		return
	}
	if t.connected && e.pushes == seen {
		t.publish(valueMessages(t.base, e, resp)...)
	}
}

func (t *Transport) onSet(e *entry, msg mqtt.Message) {
	log := t.logger.WithFields(logrus.Fields{
		"path":  e.desc.Path,
		"topic": msg.Topic(),
	})

	id := strings.TrimSuffix(strings.TrimPrefix(msg.Topic(), t.base+"/"+e.node+"/"), "/set")
	var prop *property
	for i := range e.props {
		if e.props[i].id == id {
			prop = &e.props[i]
		}
	}
	if prop == nil || !prop.settable {
		log.Debug("Ignoring set on unknown or read-only property")
		return
	}

	v, err := parseValue(*prop, string(msg.Payload()))
	if err != nil {
		log.WithError(err).Debug("Ignoring malformed set")
		return
	}

	metrics.Count(t.requests, Name, resource.Update)
	resp, err := e.handler.Handle(t.ctx, resource.Request{
		Type:    resource.Update,
		Payload: resource.PayloadOf(prop.key, v),
	})
	if err != nil {
		log.WithError(err).Debug("Homie set failed")
		return
	}

	// echo the resulting value, as the convention asks of settable properties
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected && t.entries[e.node] == e {
		e.pushes++
		t.publish(valueMessages(t.base, e, resp)...)
	}
}

func (t *Transport) Register(_ context.Context, desc resource.Descriptor, h resource.Handler) (resource.Handle, error) {
	e := &entry{
		desc:    desc,
		handler: h,
		node:    NodeID(desc.Path),
		props:   propertiesOf(desc),
	}
	if e.node == "" {
		return nil, fmt.Errorf("no Homie node ID for path %q", desc.Path)
	}

	t.mu.Lock()
	if _, ok := t.entries[e.node]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (node %s)", resource.ErrDuplicatePath, desc.Path, e.node)
	}
	t.entries[e.node] = e
	connected := t.connected
	nodes := t.nodesLocked()
	t.mu.Unlock()

	if connected {
		t.publish(message{t.base + "/$nodes", strings.Join(nodes, ",")})
		groutine.GoSafe(t.ctx, t.logger, &t.wg, "homie-announce", func(context.Context) {
			t.announce(e)
		})
	}
	return e, nil
}

// Unregister removes the node and clears its retained topics.
func (t *Transport) Unregister(_ context.Context, h resource.Handle) error {
	e, ok := h.(*entry)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	t.mu.Lock()
	delete(t.entries, e.node)
	e.observing = false
	connected := t.connected
	nodes := t.nodesLocked()
	t.mu.Unlock()

	if !connected {
		return nil
	}
	t.publish(message{t.base + "/$nodes", strings.Join(nodes, ",")})

	var clear []message
	for _, m := range nodeMessages(t.base, e) {
		clear = append(clear, message{m.topic, ""})
	}
	for _, p := range e.props {
		clear = append(clear, message{t.base + "/" + e.node + "/" + p.id, ""})
	}
	t.publish(clear...)

	if e.desc.Writable {
		t.client.Unsubscribe(t.base + "/" + e.node + "/+/set")
	}
	return nil
}

// Push publishes the property values while the broker connection observes.
func (t *Transport) Push(_ context.Context, h resource.Handle, payload *resource.Payload) error {
	e, ok := h.(*entry)
	if !ok {
		return resource.DeliveryFailed(fmt.Errorf("foreign handle %T", h))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || !e.observing {
		return resource.ErrNoObserversRemain
	}
	e.pushes++
	t.publish(valueMessages(t.base, e, payload)...)
	return nil
}

// Connected reports whether the broker session is up.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
