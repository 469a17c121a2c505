// Package mqtt serves resources over an embedded MQTT broker.
//
// Each resource publishes its payload, retained, on its state topic
// (<prefix><path>). A client subscribed to a filter matching the state topic
// is an observer. Clients retrieve by publishing to <topic>/get and update by
// publishing JSON to <topic>/update; replies go to the MQTT v5 response topic
// when one is set, otherwise to <topic>/response.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/sirupsen/logrus"
	"github.com/srg/ocfd/internal/config"
	"github.com/srg/ocfd/internal/groutine"
	"github.com/srg/ocfd/internal/metrics"
	"github.com/srg/ocfd/internal/resource"
)

// Name identifies this transport in logs and metrics.
const Name = "mqtt"

// StatusProperty is the MQTT v5 user property carrying a reply's status.
const StatusProperty = "status"

type Option func(*Transport)

func WithLogger(l *logrus.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

func WithRequestCounter(rc metrics.RequestCounter) Option {
	return func(t *Transport) { t.requests = rc }
}

// WithPlatform publishes p, retained, on PlatformTopic once started.
func WithPlatform(p resource.Platform) Option {
	return func(t *Transport) { t.platform = &p }
}

// Transport owns the embedded broker and the resources registered on it.
type Transport struct {
	cfg       config.MQTT
	server    *mochi.Server
	responder *mochi.Client
	logger    *logrus.Logger
	logWriter *io.PipeWriter
	requests  metrics.RequestCounter
	tcp       *listeners.TCP
	platform  *resource.Platform

	mu      sync.Mutex
	entries map[string]*entry // by state topic
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ resource.Transport = (*Transport)(nil)

type entry struct {
	desc    resource.Descriptor
	topic   string
	handler resource.Handler
	subID   int

	// client ID → filters of that client matching topic; guarded by Transport.mu
	observers map[string]map[string]struct{}
}

func (e *entry) Path() string { return e.desc.Path }

// New creates the broker and installs its hooks. Listeners start with Start.
func New(cfg config.MQTT, opts ...Option) (*Transport, error) {
	t := &Transport{
		cfg:     cfg,
		entries: make(map[string]*entry),
		nextSub: 1,
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = logrus.New()
		t.logger.SetOutput(io.Discard)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	// broker logs go through logrus at debug level
	t.logWriter = t.logger.WriterLevel(logrus.DebugLevel)
	t.server = mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(t.logWriter, nil)),
	})

	t.responder = t.server.NewClient(nil, "local", "ocfd-responder", true)
	t.responder.Properties.ProtocolVersion = 5

	if len(cfg.Users) == 0 {
		if err := t.server.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, fmt.Errorf("add allow hook: %w", err)
		}
	} else {
		creds, err := newCredentialsHook(cfg.TopicPrefix, cfg.Users)
		if err != nil {
			return nil, err
		}
		if err := t.server.AddHook(creds, nil); err != nil {
			return nil, fmt.Errorf("add auth hook: %w", err)
		}
	}
	if err := t.server.AddHook(&observerHook{t: t}, nil); err != nil {
		return nil, fmt.Errorf("add observer hook: %w", err)
	}
	return t, nil
}

// Start opens the TCP listener and, when configured, the websocket listener.
func (t *Transport) Start() error {
	t.tcp = listeners.NewTCP(listeners.Config{ID: "tcp", Address: t.cfg.Address})
	if err := t.server.AddListener(t.tcp); err != nil {
		return fmt.Errorf("mqtt listener %s: %w", t.cfg.Address, err)
	}
	if t.cfg.WebsocketAddress != "" {
		ws := listeners.NewWebsocket(listeners.Config{ID: "ws", Address: t.cfg.WebsocketAddress})
		if err := t.server.AddListener(ws); err != nil {
			return fmt.Errorf("mqtt websocket listener %s: %w", t.cfg.WebsocketAddress, err)
		}
	}
	if err := t.server.Serve(); err != nil {
		return fmt.Errorf("mqtt serve: %w", err)
	}
	if t.platform != nil {
		data, err := json.Marshal(t.platform)
		if err != nil {
			return err
		}
		if err := t.server.Publish(PlatformTopic(t.cfg.TopicPrefix), data, true, 0); err != nil {
			return fmt.Errorf("publish platform: %w", err)
		}
	}

	t.logger.WithFields(logrus.Fields{
		"address":   t.Addr(),
		"websocket": t.cfg.WebsocketAddress,
		"auth":      len(t.cfg.Users) > 0,
	}).Info("MQTT broker started")
	return nil
}

// Close stops the broker and waits for in-flight requests.
func (t *Transport) Close() error {
	t.cancel()
	err := t.server.Close()
	t.wg.Wait()
	_ = t.logWriter.Close()
	return err
}

// Addr returns the TCP listener address, resolved once started.
func (t *Transport) Addr() string {
	if t.tcp == nil {
		return t.cfg.Address
	}
	return t.tcp.Address()
}

// Server exposes the embedded broker.
func (t *Transport) Server() *mochi.Server { return t.server }

func (t *Transport) Register(_ context.Context, desc resource.Descriptor, h resource.Handler) (resource.Handle, error) {
	topic := StateTopic(t.cfg.TopicPrefix, desc.Path)

	t.mu.Lock()
	if _, ok := t.entries[topic]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", resource.ErrDuplicatePath, desc.Path)
	}
	e := &entry{
		desc:      desc,
		topic:     topic,
		handler:   h,
		subID:     t.nextSub,
		observers: make(map[string]map[string]struct{}),
	}
	t.nextSub++
	t.entries[topic] = e
	t.mu.Unlock()

	onRequest := func(cl *mochi.Client, sub packets.Subscription, pk packets.Packet) {
		t.dispatch(e, sub.Filter, pk)
	}
	for _, suffix := range []string{GetSuffix, UpdateSuffix} {
		if err := t.server.Subscribe(topic+suffix, e.subID, onRequest); err != nil {
			t.drop(e)
			return nil, fmt.Errorf("subscribe %s: %w", topic+suffix, err)
		}
	}

	if desc.InitialPayload != nil {
		if err := t.server.Publish(topic, desc.InitialPayload.MustJSON(), true, 0); err != nil {
			t.drop(e)
			return nil, fmt.Errorf("publish initial state: %w", err)
		}
	}
	if err := t.publishDiscovery(); err != nil {
		t.logger.WithError(err).Warn("Failed to publish discovery")
	}
	t.adoptSubscribers(e)

	t.logger.WithFields(logrus.Fields{
		"path":  desc.Path,
		"topic": topic,
	}).Debug("Resource published on MQTT")
	return e, nil
}

// adoptSubscribers makes connected clients whose existing filters match a
// newly registered state topic observers of it. The observe-start runs off
// the caller's goroutine since Register is called with the resource locked.
func (t *Transport) adoptSubscribers(e *entry) {
	var clients []string

	t.mu.Lock()
	for id, cl := range t.server.Clients.GetAll() {
		if cl.Net.Inline || cl.Closed() {
			continue
		}
		for f := range cl.State.Subscriptions.GetAll() {
			if !Match(f, e.topic) {
				continue
			}
			set, ok := e.observers[id]
			if !ok {
				set = make(map[string]struct{})
				e.observers[id] = set
				clients = append(clients, id)
			}
			set[f] = struct{}{}
		}
	}
	t.mu.Unlock()

	for _, id := range clients {
		groutine.GoSafe(t.ctx, t.logger, &t.wg, "mqtt-observe", func(context.Context) {
			t.observe(e, id, resource.ObserveStart)
		})
	}
}

func (t *Transport) drop(e *entry) {
	for _, suffix := range []string{GetSuffix, UpdateSuffix} {
		_ = t.server.Unsubscribe(e.topic+suffix, e.subID)
	}
	t.mu.Lock()
	delete(t.entries, e.topic)
	t.mu.Unlock()
}

// Unregister withdraws the request subscriptions, clears the retained state
// and republishes discovery.
func (t *Transport) Unregister(_ context.Context, h resource.Handle) error {
	e, ok := h.(*entry)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	t.drop(e)

	var errs []error
	// an empty retained message deletes the retained state
	if err := t.server.Publish(e.topic, nil, true, 0); err != nil {
		errs = append(errs, err)
	}
	if err := t.publishDiscovery(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Push publishes payload, retained, on the state topic. The publish always
// happens so late subscribers see the newest state; the result reports
// whether anyone was subscribed.
func (t *Transport) Push(_ context.Context, h resource.Handle, payload *resource.Payload) error {
	e, ok := h.(*entry)
	if !ok {
		return resource.DeliveryFailed(fmt.Errorf("foreign handle %T", h))
	}
	if err := t.server.Publish(e.topic, payload.MustJSON(), true, 0); err != nil {
		return resource.DeliveryFailed(err)
	}
	if t.Observers(e.desc.Path) == 0 {
		return resource.ErrNoObserversRemain
	}
	return nil
}

// Observers returns how many clients observe path.
func (t *Transport) Observers(path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[StateTopic(t.cfg.TopicPrefix, path)]
	if !ok {
		return 0
	}
	return len(e.observers)
}

// Link describes one resource in the discovery document.
type Link struct {
	Href       string   `json:"href"`
	Types      []string `json:"rt"`
	Interfaces []string `json:"if"`
	Observable bool     `json:"obs"`
}

func (t *Transport) publishDiscovery() error {
	t.mu.Lock()
	links := make([]Link, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.desc.Discoverable {
			continue
		}
		links = append(links, Link{
			Href:       e.desc.Path,
			Types:      e.desc.ResourceTypes,
			Interfaces: e.desc.Interfaces,
			Observable: e.desc.Observable,
		})
	}
	t.mu.Unlock()

	sort.Slice(links, func(i, j int) bool { return links[i].Href < links[j].Href })
	data, err := json.Marshal(links)
	if err != nil {
		return err
	}
	return t.server.Publish(DiscoveryTopic(t.cfg.TopicPrefix), data, true, 0)
}

// dispatch handles a request off the broker's goroutine, so the handler may
// publish without re-entering the client that sent the request.
func (t *Transport) dispatch(e *entry, filter string, pk packets.Packet) {
	req := resource.Request{Type: resource.Retrieve}
	if filter == e.topic+UpdateSuffix {
		req.Type = resource.Update
	}
	replyTo := pk.Properties.ResponseTopic
	if !t.replyAllowed(replyTo) {
		replyTo = e.topic + ResponseSuffix
	}
	correlation := append([]byte(nil), pk.Properties.CorrelationData...)
	body := append([]byte(nil), pk.Payload...)

	groutine.GoSafe(t.ctx, t.logger, &t.wg, "mqtt-request", func(ctx context.Context) {
		metrics.Count(t.requests, Name, req.Type)

		var (
			resp *resource.Payload
			err  error
		)
		if req.Type == resource.Update {
			req.Payload, err = resource.DecodePayload(body)
		}
		if err == nil {
			resp, err = e.handler.Handle(ctx, req)
		}
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"path":    e.desc.Path,
				"request": req.Type,
				"error":   err,
			}).Debug("MQTT request failed")
		}
		if perr := t.reply(replyTo, correlation, resp, err); perr != nil {
			t.logger.WithError(perr).WithField("topic", replyTo).Warn("Failed to publish reply")
		}
	})
}

// replyAllowed keeps replies off state, request and discovery topics: under
// the prefix only topics with a "response" level are accepted.
func (t *Transport) replyAllowed(topic string) bool {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return false
	}
	prefix := strings.TrimSuffix(t.cfg.TopicPrefix, "/") + "/"
	if !strings.HasPrefix(topic, prefix) {
		return true
	}
	return strings.Contains(topic+"/", ResponseSuffix+"/")
}

// Status values carried in StatusProperty and in error replies.
const (
	StatusOK          = "ok"
	StatusBadRequest  = "bad_request"
	StatusNotFound    = "not_found"
	StatusUnsupported = "unsupported"
	StatusError       = "error"
)

// StatusOf maps a request error to a reply status.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, resource.ErrBadRequest):
		return StatusBadRequest
	case errors.Is(err, resource.ErrNotFound), errors.Is(err, resource.ErrUnregistered):
		return StatusNotFound
	case errors.Is(err, resource.ErrUnsupported):
		return StatusUnsupported
	default:
		return StatusError
	}
}

// ErrorReply is the body of a failed request's reply.
type ErrorReply struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (t *Transport) reply(topic string, correlation []byte, resp *resource.Payload, reqErr error) error {
	status := StatusOf(reqErr)

	var body []byte
	if reqErr != nil {
		data, err := json.Marshal(ErrorReply{Status: status, Error: reqErr.Error()})
		if err != nil {
			return err
		}
		body = data
	} else {
		body = resp.MustJSON()
	}

	return t.server.InjectPacket(t.responder, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish},
		TopicName:   topic,
		Payload:     body,
		Properties: packets.Properties{
			CorrelationData: correlation,
			User:            []packets.UserProperty{{Key: StatusProperty, Val: status}},
		},
	})
}
