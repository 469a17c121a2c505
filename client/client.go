// Package client talks to an ocfd MQTT broker: it discovers resources,
// retrieves and updates them with MQTT v5 request/response, and observes
// their state topics.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/sirupsen/logrus"
	"github.com/srg/ocfd/internal/resource"
	"github.com/srg/ocfd/internal/transport/mqtt"
)

// ErrRequestFailed wraps every non-ok reply. The resource error matching the
// reply status is wrapped too, so errors.Is(err, resource.ErrBadRequest) works.
var ErrRequestFailed = errors.New("request failed")

// Options configures a connection.
type Options struct {
	Broker   string
	Prefix   string
	Username string
	Password string
	ClientID string
	Logger   *logrus.Logger
}

// Client is a connection to one broker.
type Client struct {
	cm         *autopaho.ConnectionManager
	prefix     string
	replyTopic string
	logger     *logrus.Logger

	mu      sync.Mutex
	pending map[string]chan *paho.Publish
	subs    map[int]*subscription
	nextSub int
	seq     atomic.Uint64
}

type subscription struct {
	filter string
	ch     chan *paho.Publish
}

// Dial connects and subscribes to the client's reply topic.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	u, err := url.Parse(opts.Broker)
	if err != nil {
		return nil, fmt.Errorf("broker url %q: %w", opts.Broker, err)
	}
	if opts.Prefix == "" {
		opts.Prefix = "oic"
	}
	if opts.ClientID == "" {
		opts.ClientID = "ocfctl-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	c := &Client{
		prefix:     opts.Prefix,
		replyTopic: opts.Prefix + "/clients/" + opts.ClientID + mqtt.ResponseSuffix,
		logger:     opts.Logger,
		pending:    make(map[string]chan *paho.Publish),
		subs:       make(map[int]*subscription),
	}
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.SetOutput(io.Discard)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     20,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		ConnectUsername:               opts.Username,
		ConnectPassword:               []byte(opts.Password),
		OnConnectError: func(err error) {
			c.logger.WithError(err).Debug("MQTT connect attempt failed")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.route(pr.Packet)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.logger.WithError(err).Warn("MQTT client error")
			},
		},
	}

	cm, err := autopaho.NewConnection(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	c.cm = cm
	if err := cm.AwaitConnection(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connect %s: %w", opts.Broker, err)
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: c.replyTopic, QoS: 1}},
	}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.replyTopic, err)
	}
	return c, nil
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.cm.Disconnect(ctx)
}

// route hands an incoming publish to the waiting request or subscriptions.
func (c *Client) route(p *paho.Publish) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.Topic == c.replyTopic {
		if p.Properties == nil {
			return
		}
		if ch, ok := c.pending[string(p.Properties.CorrelationData)]; ok {
			delete(c.pending, string(p.Properties.CorrelationData))
			ch <- p
		}
		return
	}

	for _, s := range c.subs {
		if !mqtt.Match(s.filter, p.Topic) {
			continue
		}
		select {
		case s.ch <- p:
		default:
			c.logger.WithField("topic", p.Topic).Warn("Dropping message, consumer too slow")
		}
	}
}

// Get retrieves the resource at path.
func (c *Client) Get(ctx context.Context, path string) (*resource.Payload, error) {
	return c.request(ctx, mqtt.StateTopic(c.prefix, path)+mqtt.GetSuffix, nil)
}

// Update sends payload to the resource at path and returns its new state.
func (c *Client) Update(ctx context.Context, path string, payload *resource.Payload) (*resource.Payload, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.request(ctx, mqtt.StateTopic(c.prefix, path)+mqtt.UpdateSuffix, body)
}

func (c *Client) request(ctx context.Context, topic string, body []byte) (*resource.Payload, error) {
	corr := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan *paho.Publish, 1)

	c.mu.Lock()
	c.pending[corr] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, corr)
		c.mu.Unlock()
	}()

	if _, err := c.cm.Publish(ctx, &paho.Publish{
		QoS:     1,
		Topic:   topic,
		Payload: body,
		Properties: &paho.PublishProperties{
			ResponseTopic:   c.replyTopic,
			CorrelationData: []byte(corr),
		},
	}); err != nil {
		return nil, fmt.Errorf("publish %s: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p := <-ch:
		return decodeReply(p)
	}
}

func decodeReply(p *paho.Publish) (*resource.Payload, error) {
	status := p.Properties.User.Get(mqtt.StatusProperty)
	if status == "" || status == mqtt.StatusOK {
		return resource.DecodePayload(p.Payload)
	}

	var reply mqtt.ErrorReply
	if err := json.Unmarshal(p.Payload, &reply); err != nil || reply.Error == "" {
		reply.Error = status
	}
	if cause := statusError(status); cause != nil {
		return nil, fmt.Errorf("%w: %w: %s", ErrRequestFailed, cause, reply.Error)
	}
	return nil, fmt.Errorf("%w: %s", ErrRequestFailed, reply.Error)
}

func statusError(status string) error {
	switch status {
	case mqtt.StatusBadRequest:
		return resource.ErrBadRequest
	case mqtt.StatusNotFound:
		return resource.ErrNotFound
	case mqtt.StatusUnsupported:
		return resource.ErrUnsupported
	default:
		return nil
	}
}

// Observe subscribes to the state topic of path and calls fn with every
// payload, starting with the retained one, until ctx is done or fn returns
// false. Subscribing makes this client an observer of the resource.
func (c *Client) Observe(ctx context.Context, path string, fn func(*resource.Payload) bool) error {
	topic := mqtt.StateTopic(c.prefix, path)
	ch, cancel, err := c.subscribe(ctx, topic)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-ch:
			payload, err := resource.DecodePayload(p.Payload)
			if err != nil {
				c.logger.WithError(err).WithField("topic", p.Topic).Warn("Ignoring malformed payload")
				continue
			}
			if !fn(payload) {
				return nil
			}
		}
	}
}

// Discover returns the resources listed in the retained discovery document.
func (c *Client) Discover(ctx context.Context) ([]mqtt.Link, error) {
	ch, cancel, err := c.subscribe(ctx, mqtt.DiscoveryTopic(c.prefix))
	if err != nil {
		return nil, err
	}
	defer cancel()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("no discovery document: %w", ctx.Err())
	case p := <-ch:
		var links []mqtt.Link
		if err := json.Unmarshal(p.Payload, &links); err != nil {
			return nil, fmt.Errorf("decode discovery document: %w", err)
		}
		return links, nil
	}
}

// subscribe registers a consumer for filter before subscribing, so the
// retained message cannot be missed. cancel unsubscribes.
func (c *Client) subscribe(ctx context.Context, filter string) (<-chan *paho.Publish, func(), error) {
	ch := make(chan *paho.Publish, 16)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = &subscription{filter: filter, ch: ch}
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}

	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 0}},
	}); err != nil {
		drop()
		return nil, nil, fmt.Errorf("subscribe %s: %w", filter, err)
	}

	cancel := func() {
		drop()
		uctx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		if _, err := c.cm.Unsubscribe(uctx, &paho.Unsubscribe{Topics: []string{filter}}); err != nil {
			c.logger.WithError(err).WithField("topic", filter).Debug("Unsubscribe failed")
		}
	}
	return ch, cancel, nil
}
