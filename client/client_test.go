package client

import (
	"context"
	"testing"
	"time"

	"github.com/srg/ocfd/internal/config"
	"github.com/srg/ocfd/internal/devices"
	"github.com/srg/ocfd/internal/hardware"
	"github.com/srg/ocfd/internal/resource"
	"github.com/srg/ocfd/internal/testutils"
	"github.com/srg/ocfd/internal/transport/mqtt"
	"github.com/stretchr/testify/suite"
)

// ClientTestSuite drives a client against the embedded broker serving an
// LED and an illuminance sensor.
type ClientTestSuite struct {
	suite.Suite
	ctx    context.Context
	clock  *testutils.ManualClock
	broker *mqtt.Transport
	client *Client

	led    *hardware.MemoryActuator[hardware.RGB]
	ledRes *resource.Resource
	illRes *resource.Resource
}

func (s *ClientTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = testutils.NewManualClock()

	cfg := config.DefaultConfig().MQTT
	cfg.Address = "127.0.0.1:0"
	broker, err := mqtt.New(cfg, mqtt.WithLogger(testutils.QuietLogger()))
	s.Require().NoError(err)
	s.Require().NoError(broker.Start())
	s.broker = broker

	s.led = hardware.NewMemoryActuator(hardware.Off)
	led, err := devices.NewRGBLED(s.ctx, devices.Settings{Path: "/a/rgbled", Interval: 200 * time.Millisecond}, s.led)
	s.Require().NoError(err)
	s.ledRes, err = resource.Register(s.ctx, led, broker, resource.WithClock(s.clock))
	s.Require().NoError(err)

	ill := devices.NewIlluminance(devices.Settings{Path: "/a/illuminance", Interval: 2 * time.Second}, hardware.NewDriftSampler(0, 0.1), 0)
	s.illRes, err = resource.Register(s.ctx, ill, broker, resource.WithClock(s.clock))
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	s.client, err = Dial(ctx, Options{Broker: "mqtt://" + broker.Addr(), ClientID: "client-test"})
	s.Require().NoError(err)
}

func (s *ClientTestSuite) TearDownTest() {
	_ = s.client.Close()
	_ = s.ledRes.Unregister(s.ctx)
	_ = s.illRes.Unregister(s.ctx)
	s.NoError(s.broker.Close())
}

func (s *ClientTestSuite) timeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, 5*time.Second)
}

func (s *ClientTestSuite) TestDiscover() {
	ctx, cancel := s.timeout()
	defer cancel()

	links, err := s.client.Discover(ctx)
	s.Require().NoError(err)
	s.Require().Len(links, 2)
	s.Equal("/a/illuminance", links[0].Href)
	s.Equal([]string{devices.IlluminanceType}, links[0].Types)
	s.True(links[0].Observable)
	s.Equal("/a/rgbled", links[1].Href)
}

func (s *ClientTestSuite) TestGet() {
	ctx, cancel := s.timeout()
	defer cancel()

	p, err := s.client.Get(ctx, "/a/illuminance")
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).AssertPayload(p,
		`{"rt":"oic.r.sensor.illuminance","id":"illuminance","illuminance":0.1}`)

	s.Equal(0, s.illRes.Snapshot().Observers, "a retrieve MUST NOT observe")
}

func (s *ClientTestSuite) TestUpdate() {
	ctx, cancel := s.timeout()
	defer cancel()

	s.Run("actuates", func() {
		p, err := s.client.Update(ctx, "/a/rgbled", resource.PayloadOf("rgbValue", "1,2,3"))
		s.Require().NoError(err)
		v, _ := p.String("rgbValue")
		s.Equal("1,2,3", v)
		s.Equal([]hardware.RGB{{R: 1, G: 2, B: 3}}, s.led.Writes())
	})

	s.Run("out of range keeps the colour", func() {
		p, err := s.client.Update(ctx, "/a/rgbled", resource.PayloadOf("rgbValue", "256,0,0"))
		s.Require().NoError(err)
		v, _ := p.String("rgbValue")
		s.Equal("1,2,3", v)
	})

	s.Run("read-only resource", func() {
		_, err := s.client.Update(ctx, "/a/illuminance", resource.PayloadOf("illuminance", 5.0))
		s.ErrorIs(err, ErrRequestFailed)
		s.ErrorIs(err, resource.ErrUnsupported)
	})
}

func (s *ClientTestSuite) TestObserve() {
	// GOAL: subscribing observes the resource and every push reaches the callback
	//
	// TEST SCENARIO: observe → retained state → observer counted → tick pushes 0.2 →
	// callback stops → unsubscribe releases the observer
	ctx, cancel := s.timeout()
	defer cancel()

	got := make(chan *resource.Payload, 4)
	done := make(chan error, 1)
	go func() {
		n := 0
		done <- s.client.Observe(ctx, "/a/illuminance", func(p *resource.Payload) bool {
			got <- p
			n++
			return n < 2
		})
	}()

	next := func() *resource.Payload {
		select {
		case p := <-got:
			return p
		case <-ctx.Done():
			s.FailNow("no payload")
			return nil
		}
	}

	first := next()
	v, _ := first.Float("illuminance")
	s.Zero(v, "the retained registration state MUST arrive first")

	s.Eventually(func() bool { return s.illRes.Snapshot().Observers == 1 },
		5*time.Second, 10*time.Millisecond, "the subscription MUST observe the resource")

	s.Equal(1, s.clock.Advance(2*time.Second))
	v, _ = next().Float("illuminance")
	s.Equal(0.2, v)

	s.Require().NoError(<-done)
	s.Eventually(func() bool { return s.illRes.Snapshot().Observers == 0 },
		5*time.Second, 10*time.Millisecond, "unsubscribing MUST release the observer")
	s.Equal(resource.Idle, s.illRes.Snapshot().Scheduler)
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func TestDial_BadURL(t *testing.T) {
	_, err := Dial(context.Background(), Options{Broker: "://nope"})
	if err == nil {
		t.Fatal("a malformed broker URL MUST fail")
	}
}
