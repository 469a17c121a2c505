package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/ocfd/internal/config"
	"github.com/srg/ocfd/internal/devices"
	"github.com/srg/ocfd/internal/resource"
	"github.com/srg/ocfd/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// offlineConfig simulates every device and serves only in-process.
func offlineConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Simulate = true
	cfg.MQTT.Enabled = false
	cfg.HTTP.Enabled = false
	cfg.GATT.Enabled = false
	cfg.Homie.Enabled = false
	return cfg
}

type ServerTestSuite struct {
	suite.Suite
	ctx    context.Context
	clock  *testutils.ManualClock
	helper *testutils.TestHelper
}

func (s *ServerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = testutils.NewManualClock()
	s.helper = testutils.NewTestHelper(s.T())
}

func (s *ServerTestSuite) newServer(cfg *config.Config, opts ...Option) *Server {
	opts = append([]Option{WithLogger(s.helper.Logger), WithClock(s.clock)}, opts...)
	return New(cfg, opts...)
}

func (s *ServerTestSuite) TestStart() {
	srv := s.newServer(offlineConfig())
	s.Require().NoError(srv.Start(s.ctx))
	defer srv.Shutdown(s.ctx)

	var paths []string
	for _, r := range srv.Resources() {
		paths = append(paths, r.Path())
	}
	s.Equal([]string{"/a/button", "/a/illuminance", "/a/rgbled"}, paths)
	s.Equal(paths, srv.Loopback().Paths())

	r, ok := srv.Resource("/a/rgbled")
	s.Require().True(ok)
	s.Equal(devices.RGBLEDType, r.Info().ResourceType)

	_, ok = srv.Resource("/a/nothing")
	s.False(ok)
}

func (s *ServerTestSuite) TestObserveEndToEnd() {
	// GOAL: an observer drives the whole lifecycle through the server
	//
	// TEST SCENARIO: observe illuminance → first notification 0.1 → tick → 0.2 →
	// cancel → scheduler idle, further time produces no pushes
	srv := s.newServer(offlineConfig(), WithDevices(devices.KindIlluminance))
	s.Require().NoError(srv.Start(s.ctx))
	defer srv.Shutdown(s.ctx)

	obs, err := srv.Loopback().Observe(s.ctx, "/a/illuminance")
	s.Require().NoError(err)

	next := func() *resource.Payload {
		select {
		case p := <-obs.C():
			return p
		case <-time.After(time.Second):
			s.FailNow("no notification")
			return nil
		}
	}

	testutils.NewJSONAsserter(s.T()).AssertPayload(next(),
		`{"rt":"oic.r.sensor.illuminance","id":"illuminance","illuminance":0.1}`)

	s.Equal(1, s.clock.Advance(2*time.Second))
	testutils.NewJSONAsserter(s.T()).AssertPayload(next(),
		`{"rt":"oic.r.sensor.illuminance","id":"illuminance","illuminance":0.2}`)

	s.Require().NoError(obs.Cancel(s.ctx))

	r, _ := srv.Resource("/a/illuminance")
	s.Equal(resource.Idle, r.Snapshot().Scheduler)
	s.Equal(0, r.Snapshot().Observers)
	s.Zero(s.clock.Advance(10*time.Second), "a resource nobody observes MUST NOT poll")
}

func (s *ServerTestSuite) TestUpdateThroughLoopback() {
	srv := s.newServer(offlineConfig(), WithDevices(devices.KindRGBLED))
	s.Require().NoError(srv.Start(s.ctx))
	defer srv.Shutdown(s.ctx)

	p, err := srv.Loopback().Update(s.ctx, "/a/rgbled", resource.PayloadOf("rgbValue", "10,20,30"))
	s.Require().NoError(err)

	v, _ := p.String("rgbValue")
	s.Equal("10,20,30", v)
}

func (s *ServerTestSuite) TestRegistrationFailureIsSkipped() {
	cfg := offlineConfig()
	cfg.Devices.RGBLED.Path = cfg.Devices.Button.Path

	srv := s.newServer(cfg)
	s.Require().NoError(srv.Start(s.ctx))
	defer srv.Shutdown(s.ctx)

	s.Len(srv.Resources(), 2, "the clashing resource MUST be skipped")
	s.Contains(s.helper.Messages(logrus.ErrorLevel), "Resource registration failed, skipping")
}

func (s *ServerTestSuite) TestNoResources() {
	cfg := offlineConfig()
	cfg.Devices.Button.Enabled = false
	cfg.Devices.RGBLED.Enabled = false
	cfg.Devices.Illuminance.Enabled = false

	err := s.newServer(cfg).Start(s.ctx)
	s.ErrorIs(err, ErrNoResources)
}

func (s *ServerTestSuite) TestRunShutsDown() {
	srv := s.newServer(offlineConfig())
	s.Require().NoError(srv.Start(s.ctx))

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.FailNow("Run did not return")
	}

	s.Empty(srv.Resources())
	s.Empty(srv.Loopback().Paths(), "every resource MUST be withdrawn")
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func freePort(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServer_HTTPTransport(t *testing.T) {
	cfg := offlineConfig()
	cfg.HTTP.Enabled = true
	cfg.HTTP.Address = freePort(t)

	srv := New(cfg, WithLogger(testutils.QuietLogger()), WithDevices(devices.KindIlluminance))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://" + cfg.HTTP.Address + "/a/illuminance")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"rt":"oic.r.sensor.illuminance"`)

	mresp, err := http.Get("http://" + cfg.HTTP.Address + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	mbody, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(mbody), `ocfd_requests_total{transport="http",type="retrieve"} 1`)

	presp, err := http.Get("http://" + cfg.HTTP.Address + "/oic/p")
	require.NoError(t, err)
	defer presp.Body.Close()
	pbody, err := io.ReadAll(presp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, presp.StatusCode)
	assert.JSONEq(t, `{"n":"Smart Home Sensors","mnmn":"Intel","mnpv":"1.1.0","mnfv":"0.0.1"}`, string(pbody),
		"the platform document MUST carry the configured platform")
}
