// Package server wires the configured devices to the configured transports.
//
// Every resource is registered once on a fan-out of all transports, so an
// observer on any of them keeps the resource armed. An in-process loopback
// transport is always part of the fan-out.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/ocfd/internal/config"
	"github.com/srg/ocfd/internal/devices"
	"github.com/srg/ocfd/internal/groutine"
	"github.com/srg/ocfd/internal/metrics"
	"github.com/srg/ocfd/internal/resource"
	"github.com/srg/ocfd/internal/transport/fanout"
	"github.com/srg/ocfd/internal/transport/gatt"
	"github.com/srg/ocfd/internal/transport/homie"
	"github.com/srg/ocfd/internal/transport/httpapi"
	"github.com/srg/ocfd/internal/transport/loopback"
	"github.com/srg/ocfd/internal/transport/mqtt"
)

// DefaultGrace bounds shutdown once Run's context is cancelled.
const DefaultGrace = time.Second

// ErrNoResources is returned by Start when no device could be registered.
var ErrNoResources = errors.New("no resource could be registered")

type Option func(*Server)

func WithLogger(l *logrus.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock drives every scheduler from c.
func WithClock(c resource.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithDevices limits Start to the listed device kinds.
func WithDevices(kinds ...devices.Kind) Option {
	return func(s *Server) { s.only = kinds }
}

// WithGrace bounds how long Run waits for shutdown.
func WithGrace(d time.Duration) Option {
	return func(s *Server) { s.grace = d }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// Server owns the registered resources and the transports serving them.
type Server struct {
	cfg     *config.Config
	logger  *logrus.Logger
	clock   resource.Clock
	metrics *metrics.Collector
	only    []devices.Kind
	grace   time.Duration

	resources *hashmap.Map[string, *resource.Resource]
	loopback  *loopback.Transport
	fan       *fanout.Transport
	closers   []closer
}

type closer struct {
	name  string
	close func(ctx context.Context) error
}

func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		grace:     DefaultGrace,
		resources: hashmap.New[string, *resource.Resource](),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetOutput(io.Discard)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.loopback = loopback.New(loopback.WithLogger(s.logger), loopback.WithRequestCounter(s.metrics))
	return s
}

// Start brings up the transports, opens the devices and registers them. A
// device that fails to register is logged and skipped.
func (s *Server) Start(ctx context.Context) error {
	members, err := s.startTransports()
	if err != nil {
		s.stopTransports(ctx)
		return err
	}
	s.fan = fanout.New(members...)

	devs, err := devices.Open(ctx, s.cfg, s.logger, s.only...)
	if err != nil {
		s.stopTransports(ctx)
		return fmt.Errorf("open devices: %w", err)
	}

	opts := []resource.Option{
		resource.WithLogger(s.logger),
		resource.WithMetrics(s.metrics),
	}
	if s.clock != nil {
		opts = append(opts, resource.WithClock(s.clock))
	}

	for _, dev := range devs {
		r, err := resource.Register(ctx, dev, s.fan, opts...)
		if err != nil {
			s.logger.WithError(err).WithField("path", dev.Info().Path).Error("Resource registration failed, skipping")
			_ = dev.Close(ctx)
			continue
		}
		s.resources.Set(r.Path(), r)
	}

	if s.resources.Len() == 0 {
		s.stopTransports(ctx)
		return ErrNoResources
	}

	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
	}
	s.logger.WithFields(logrus.Fields{
		"resources":  s.resources.Len(),
		"transports": names,
	}).Info("Server started")
	return nil
}

func (s *Server) startTransports() ([]fanout.Named, error) {
	members := []fanout.Named{{Name: loopback.Name, Transport: s.loopback}}

	if s.cfg.MQTT.Enabled {
		t, err := mqtt.New(s.cfg.MQTT,
			mqtt.WithLogger(s.logger),
			mqtt.WithRequestCounter(s.metrics),
			mqtt.WithPlatform(s.platform()),
		)
		if err != nil {
			return members, err
		}
		if err := t.Start(); err != nil {
			_ = t.Close()
			return members, err
		}
		s.closers = append(s.closers, closer{mqtt.Name, func(context.Context) error { return t.Close() }})
		members = append(members, fanout.Named{Name: mqtt.Name, Transport: t})
	}

	if s.cfg.HTTP.Enabled {
		opts := []httpapi.Option{
			httpapi.WithLogger(s.logger),
			httpapi.WithRequestCounter(s.metrics),
			httpapi.WithPlatform(s.platform()),
		}
		if s.cfg.HTTP.Metrics {
			opts = append(opts, httpapi.WithMetricsHandler(s.metrics.Handler()))
		}
		t := httpapi.New(s.cfg.HTTP.Address, opts...)
		if err := t.Start(); err != nil {
			return members, err
		}
		s.closers = append(s.closers, closer{httpapi.Name, t.Close})
		members = append(members, fanout.Named{Name: httpapi.Name, Transport: t})
	}

	if s.cfg.GATT.Enabled {
		t := gatt.New(s.cfg.GATT.LocalName, gatt.WithLogger(s.logger), gatt.WithRequestCounter(s.metrics))
		if err := t.Start(); err != nil {
			return members, err
		}
		s.closers = append(s.closers, closer{gatt.Name, func(context.Context) error { return t.Close() }})
		members = append(members, fanout.Named{Name: gatt.Name, Transport: t})
	}

	if s.cfg.Homie.Enabled {
		t := homie.New(s.cfg.Homie, s.cfg.Platform.Name, homie.WithLogger(s.logger), homie.WithRequestCounter(s.metrics))
		if err := t.Start(); err != nil {
			return members, err
		}
		s.closers = append(s.closers, closer{homie.Name, func(context.Context) error { return t.Close() }})
		members = append(members, fanout.Named{Name: homie.Name, Transport: t})
	}

	return members, nil
}

func (s *Server) platform() resource.Platform {
	p := s.cfg.Platform
	return resource.Platform{
		Name:            p.Name,
		Manufacturer:    p.Manufacturer,
		PlatformVersion: p.PlatformVersion,
		FirmwareVersion: p.FirmwareVersion,
	}
}

// stopTransports closes transports in reverse start order.
func (s *Server) stopTransports(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(ctx); err != nil {
			s.logger.WithError(err).WithField("transport", c.name).Warn("Transport close failed")
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Resource returns the resource registered at path.
func (s *Server) Resource(path string) (*resource.Resource, bool) {
	return s.resources.Get(path)
}

// Resources returns the registered resources ordered by path.
func (s *Server) Resources() []*resource.Resource {
	out := make([]*resource.Resource, 0, s.resources.Len())
	s.resources.Range(func(_ string, r *resource.Resource) bool {
		out = append(out, r)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out
}

// Loopback is the in-process transport every resource is registered on.
func (s *Server) Loopback() *loopback.Transport { return s.loopback }

// Metrics returns the collector the resources report to.
func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Run blocks until ctx is cancelled, then shuts down within the grace period.
func (s *Server) Run(ctx context.Context) error {
	<-ctx.Done()
	s.logger.Info("Shutting down...")

	sctx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	done := make(chan error, 1)
	groutine.Go(context.Background(), "server-shutdown", func(context.Context) { done <- s.Shutdown(sctx) })

	select {
	case err := <-done:
		return err
	case <-sctx.Done():
		s.logger.WithField("grace", s.grace).Warn("Shutdown did not finish in time")
		return fmt.Errorf("shutdown: %w", sctx.Err())
	}
}

// Shutdown unregisters every resource, which disarms it, withdraws it from
// the transports and releases its device, then stops the transports.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	for _, r := range s.Resources() {
		if err := r.Unregister(ctx); err != nil {
			s.logger.WithError(err).WithField("path", r.Path()).Warn("Unregister failed")
			errs = append(errs, err)
		}
		s.resources.Del(r.Path())
	}
	if err := s.stopTransports(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
