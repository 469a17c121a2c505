// Package httpapi serves resources over HTTP.
//
//	GET  <path>             retrieve
//	POST <path>, PUT <path> update with a JSON body
//	GET  <path>?observe=1   websocket: observe response, then one text
//	                        frame per notification until either side closes
//	GET  /oic/res           discovery
//	GET  /oic/p             platform document, when configured
//	GET  /metrics           Prometheus exposition
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/srg/ocfd/internal/groutine"
	"github.com/srg/ocfd/internal/metrics"
	"github.com/srg/ocfd/internal/resource"
	"github.com/srg/ocfd/internal/transport/observe"
)

// Name identifies this transport in logs and metrics.
const Name = "http"

const (
	// DiscoveryPath lists discoverable resources.
	DiscoveryPath = "/oic/res"
	// PlatformPath describes the hosting device.
	PlatformPath = "/oic/p"
)

const (
	writeWait  = 5 * time.Second
	maxBodyLen = 4096
)

type Option func(*Transport)

func WithLogger(l *logrus.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

func WithRequestCounter(rc metrics.RequestCounter) Option {
	return func(t *Transport) { t.requests = rc }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(t *Transport) { t.metricsHandler = h }
}

// WithPlatform serves p on PlatformPath.
func WithPlatform(p resource.Platform) Option {
	return func(t *Transport) { t.platform = &p }
}

// WithQueueSize sets the per-websocket notification buffer.
func WithQueueSize(n int) Option {
	return func(t *Transport) { t.queueSize = n }
}

// Transport is an echo server routing every path to the registered resource.
type Transport struct {
	addr           string
	echo           *echo.Echo
	upgrader       websocket.Upgrader
	logger         *logrus.Logger
	requests       metrics.RequestCounter
	metricsHandler http.Handler
	queueSize      int
	platform       *resource.Platform

	entries *hashmap.Map[string, *entry]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ resource.Transport = (*Transport)(nil)

type entry struct {
	desc      resource.Descriptor
	handler   resource.Handler
	observers *observe.Set
}

func (e *entry) Path() string { return e.desc.Path }

func New(addr string, opts ...Option) *Transport {
	t := &Transport{
		addr:    addr,
		entries: hashmap.New[string, *entry](),
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = logrus.New()
		t.logger.SetOutput(io.Discard)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			t.logger.WithFields(logrus.Fields{
				"method": v.Method,
				"uri":    v.URI,
				"status": v.Status,
			}).Debug("HTTP request")
			return nil
		},
	}))
	e.HTTPErrorHandler = t.errorHandler

	if t.metricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(t.metricsHandler))
	}
	e.GET(DiscoveryPath, t.discovery)
	if t.platform != nil {
		e.GET(PlatformPath, func(c echo.Context) error {
			return c.JSON(http.StatusOK, t.platform)
		})
	}
	e.GET("/*", t.get)
	e.POST("/*", t.update)
	e.PUT("/*", t.update)

	t.echo = e
	return t
}

// Start listens on the configured address and serves in the background.
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", t.addr, err)
	}
	t.echo.Listener = ln

	groutine.GoSafe(t.ctx, t.logger, &t.wg, "http-serve", func(context.Context) {
		if err := t.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.WithError(err).Error("HTTP server stopped")
		}
	})

	t.logger.WithField("address", ln.Addr().String()).Info("HTTP server started")
	return nil
}

// Addr returns the listening address once started.
func (t *Transport) Addr() string {
	if t.echo.Listener == nil {
		return t.addr
	}
	return t.echo.Listener.Addr().String()
}

// Handler exposes the router, for tests and embedding.
func (t *Transport) Handler() http.Handler { return t.echo }

// Close shuts the server down, ending every websocket.
func (t *Transport) Close(ctx context.Context) error {
	t.cancel()

	t.entries.Range(func(_ string, e *entry) bool {
		e.observers.Close()
		return true
	})

	var err error
	if t.echo.Listener != nil {
		err = t.echo.Shutdown(ctx)
	}
	t.wg.Wait()
	return err
}

func (t *Transport) Register(_ context.Context, desc resource.Descriptor, h resource.Handler) (resource.Handle, error) {
	e := &entry{desc: desc, handler: h, observers: observe.NewSet(t.queueSize)}
	if !t.entries.Insert(desc.Path, e) {
		return nil, fmt.Errorf("%w: %s", resource.ErrDuplicatePath, desc.Path)
	}
	return e, nil
}

func (t *Transport) Unregister(_ context.Context, h resource.Handle) error {
	e, ok := h.(*entry)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	t.entries.Del(e.desc.Path)
	e.observers.Close()
	return nil
}

// Push queues payload on every open websocket of the resource.
func (t *Transport) Push(_ context.Context, h resource.Handle, payload *resource.Payload) error {
	e, ok := h.(*entry)
	if !ok {
		return resource.DeliveryFailed(fmt.Errorf("foreign handle %T", h))
	}
	members, dropped := e.observers.Publish(payload)
	if members == 0 {
		return resource.ErrNoObserversRemain
	}
	if dropped > 0 {
		t.logger.WithFields(logrus.Fields{
			"path":    e.desc.Path,
			"dropped": dropped,
		}).Debug("Slow websocket, dropped oldest notification")
	}
	return nil
}

func (t *Transport) lookup(path string) (*entry, error) {
	e, ok := t.entries.Get(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", resource.ErrNotFound, path)
	}
	return e, nil
}

type link struct {
	Href       string   `json:"href"`
	Types      []string `json:"rt"`
	Interfaces []string `json:"if"`
	Observable bool     `json:"obs"`
}

func (t *Transport) discovery(c echo.Context) error {
	links := make([]link, 0, t.entries.Len())
	t.entries.Range(func(_ string, e *entry) bool {
		if e.desc.Discoverable {
			links = append(links, link{
				Href:       e.desc.Path,
				Types:      e.desc.ResourceTypes,
				Interfaces: e.desc.Interfaces,
				Observable: e.desc.Observable,
			})
		}
		return true
	})

	sort.Slice(links, func(i, j int) bool { return links[i].Href < links[j].Href })
	return c.JSON(http.StatusOK, links)
}

func (t *Transport) get(c echo.Context) error {
	e, err := t.lookup(c.Request().URL.Path)
	if err != nil {
		return err
	}
	if c.QueryParam("observe") == "1" || websocket.IsWebSocketUpgrade(c.Request()) {
		return t.observe(c, e)
	}

	metrics.Count(t.requests, Name, resource.Retrieve)
	p, err := e.handler.Handle(c.Request().Context(), resource.Request{Type: resource.Retrieve})
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, p.MustJSON())
}

func (t *Transport) update(c echo.Context) error {
	e, err := t.lookup(c.Request().URL.Path)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyLen))
	if err != nil {
		return fmt.Errorf("%w: %v", resource.ErrBadRequest, err)
	}
	req, err := resource.DecodePayload(body)
	if err != nil {
		return err
	}

	metrics.Count(t.requests, Name, resource.Update)
	p, err := e.handler.Handle(c.Request().Context(), resource.Request{Type: resource.Update, Payload: req})
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, p.MustJSON())
}

// observe upgrades to a websocket. A reader goroutine watches for the peer
// closing; this goroutine writes queued payloads until the queue closes.
func (t *Transport) observe(c echo.Context, e *entry) error {
	conn, err := t.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already replied
		return nil
	}
	defer conn.Close()

	member := e.observers.Join()
	metrics.Count(t.requests, Name, resource.ObserveStart)
	resp, err := e.handler.Handle(t.ctx, resource.Request{Type: resource.ObserveStart})
	if err != nil {
		e.observers.Leave(member)
		t.closeWith(conn, websocket.CloseInternalServerErr, err.Error())
		return nil
	}
	e.observers.Ready(member, resp)

	log := t.logger.WithFields(logrus.Fields{
		"path":   e.desc.Path,
		"remote": c.RealIP(),
	})
	log.Debug("Websocket observer attached")

	// A member already removed by Unregister or Close needs no observe-stop.
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			if !e.observers.Leave(member) {
				return
			}
			metrics.Count(t.requests, Name, resource.ObserveStop)
			if _, err := e.handler.Handle(context.Background(), resource.Request{Type: resource.ObserveStop}); err != nil {
				log.WithError(err).Debug("Observe stop failed")
			}
		})
	}

	groutine.GoSafe(t.ctx, t.logger, &t.wg, "http-ws-reader", func(context.Context) {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				stop()
				return
			}
		}
	})

	for p := range member.C() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, p.MustJSON()); err != nil {
			log.WithError(err).Debug("Websocket write failed")
			break
		}
	}
	stop()

	t.closeWith(conn, websocket.CloseNormalClosure, "")
	log.Debug("Websocket observer detached")
	return nil
}

func (t *Transport) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// StatusOf maps a request error to an HTTP status.
func StatusOf(err error) int {
	var he *echo.HTTPError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, resource.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, resource.ErrNotFound), errors.Is(err, resource.ErrUnregistered):
		return http.StatusNotFound
	case errors.Is(err, resource.ErrUnsupported):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

func (t *Transport) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := StatusOf(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = fmt.Sprint(he.Message)
	}
	if status >= http.StatusInternalServerError {
		t.logger.WithError(err).WithField("uri", c.Request().RequestURI).Warn("HTTP request failed")
	}
	_ = c.JSON(status, map[string]string{"error": msg})
}
