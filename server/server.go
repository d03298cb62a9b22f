// Package server implements the Server side of the duplex binding: it owns
// a listening socket (stream or WebSocket), accepts connections, mints a
// Client per accepted socket with role Service, tracks the live set, and
// dispatches connect/ready/disconnect to the registered Service and any
// Extension adapters (spec §4.8).
package server

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"duplexrpc/client"
	"duplexrpc/commander"
	"duplexrpc/middleware"
	"duplexrpc/payload"
	"duplexrpc/registry"
	"duplexrpc/transport"
	"duplexrpc/validator"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Service is the lifecycle interface the embedding process implements to
// learn about connection events. Any, all, or none of the methods may be a
// no-op; a nil Service is valid (events are simply not dispatched to one).
type Service interface {
	OnConnect(c *client.Client)
	OnReady(c *client.Client)
	OnDisconnect(c *client.Client, reason commander.DisconnectReason)
}

// Extension has the same shape as Service; the Server runs two ordered
// lists of them, one before the Service callback and one after (spec
// §4.8), mirroring the teacher's Server.Use(middleware.Middleware)
// registration pattern.
type Extension interface {
	OnConnect(c *client.Client)
	OnReady(c *client.Client)
	OnDisconnect(c *client.Client, reason commander.DisconnectReason)
}

// Config bundles the per-connection engine parameters every accepted Client
// shares.
type Config struct {
	Serializer     payload.Serializer
	Validator      validator.Validator
	PulseInterval  time.Duration
	PulseLimit     int
	RequestTimeout time.Duration
	Log            *zap.SugaredLogger
}

// Server is the RPC server: it registers business services, accepts
// connections of the configured transport, and dispatches lifecycle events.
type Server struct {
	cfg Config
	log *zap.SugaredLogger

	mu           sync.Mutex
	handlerTable map[string]commander.Task // name -> unwrapped Task, built by Register
	wrapped      map[string]commander.Task // name -> middleware-wrapped Task, built once at Serve
	middlewares  []middleware.Middleware
	rcvr         any // last registered receiver, passed through as a Task's opaque "service" arg

	extBefore []Extension
	extAfter  []Extension
	service   Service

	clients *transport.ClientSet

	listener      net.Listener
	upgrader      websocket.Upgrader
	shutdown      atomic.Bool
	wg            sync.WaitGroup
	registry      registry.Registry
	advertiseAddr string
}

// NewServer constructs an empty Server.
func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		cfg:          cfg,
		log:          log,
		handlerTable: make(map[string]commander.Task),
		clients:      transport.NewClientSet(),
		upgrader:     websocket.Upgrader{},
	}
}

// Register scans rcvr's exported methods (the teacher's reflection-based
// convention: func (receiver) Method(args, reply *T) error) and adds one
// Task per method to the handler table, keyed "ReceiverName.Method".
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, task := range svc.tasks() {
		s.handlerTable[name] = task
	}
	s.rcvr = rcvr
	return nil
}

// RegisterTask adds a single Task directly, for handlers that don't fit the
// reflection convention.
func (s *Server) RegisterTask(name string, task commander.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerTable[name] = task
}

// Use registers a middleware, applied to every registered Task in the order
// added (outermost first), built once at Serve rather than per request.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// UseExtensionBefore appends ext to the list run before the Service
// callback on every lifecycle event.
func (s *Server) UseExtensionBefore(ext Extension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extBefore = append(s.extBefore, ext)
}

// UseExtensionAfter appends ext to the list run after the Service callback.
func (s *Server) UseExtensionAfter(ext Extension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extAfter = append(s.extAfter, ext)
}

// SetService installs the Service lifecycle implementation.
func (s *Server) SetService(svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.service = svc
}

// Addr reports the listener's bound address. Only valid once Serve has
// begun listening (e.g. after the goroutine running Serve has started).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MetricsHandler exposes the Prometheus counters the Pulse and Commander
// maintain (pulses fired, kicks sent, requests timed out). Ambient
// observability only; mounting it is entirely the embedder's choice.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (s *Server) buildWrappedTable() map[string]commander.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := middleware.Chain(s.middlewares...)
	wrapped := make(map[string]commander.Task, len(s.handlerTable))
	for name, task := range s.handlerTable {
		wrapped[name] = commander.Task(chain(middleware.HandlerFunc(task)))
	}
	return wrapped
}

// Serve listens on the given stream address (network is "tcp", "tcp4",
// "unix", ...), optionally registers with a service registry under
// advertiseAddr, and runs the accept loop until Stop is called.
func (s *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	wrapped := s.buildWrappedTable()
	s.mu.Lock()
	s.listener = listener
	s.wrapped = wrapped
	s.mu.Unlock()

	s.advertiseAddr = advertiseAddr
	if reg != nil {
		s.registry = reg
		s.mu.Lock()
		names := make([]string, 0, len(s.handlerTable))
		for name := range s.handlerTable {
			names = append(names, name)
		}
		s.mu.Unlock()
		for _, name := range names {
			if err := s.registry.Register(name, registry.ServiceInstance{Addr: advertiseAddr}, 10); err != nil {
				s.log.Warnw("server: registry registration failed", "name", name, "error", err)
			}
		}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptStream(conn)
		}()
	}
}

// ServeWS returns an http.Handler that upgrades each request to a
// WebSocket and mints a Client from it, for embedding into the process's
// own HTTP mux. Transport choice is fixed at process start (spec §6): an
// operator mounts either this or calls Serve, not both for the same logical
// service.
func (s *Server) ServeWS() http.Handler {
	s.mu.Lock()
	if s.wrapped == nil {
		s.wrapped = s.buildWrappedTable()
	}
	s.mu.Unlock()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warnw("server: websocket upgrade failed", "error", err)
			return
		}
		s.acceptWS(conn)
	})
}

func (s *Server) acceptStream(conn net.Conn) {
	var c *client.Client
	cfg := client.Config{
		Serializer:     s.cfg.Serializer,
		Validator:      s.cfg.Validator,
		PulseInterval:  s.cfg.PulseInterval,
		PulseLimit:     s.cfg.PulseLimit,
		RequestTimeout: s.cfg.RequestTimeout,
		Log:            s.log,
		Hooks: commander.Hooks{
			OnReady:      func() { s.dispatchReady(c) },
			OnDisconnect: func(reason commander.DisconnectReason) { s.dispatchDisconnect(c, reason) },
		},
	}
	c = client.NewFromStream(conn, commander.Service, cfg, s.wrapped, s.rcvr)
	s.clients.Add(c.ID, c)
	s.dispatchConnect(c)
}

func (s *Server) acceptWS(conn *websocket.Conn) {
	var c *client.Client
	cfg := client.Config{
		Serializer:     s.cfg.Serializer,
		Validator:      s.cfg.Validator,
		PulseInterval:  s.cfg.PulseInterval,
		PulseLimit:     s.cfg.PulseLimit,
		RequestTimeout: s.cfg.RequestTimeout,
		Log:            s.log,
		Hooks: commander.Hooks{
			OnReady:      func() { s.dispatchReady(c) },
			OnDisconnect: func(reason commander.DisconnectReason) { s.dispatchDisconnect(c, reason) },
		},
	}
	c = client.NewFromWS(conn, commander.Service, cfg, s.wrapped, s.rcvr)
	s.clients.Add(c.ID, c)
	s.dispatchConnect(c)
}

func (s *Server) dispatchConnect(c *client.Client) {
	for _, ext := range s.extBefore {
		ext.OnConnect(c)
	}
	if s.service != nil {
		s.service.OnConnect(c)
	}
	for _, ext := range s.extAfter {
		ext.OnConnect(c)
	}
}

func (s *Server) dispatchReady(c *client.Client) {
	for _, ext := range s.extBefore {
		ext.OnReady(c)
	}
	if s.service != nil {
		s.service.OnReady(c)
	}
	for _, ext := range s.extAfter {
		ext.OnReady(c)
	}
}

func (s *Server) dispatchDisconnect(c *client.Client, reason commander.DisconnectReason) {
	s.clients.Remove(c.ID)
	for _, ext := range s.extBefore {
		ext.OnDisconnect(c, reason)
	}
	if s.service != nil {
		s.service.OnDisconnect(c, reason)
	}
	for _, ext := range s.extAfter {
		ext.OnDisconnect(c, reason)
	}
}

// Stop broadcasts Kick(ServerDown) to every live client, closes the
// listener, and drains the live set (spec §4.8).
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.handlerTable))
	for name := range s.handlerTable {
		names = append(names, name)
	}
	s.mu.Unlock()

	if s.registry != nil {
		for _, name := range names {
			if err := s.registry.Deregister(name, s.advertiseAddr); err != nil {
				s.log.Warnw("server: registry deregistration failed", "name", name, "error", err)
			}
		}
	}

	s.shutdown.Store(true)
	s.clients.Range(func(id string, v any) {
		if c, ok := v.(*client.Client); ok {
			c.Kick(commander.ServerDown)
		}
	})
	s.clients.Drain()

	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("duplexrpc: timeout waiting for connections to finish")
	}
}
