// Package client implements the duplex Client: a thin wrapper around one
// (Connection, Commander, Logger) triple, plus Dial-style constructors for
// the Bot role over either a stream socket or WebSocket, with optional
// registry+load-balanced address discovery ahead of the dial.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"duplexrpc/block"
	"duplexrpc/commander"
	"duplexrpc/loadbalance"
	"duplexrpc/payload"
	"duplexrpc/registry"
	"duplexrpc/transport"
	"duplexrpc/validator"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is a thin wrapper around one (Connection, Commander, Logger)
// triple (spec §4.8). It exposes the Commander's outbound API plus Destroy,
// and carries the random connection identity used for logging.
type Client struct {
	ID  string
	cmd *commander.Commander
	t   transportHandle
	log *zap.SugaredLogger
}

type transportHandle interface {
	Destroy()
}

// newConnID mints the fixed-length (10) random alphanumeric connection
// identity, base36-encoded from a UUID (grounded on neo-go's uuid.New()
// usage pattern — see SPEC_FULL.md §3). It is used for logs only, never
// put on the wire.
func newConnID() string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	s := n.Text(36)
	if len(s) < 10 {
		s = s + "0000000000"
	}
	return s[:10]
}

// Config bundles the per-connection parameters shared by both Dial
// constructors and the Server's own accept path (see server.Config, which
// declares the overlapping fields itself).
type Config struct {
	Serializer     payload.Serializer
	Validator      validator.Validator
	PulseInterval  time.Duration
	PulseLimit     int
	RequestTimeout time.Duration
	HandshakeBody  []byte
	Hooks          commander.Hooks
	Log            *zap.SugaredLogger
}

func (cfg Config) commanderConfig(role commander.Role, handlerTable map[string]commander.Task, service any) commander.Config {
	return commander.Config{
		Role:           role,
		Serializer:     cfg.Serializer,
		Validator:      cfg.Validator,
		PulseInterval:  cfg.PulseInterval,
		PulseLimit:     cfg.PulseLimit,
		RequestTimeout: cfg.RequestTimeout,
		HandlerTable:   handlerTable,
		Service:        service,
		Hooks:          cfg.Hooks,
		Log:            cfg.Log,
	}
}

// NewFromStream wires an already-established net.Conn into a Commander of
// the given role, resolving the Transport/Commander construction cycle via
// a not-yet-assigned *Commander variable that the transport's callbacks
// close over — Start only touches it after construction completes. Used
// directly by package server for accepted connections (role Service), and
// by DialStream for outbound ones (role Bot).
func NewFromStream(conn net.Conn, role commander.Role, cfg Config, handlerTable map[string]commander.Task, service any) *Client {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	id := newConnID()

	var cmd *commander.Commander
	st := transport.NewStreamTransport(conn,
		func(t block.Type, body []byte) { cmd.InboundFrame(t, body) },
		func() { cmd.TransportClosed() },
		log)
	cmd = commander.New(st, cfg.commanderConfig(role, handlerTable, service))
	st.Start()
	cmd.Start(cfg.HandshakeBody)

	return &Client{ID: id, cmd: cmd, t: st, log: log}
}

// NewFromWS is NewFromStream over a *websocket.Conn.
func NewFromWS(conn *websocket.Conn, role commander.Role, cfg Config, handlerTable map[string]commander.Task, service any) *Client {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	id := newConnID()

	var cmd *commander.Commander
	wt := transport.NewWSTransport(conn,
		func(t block.Type, body []byte) { cmd.InboundFrame(t, body) },
		func() { cmd.TransportClosed() },
		log)
	cmd = commander.New(wt, cfg.commanderConfig(role, handlerTable, service))
	wt.Start()
	cmd.Start(cfg.HandshakeBody)

	return &Client{ID: id, cmd: cmd, t: wt, log: log}
}

// DialStream opens a stream-socket connection to addr and starts the Bot
// handshake.
func DialStream(ctx context.Context, addr string, cfg Config) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("duplexrpc: dial stream: %w", err)
	}
	return NewFromStream(conn, commander.Bot, cfg, nil, nil), nil
}

// DialWebSocket opens a WebSocket connection to url and starts the Bot
// handshake.
func DialWebSocket(ctx context.Context, url string, cfg Config) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("duplexrpc: dial websocket: %w", err)
	}
	return NewFromWS(conn, commander.Bot, cfg, nil, nil), nil
}

// DialDiscovered resolves serviceName through reg and bal, then dials the
// chosen instance over a stream socket. Registry/load-balancing are kept as
// an external convenience collaborator (spec §7 Non-goals): the core's
// Commander never consults them.
func DialDiscovered(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, serviceName string, cfg Config) (*Client, error) {
	instances, err := reg.Discover(serviceName)
	if err != nil {
		return nil, fmt.Errorf("duplexrpc: discover %s: %w", serviceName, err)
	}
	if len(instances) == 0 {
		return nil, errors.New("duplexrpc: no instances registered for " + serviceName)
	}
	instance, err := bal.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("duplexrpc: pick instance for %s: %w", serviceName, err)
	}
	return DialStream(ctx, instance.Addr, cfg)
}

// DialDiscoveredAffinity resolves serviceName like DialDiscovered but picks
// the instance by consistent-hashing affinityKey onto chb's ring instead of
// round-robin/weighted selection, so repeated dials with the same
// affinityKey (e.g. this process's own newConnID-derived identity, or a
// caller-chosen session key) land on the same backend instance as long as
// the instance set is stable — useful for the Bot side of a connection that
// wants to keep hitting the same stateful Service peer across reconnects.
// The ring is rebuilt from the current instance set on every call, so it
// always reflects the latest Discover result.
func DialDiscoveredAffinity(ctx context.Context, reg registry.Registry, chb *loadbalance.ConsistentHashBalancer, serviceName, affinityKey string, cfg Config) (*Client, error) {
	instances, err := reg.Discover(serviceName)
	if err != nil {
		return nil, fmt.Errorf("duplexrpc: discover %s: %w", serviceName, err)
	}
	if len(instances) == 0 {
		return nil, errors.New("duplexrpc: no instances registered for " + serviceName)
	}
	*chb = *loadbalance.NewConsistentHashBalancer()
	for i := range instances {
		chb.Add(&instances[i])
	}
	instance, err := chb.Pick(affinityKey)
	if err != nil {
		return nil, fmt.Errorf("duplexrpc: pick affine instance for %s: %w", serviceName, err)
	}
	return DialStream(ctx, instance.Addr, cfg)
}

// ---- pass-through Commander API ----

func (c *Client) Role() commander.Role                       { return c.cmd.Role() }
func (c *Client) DisconnectReason() commander.DisconnectReason { return c.cmd.DisconnectReason() }

func (c *Client) Command(name string, data []byte) error { return c.cmd.Command(name, data) }

func (c *Client) Request(name string, callback func(payload.Envelope), data []byte) (uint64, error) {
	return c.cmd.Request(name, callback, data)
}

func (c *Client) Fetch(name string, data []byte) (<-chan payload.Envelope, uint64, error) {
	return c.cmd.Fetch(name, data)
}

func (c *Client) Response(origin payload.Envelope, data []byte) error {
	return c.cmd.Response(origin, data)
}

func (c *Client) Error(origin payload.Envelope, errString string, data []byte) error {
	return c.cmd.Error(origin, errString, data)
}

func (c *Client) Cancel(id uint64) { c.cmd.Cancel(id) }

func (c *Client) On(name string, cb commander.CommandHandler) uint64 { return c.cmd.On(name, cb) }
func (c *Client) Off(name string, id ...uint64)                      { c.cmd.Off(name, id...) }

func (c *Client) OnRequest(name string, cb commander.RequestHandler) { c.cmd.OnRequest(name, cb) }
func (c *Client) OffRequest(name string)                             { c.cmd.OffRequest(name) }

func (c *Client) Kick(reason commander.DisconnectReason) { c.cmd.Kick(reason) }

// Destroy hard-terminates the underlying transport.
func (c *Client) Destroy() { c.t.Destroy() }

// Commander exposes the underlying engine for callers (e.g. package server)
// that need to register it in a handler table's Service reference or inspect
// it directly.
func (c *Client) Commander() *commander.Commander { return c.cmd }
