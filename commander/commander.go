// Package commander is the top of the core: it applies payload semantics
// over a Protocol instance, maintains the request correlator and
// subscription tables, drives heartbeat policy per role, and translates
// closure and timeout into disconnect reasons.
package commander

import (
	"sync"
	"time"

	"duplexrpc/block"
	"duplexrpc/payload"
	"duplexrpc/protocol"
	"duplexrpc/pulse"
	"duplexrpc/validator"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	requestsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplexrpc_requests_timed_out_total",
		Help: "Number of pending requests that expired before a Response arrived.",
	})
	kicksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplexrpc_kicks_sent_total",
		Help: "Number of Kick blocks sent by this process.",
	})
)

// Task is a statically registered Service-role handler: it receives the
// Commander so it can reach back into the connection, the inbound
// envelope, and the opaque user Service reference. A Task's return value
// becomes the Response payload for a Request; it is ignored (but any error
// is logged) for a Command.
type Task func(c *Commander, env payload.Envelope, service any) ([]byte, error)

// CommandHandler is a Bot-role subscription callback for an inbound Command.
type CommandHandler func(env payload.Envelope)

// RequestHandler is a Bot-role subscription callback for an inbound Request
// the peer expects a Response to; the handler is expected to call Response
// or Error itself.
type RequestHandler func(env payload.Envelope)

// Hooks are the small set of explicit callbacks the owning Client/Server
// wires in at construction, in place of the teacher's ad hoc
// onConnect/onReady/onBlock callback graph (see design notes: this avoids
// accidental re-entrancy and keeps event ordering legible).
type Hooks struct {
	OnReady      func()
	OnDisconnect func(DisconnectReason)
}

type pendingRequest struct {
	id       uint64
	name     string
	start    time.Time
	callback func(payload.Envelope)
}

type subscription struct {
	id uint64
	cb CommandHandler
}

// Commander is the per-connection protocol engine: one instance per
// connection, owning one Protocol (which owns one Transport).
type Commander struct {
	role           Role
	proto          *protocol.Protocol
	serializer     payload.Serializer
	validator      validator.Validator
	requestTimeout time.Duration
	hooks          Hooks
	service        any
	log            *zap.SugaredLogger

	handlerTable map[string]Task // Service role only; read-only after startup

	pulse *pulse.Pulse

	mu          sync.Mutex
	nextID      uint64
	nextSubID   uint64
	pending     map[uint64]*pendingRequest
	commandSubs map[string][]subscription
	requestSubs map[string]RequestHandler
	reason      DisconnectReason

	timeoutTicker *time.Ticker
	timeoutStop   chan struct{}
}

// Config bundles the construction-time parameters that are not already
// captured by an explicit argument.
type Config struct {
	Role           Role
	Serializer     payload.Serializer
	Validator      validator.Validator
	PulseInterval  time.Duration
	PulseLimit     int
	RequestTimeout time.Duration
	HandlerTable   map[string]Task // Service role; shared, read-only
	Service        any
	Hooks          Hooks
	Log            *zap.SugaredLogger
}

// transportIface is the subset of transport.Transport the Commander's
// owned Protocol needs; kept narrow to avoid an import cycle with package
// transport (which has no reason to know about Commander).
type transportIface interface {
	Dispatch(frame []byte) error
	Close() error
	Destroy()
}

// New constructs a Commander owning a fresh Protocol over t, in state
// Start. Call Start to kick off the pulse, the timeout scanner, and (for
// Bot role) the initial handshake offer.
func New(t transportIface, cfg Config) *Commander {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Serializer == nil {
		cfg.Serializer = payload.JSONSerializer{}
	}
	if cfg.Validator == nil {
		cfg.Validator = validator.DefaultValidator{}
	}

	c := &Commander{
		role:           cfg.Role,
		serializer:     cfg.Serializer,
		validator:      cfg.Validator,
		requestTimeout: cfg.RequestTimeout,
		hooks:          cfg.Hooks,
		service:        cfg.Service,
		log:            log,
		handlerTable:   cfg.HandlerTable,
		pending:        make(map[uint64]*pendingRequest),
		commandSubs:    make(map[string][]subscription),
		requestSubs:    make(map[string]RequestHandler),
		reason:         Normal,
	}

	pulseRole := pulse.Service
	if cfg.Role == Bot {
		pulseRole = pulse.Bot
	}
	c.pulse = pulse.New(cfg.PulseInterval, cfg.PulseLimit, pulseRole, c.onPulseFired)

	c.proto = protocol.New(t, c.handleBlock, c.onTransportClosed, log)
	return c
}

// Start begins the pulse timer, the timeout scanner, and, in Bot role,
// sends the initial handshake offer. handshakeBody is caller-supplied
// opaque detail folded into the offer (may be nil); it is ignored in
// Service role, which waits for the peer to initiate.
func (c *Commander) Start(handshakeBody []byte) {
	c.pulse.Start()
	c.startTimeoutScanner()
	if c.role == Bot {
		offer, err := c.validator.Handshake(handshakeBody)
		if err != nil {
			c.log.Errorw("commander: failed to build handshake offer", "error", err)
			return
		}
		if err := c.proto.SendHandshake(offer); err != nil {
			c.log.Errorw("commander: failed to send handshake", "error", err)
		}
	}
}

// InboundFrame forwards a decoded block to the owned Protocol's gate. It
// exists so a Transport can be constructed (with its onFrame callback
// pointed here) before the owning Commander itself is constructed — the
// same forward-reference pattern Client/Server use to break the
// Transport/Commander construction cycle.
func (c *Commander) InboundFrame(t block.Type, body []byte) {
	c.proto.HandleFrame(t, body)
}

// TransportClosed forwards a Transport's closure notification to the owned
// Protocol. See InboundFrame.
func (c *Commander) TransportClosed() {
	c.proto.OnTransportClosed()
}

// Role reports this connection's role.
func (c *Commander) Role() Role { return c.role }

// DisconnectReason reports the reason recorded so far (Normal until a kick,
// timeout, or handshake failure sets it).
func (c *Commander) DisconnectReason() DisconnectReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// ---- inbound dispatch (driven by Protocol.HandleFrame) ----

func (c *Commander) handleBlock(t block.Type, body []byte) {
	switch t {
	case block.Handshake:
		c.handleHandshake(body)
	case block.HandshakeAcknowledgement:
		c.handleHandshakeAck(body)
	case block.Heartbeat:
		c.handleHeartbeat()
	case block.Kick:
		c.handleKick(body)
	case block.Data:
		c.handleData(body)
	}
}

func (c *Commander) handleHandshake(body []byte) {
	c.pulse.Reset()
	if c.validator.VerifyHandshake(body) != validator.Success {
		c.Kick(HandshakeFailed)
		return
	}
	ack, err := c.validator.Acknowledgement(body)
	if err != nil {
		c.log.Errorw("commander: failed to build acknowledgement", "error", err)
		c.Kick(HandshakeFailed)
		return
	}
	if err := c.proto.SendAcknowledgement(ack); err != nil {
		c.log.Errorw("commander: failed to send acknowledgement", "error", err)
	}
}

func (c *Commander) handleHandshakeAck(body []byte) {
	c.pulse.Reset()
	if c.role == Bot {
		if c.validator.VerifyAcknowledgement(body) == validator.Failed {
			c.mu.Lock()
			c.reason = HandshakeFailed
			c.mu.Unlock()
			c.proto.Disconnect()
		} else if ack, err := c.validator.Acknowledgement(body); err == nil {
			if err := c.proto.SendAcknowledgement(ack); err != nil {
				c.log.Errorw("commander: failed to send final acknowledgement", "error", err)
			}
		} else {
			c.log.Errorw("commander: failed to build final acknowledgement", "error", err)
		}
	}
	// Regardless of role or outcome, the peer has completed its side of the
	// handshake round trip from this connection's point of view.
	if c.hooks.OnReady != nil {
		c.hooks.OnReady()
	}
}

func (c *Commander) handleHeartbeat() {
	c.pulse.Reset()
	if c.role == Service {
		if err := c.proto.SendHeartbeat(); err != nil {
			c.log.Warnw("commander: failed to reply to heartbeat", "error", err)
		}
	}
}

func (c *Commander) handleKick(body []byte) {
	c.pulse.Reset()
	c.mu.Lock()
	c.reason = decodeReason(body)
	c.mu.Unlock()
}

func (c *Commander) handleData(body []byte) {
	env, err := payload.Decode(c.serializer, body)
	if err != nil || !payload.Check(env) {
		c.log.Warnw("commander: dropping malformed data block", "error", err)
		return
	}
	c.pulse.Reset()
	if c.role == Bot {
		if err := c.proto.SendHeartbeat(); err != nil {
			c.log.Warnw("commander: failed to send proactive heartbeat", "error", err)
		}
	}
	switch env.Kind {
	case payload.Command:
		c.dispatchCommand(env)
	case payload.Request:
		c.dispatchRequest(env)
	case payload.Response:
		c.dispatchResponse(env)
	}
}

func (c *Commander) dispatchCommand(env payload.Envelope) {
	if c.role == Service {
		task, ok := c.handlerTable[env.Name]
		if !ok {
			c.log.Warnw("commander: unknown command", "name", env.Name)
			return
		}
		if _, err := task(c, env, c.service); err != nil {
			c.log.Warnw("commander: command handler returned an error", "name", env.Name, "error", err)
		}
		return
	}
	c.mu.Lock()
	subs := append([]subscription(nil), c.commandSubs[env.Name]...)
	c.mu.Unlock()
	for _, s := range subs {
		s.cb(env)
	}
}

func (c *Commander) dispatchRequest(env payload.Envelope) {
	if c.role == Service {
		task, ok := c.handlerTable[env.Name]
		if !ok {
			c.log.Warnw("commander: unknown request, peer will see a timeout", "name", env.Name)
			return
		}
		data, err := task(c, env, c.service)
		if err != nil {
			c.Error(env, err.Error(), nil)
			return
		}
		c.Response(env, data)
		return
	}
	c.mu.Lock()
	h, ok := c.requestSubs[env.Name]
	c.mu.Unlock()
	if !ok {
		c.log.Warnw("commander: unhandled inbound request", "name", env.Name)
		return
	}
	h(env)
}

func (c *Commander) dispatchResponse(env payload.Envelope) {
	c.mu.Lock()
	rec, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Warnw("commander: response for unknown request id", "id", env.ID, "name", env.Name)
		return
	}
	rec.callback(env)
}

// onTransportClosed is wired as the Protocol's onDisconnect hook.
func (c *Commander) onTransportClosed() {
	c.Clear()
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(c.DisconnectReason())
	}
}

// onPulseFired is wired as the Pulse's onPulse hook: Service kicks the
// connection for silence; Bot sends a proactive keepalive heartbeat.
func (c *Commander) onPulseFired() {
	if c.role == Service {
		c.Kick(Timeout)
		return
	}
	if err := c.proto.SendHeartbeat(); err != nil {
		c.log.Warnw("commander: failed to send keepalive heartbeat", "error", err)
	}
}

// ---- outbound API; every operation is a no-op once Closed ----

func (c *Commander) closed() bool {
	return c.proto.State() == protocol.Closed
}

// Command sends a fire-and-forget Command; the peer never responds.
func (c *Commander) Command(name string, data []byte) error {
	if c.closed() {
		return nil
	}
	raw, err := payload.Encode(c.serializer, payload.Command, name, 0, data, "")
	if err != nil {
		return err
	}
	return c.proto.Send(raw)
}

// Request sends a Request and records a pending correlator entry under a
// freshly assigned, connection-unique, monotonically increasing id.
// callback fires at most once: on the matching Response or on timeout. It
// never fires if Cancel(id) is called first, or if the connection closes
// while the request is pending (Clear drops pending records unanswered).
func (c *Commander) Request(name string, callback func(payload.Envelope), data []byte) (uint64, error) {
	if c.closed() {
		return 0, nil
	}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.pending[id] = &pendingRequest{id: id, name: name, start: time.Now(), callback: callback}
	c.mu.Unlock()

	raw, err := payload.Encode(c.serializer, payload.Request, name, id, data, "")
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, err
	}
	if err := c.proto.Send(raw); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// Fetch is Request whose callback completes a one-shot, buffered channel
// standing in for a future.
func (c *Commander) Fetch(name string, data []byte) (<-chan payload.Envelope, uint64, error) {
	ch := make(chan payload.Envelope, 1)
	id, err := c.Request(name, func(env payload.Envelope) { ch <- env }, data)
	return ch, id, err
}

// Response echoes a successful reply to a Request.
func (c *Commander) Response(origin payload.Envelope, data []byte) error {
	if c.closed() {
		return nil
	}
	raw, err := payload.Encode(c.serializer, payload.Response, origin.Name, origin.ID, data, "")
	if err != nil {
		return err
	}
	return c.proto.Send(raw)
}

// Error is Response with a non-empty error string.
func (c *Commander) Error(origin payload.Envelope, errString string, data []byte) error {
	if c.closed() {
		return nil
	}
	raw, err := payload.Encode(c.serializer, payload.Response, origin.Name, origin.ID, data, errString)
	if err != nil {
		return err
	}
	return c.proto.Send(raw)
}

// Cancel removes a pending request record locally. Nothing is sent on the
// wire; if the peer's Response arrives later it will be logged as unknown.
func (c *Commander) Cancel(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// On appends cb to the subscription list for inbound Commands named name,
// and returns a handle that Off can later use to remove just this callback.
func (c *Commander) On(name string, cb CommandHandler) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.commandSubs[name] = append(c.commandSubs[name], subscription{id: id, cb: cb})
	return id
}

// Off removes the subscription identified by id, or every subscription for
// name if no id is given.
func (c *Commander) Off(name string, id ...uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(id) == 0 {
		delete(c.commandSubs, name)
		return
	}
	subs := c.commandSubs[name]
	kept := subs[:0]
	for _, s := range subs {
		if s.id != id[0] {
			kept = append(kept, s)
		}
	}
	c.commandSubs[name] = kept
}

// OnRequest sets the single handler for incoming Requests named name.
// Duplicate registration is rejected silently with a log warning.
func (c *Commander) OnRequest(name string, cb RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.requestSubs[name]; exists {
		c.log.Warnw("commander: request handler already registered, ignoring", "name", name)
		return
	}
	c.requestSubs[name] = cb
}

// OffRequest clears the request handler for name.
func (c *Commander) OffRequest(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.requestSubs, name)
}

// Kick sends a Kick block carrying reason, then disconnects. Callable on
// either role, but only Service fires it on its own initiative (silence,
// shutdown); Bot surfaces a peer's Kick via DisconnectReason instead.
func (c *Commander) Kick(reason DisconnectReason) {
	if c.closed() {
		return
	}
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
	kicksSent.Inc()
	if err := c.proto.SendKick(encodeReason(reason)); err != nil {
		c.log.Warnw("commander: failed to send kick", "error", err)
	}
	c.proto.Disconnect()
}

// ---- timeout engine ----

func (c *Commander) startTimeoutScanner() {
	c.timeoutTicker = time.NewTicker(time.Second)
	c.timeoutStop = make(chan struct{})
	ticker := c.timeoutTicker
	stop := c.timeoutStop
	go func() {
		for {
			select {
			case <-ticker.C:
				c.scanTimeouts()
			case <-stop:
				return
			}
		}
	}()
}

func (c *Commander) scanTimeouts() {
	if c.requestTimeout <= 0 {
		return
	}
	now := time.Now()
	var expired []*pendingRequest
	c.mu.Lock()
	for id, rec := range c.pending {
		if now.Sub(rec.start) > c.requestTimeout {
			expired = append(expired, rec)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, rec := range expired {
		requestsTimedOut.Inc()
		// Synthesized in-memory per spec §4.7 — equivalent to feeding the
		// failure back through dispatchResponse, whose lookup+delete we've
		// already performed above under the same lock.
		env := payload.Create(payload.Response, rec.name, rec.id, nil, "timeout")
		rec.callback(env)
	}
}

// Clear tears down the pulse timer and the timeout scanner and empties all
// in-flight tables. Called once, when the transport signals closure.
func (c *Commander) Clear() {
	c.pulse.Clear()
	c.mu.Lock()
	if c.timeoutTicker != nil {
		c.timeoutTicker.Stop()
	}
	if c.timeoutStop != nil {
		select {
		case <-c.timeoutStop:
		default:
			close(c.timeoutStop)
		}
	}
	c.pending = make(map[uint64]*pendingRequest)
	c.commandSubs = make(map[string][]subscription)
	c.requestSubs = make(map[string]RequestHandler)
	c.mu.Unlock()
}
