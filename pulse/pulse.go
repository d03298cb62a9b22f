// Package pulse implements the periodic liveness watchdog shared by both
// connection roles: a counter that resets on any inbound traffic and fires
// a role-specific action when it runs dry.
package pulse

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var firedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "duplexrpc_pulse_fired_total",
	Help: "Number of times a connection's pulse watchdog fired its action.",
}, []string{"role"})

// Role selects which party on a connection this Pulse watches.
type Role int

const (
	// Service uses the configured Limit: the action fires after Limit
	// consecutive silent ticks.
	Service Role = iota
	// Bot has an effective limit of 0: the action (a proactive heartbeat)
	// fires on every silent tick, not every other one.
	Bot
)

func (r Role) String() string {
	if r == Bot {
		return "bot"
	}
	return "service"
}

// Pulse is a periodic liveness watchdog. Construct with New, then Start it;
// call Reset on any inbound traffic; call Clear to tear it down.
type Pulse struct {
	interval time.Duration
	limit    int
	role     Role
	onPulse  func()

	mu      sync.Mutex
	counter int
	ticker  *time.Ticker
	stopCh  chan struct{}
	started bool
}

// New creates a Pulse. limit is the configured silent-tick threshold used
// verbatim in Service role; in Bot role the effective limit is always 0
// regardless of the value passed here, so every silent tick fires.
func New(interval time.Duration, limit int, role Role, onPulse func()) *Pulse {
	return &Pulse{
		interval: interval,
		limit:    limit,
		role:     role,
		onPulse:  onPulse,
	}
}

func (p *Pulse) effectiveLimit() int {
	if p.role == Bot {
		return 0
	}
	return p.limit
}

// Start begins the periodic timer. Calling Start twice is a no-op.
func (p *Pulse) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ticker = time.NewTicker(p.interval)
	p.stopCh = make(chan struct{})
	ticker := p.ticker
	stopCh := p.stopCh
	go p.run(ticker, stopCh)
}

func (p *Pulse) run(ticker *time.Ticker, stopCh chan struct{}) {
	for {
		select {
		case <-ticker.C:
			p.tick()
		case <-stopCh:
			return
		}
	}
}

func (p *Pulse) tick() {
	p.mu.Lock()
	p.counter++
	fire := p.counter > p.effectiveLimit()
	if fire {
		p.counter = 0
	}
	p.mu.Unlock()

	if fire {
		firedTotal.WithLabelValues(p.role.String()).Inc()
		if p.onPulse != nil {
			p.onPulse()
		}
	}
}

// Reset zeros the counter; called on any successful inbound block.
func (p *Pulse) Reset() {
	p.mu.Lock()
	p.counter = 0
	p.mu.Unlock()
}

// Clear stops the timer and zeros the counter. Idempotent.
func (p *Pulse) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		p.ticker.Stop()
		close(p.stopCh)
		p.started = false
	}
	p.counter = 0
}
