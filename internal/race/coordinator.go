// Package race runs the multiplayer race lifecycle on top of the hub,
// the durable race store and the live session mirror.
package race

import (
	"context"
	"sync"
	"time"

	"github.com/park285/typerace-coordinator/internal/hub"
	"github.com/park285/typerace-coordinator/internal/livesession"
	"github.com/park285/typerace-coordinator/internal/obslog"
	"github.com/park285/typerace-coordinator/internal/protocol"
	"github.com/park285/typerace-coordinator/internal/racestore"
	"github.com/park285/typerace-coordinator/internal/snippets"
	"go.uber.org/zap"
)

// Config tunes the lifecycle controller.
type Config struct {
	MinReady       int
	CountdownTicks int
	TickInterval   time.Duration
	// StoreTimeout bounds gateway calls made outside a client message, such as
	// the start of a race after the countdown.
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinReady < 2 {
		c.MinReady = 2
	}
	if c.CountdownTicks <= 0 {
		c.CountdownTicks = 3
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

type phase int

const (
	phaseWaiting phase = iota
	phaseCountdown
	phaseRacing
	phaseFinished
)

func (p phase) String() string {
	switch p {
	case phaseWaiting:
		return "waiting"
	case phaseCountdown:
		return "countdown"
	case phaseRacing:
		return "racing"
	case phaseFinished:
		return "finished"
	}
	return "unknown"
}

type roomState struct {
	mu    sync.Mutex
	phase phase
}

// Coordinator owns per-room race state. It is safe for concurrent use; each
// connection drives it through its own Peer.
type Coordinator struct {
	cfg      Config
	gw       racestore.Gateway
	sessions livesession.Store
	catalog  *snippets.Catalog
	hub      *hub.Hub
	log      *zap.Logger

	mu    sync.Mutex
	rooms map[string]*roomState

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, gw racestore.Gateway, sessions livesession.Store, catalog *snippets.Catalog, h *hub.Hub, log *zap.Logger) *Coordinator {
	if log == nil {
		log = obslog.L()
	}
	if h == nil {
		h = hub.New()
	}
	if sessions == nil {
		sessions = livesession.NewMemory()
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		gw:       gw,
		sessions: sessions,
		catalog:  catalog,
		hub:      h,
		log:      log,
		rooms:    make(map[string]*roomState),
		done:     make(chan struct{}),
	}
}

// Hub exposes the connection registry, mostly for diagnostics.
func (c *Coordinator) Hub() *hub.Hub { return c.hub }

// Shutdown stops pending countdowns and waits for them to return.
func (c *Coordinator) Shutdown() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Coordinator) state(roomID string) *roomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.rooms[roomID]
	if !ok {
		rs = &roomState{}
		c.rooms[roomID] = rs
	}
	return rs
}

// phaseOf reports the in-memory phase without creating state.
func (c *Coordinator) phaseOf(roomID string) phase {
	c.mu.Lock()
	rs, ok := c.rooms[roomID]
	c.mu.Unlock()
	if !ok {
		return phaseWaiting
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.phase
}

// forget drops idle room state: finished rooms, and waiting or racing rooms
// nobody is in. A racing room abandoned by everyone stays active in the store;
// a returning participant re-syncs the phase from it. Countdown state is kept
// because the countdown goroutine still owns it.
func (c *Coordinator) forget(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.rooms[roomID]
	if !ok {
		return
	}
	rs.mu.Lock()
	ph := rs.phase
	rs.mu.Unlock()
	switch ph {
	case phaseFinished:
		delete(c.rooms, roomID)
	case phaseWaiting, phaseRacing:
		if len(c.hub.Members(roomID)) == 0 {
			if ph == phaseRacing {
				c.log.Info("race_abandoned", obslog.RoomID(roomID))
			}
			delete(c.rooms, roomID)
		}
	}
}

func (c *Coordinator) broadcast(roomID string, ev any, except string) {
	c.hub.Broadcast(roomID, protocol.Encode(ev), except)
}

func (c *Coordinator) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
}
