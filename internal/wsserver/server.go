// Package wsserver adapts websocket connections to the race coordinator.
package wsserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/park285/typerace-coordinator/internal/obslog"
	"github.com/park285/typerace-coordinator/internal/race"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	readLimit      = 64 << 10
	messageTimeout = 10 * time.Second
	writeTimeout   = 5 * time.Second
	UserHeader     = "X-User-Id"
)

type Options struct {
	OriginPatterns []string
	SendBuffer     int
	PingInterval   time.Duration
}

// Handler upgrades requests and pumps frames between the socket and a race.Peer.
type Handler struct {
	coord *race.Coordinator
	opts  Options
	log   *zap.Logger

	active  atomic.Int64
	dropped atomic.Uint64

	// base is cancelled by Shutdown; every socket context derives from it.
	base     context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closing  bool
	handlers sync.WaitGroup
}

func New(coord *race.Coordinator, opts Options, log *zap.Logger) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if log == nil {
		log = obslog.L()
	}
	base, stop := context.WithCancel(context.Background())
	return &Handler{coord: coord, opts: opts, log: log, base: base, stop: stop}
}

// track registers a running handler unless Shutdown has begun.
func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.handlers.Add(1)
	return true
}

// Shutdown refuses new sockets, closes open ones and waits until their
// handlers have finished, including in-flight store writes. http.Server
// Shutdown does not wait for hijacked connections, so call this before
// closing the stores.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.stop()

	done := make(chan struct{})
	go func() {
		h.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports the number of open sockets.
func (h *Handler) Active() int64 { return h.active.Load() }

// Dropped reports how many outbound frames were discarded on full queues.
func (h *Handler) Dropped() uint64 { return h.dropped.Load() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.handlers.Done()

	user := strings.TrimSpace(r.Header.Get(UserHeader))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.opts.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		h.log.Warn("ws_accept_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)
	h.active.Add(1)
	defer h.active.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(h.base, cancel)()

	out := newOutbox(h.opts.SendBuffer, &h.dropped)
	peer := h.coord.Open(user, out)
	h.log.Info("ws_accept", obslog.ConnID(peer.ConnID()), obslog.UserID(user), zap.String("remote", r.RemoteAddr))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, conn, out)
	}()
	go func() {
		defer wg.Done()
		h.pingLoop(ctx, conn)
	}()

	// Message handling outlives the socket so an issued store write can finish.
	handleCtx := context.WithoutCancel(ctx)
	status := websocket.StatusNormalClosure
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if h.base.Err() != nil {
				status = websocket.StatusGoingAway
			} else if s := websocket.CloseStatus(err); s == -1 && !errors.Is(err, context.Canceled) {
				h.log.Debug("ws_read_error", obslog.ConnID(peer.ConnID()), zap.Error(err))
				status = websocket.StatusInternalError
			}
			break
		}
		mctx, mcancel := context.WithTimeout(handleCtx, messageTimeout)
		peer.Handle(mctx, data)
		mcancel()
	}

	cctx, ccancel := context.WithTimeout(handleCtx, messageTimeout)
	peer.Close(cctx)
	ccancel()

	out.close()
	cancel()
	wg.Wait()
	_ = conn.Close(status, "")
	h.log.Info("ws_closed", obslog.ConnID(peer.ConnID()), obslog.UserID(user))
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, out *outbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-out.ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.log.Debug("ws_write_error", zap.Error(err))
				return
			}
		}
	}
}

func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(h.opts.PingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 3 {
				_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// outbox is a bounded per-connection queue. A slow reader loses frames
// instead of stalling the broadcaster.
type outbox struct {
	mu      sync.Mutex
	ch      chan []byte
	closed  bool
	dropped *atomic.Uint64
}

func newOutbox(size int, dropped *atomic.Uint64) *outbox {
	return &outbox{ch: make(chan []byte, size), dropped: dropped}
}

func (o *outbox) Send(p []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- p:
		return true
	default:
		o.dropped.Add(1)
		return false
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}
