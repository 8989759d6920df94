// Package preview streams an account's screencast to websocket viewers.
// Binary messages carry JPEG frames; text messages carry JSON status
// updates. Each viewer has its own queue and rate limit, so one slow or
// broken client does not affect the others.
package preview

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/pinchtab/postbridge/internal/screencast"
	"github.com/pinchtab/postbridge/internal/types"
)

// Frames is the slice of the screencast service the gateway reads.
type Frames interface {
	AddFrameListener(accountID string, fn screencast.Listener) screencast.ListenerID
	RemoveFrameListener(accountID string, id screencast.ListenerID)
	HasFrameListener(accountID string, id screencast.ListenerID) bool
	GetOperationStatus(accountID string) (types.OperationStatus, bool)
	IsScreencasting(accountID string) bool
}

type Options struct {
	// FPS caps frames sent to each viewer.
	FPS            int
	StatusInterval time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	QueueSize      int
}

func (o Options) withDefaults() Options {
	if o.FPS <= 0 {
		o.FPS = 5
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = 500 * time.Millisecond
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 3
	}
	return o
}

// StatusMessage is the text side-channel payload.
type StatusMessage struct {
	Type          string    `json:"type"`
	AccountID     string    `json:"accountId"`
	Screencasting bool      `json:"screencasting"`
	Operation     string    `json:"operation,omitempty"`
	Step          string    `json:"step,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitzero"`
}

type Gateway struct {
	frames Frames
	opts   Options

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

func New(frames Frames, opts Options) *Gateway {
	return &Gateway{
		frames:  frames,
		opts:    opts.withDefaults(),
		clients: make(map[string]map[*client]struct{}),
		quit:    make(chan struct{}),
	}
}

type client struct {
	accountID string
	conn      net.Conn
	queue     chan []byte
	done      chan struct{}
	once      sync.Once
	limiter   *rate.Limiter
}

func (c *client) stop() { c.once.Do(func() { close(c.done) }) }

// offer runs on the screencast delivery goroutine and never blocks.
func (c *client) offer(frame []byte) {
	if !c.limiter.Allow() {
		return
	}
	select {
	case c.queue <- frame:
	default:
	}
}

// Serve upgrades the request and streams accountID's preview until the
// client goes away or the gateway closes.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, accountID string) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Error("preview ws upgrade failed", "account", accountID, "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	c := &client{
		accountID: accountID,
		conn:      conn,
		queue:     make(chan []byte, g.opts.QueueSize),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(g.opts.FPS), 1),
	}
	if !g.register(c) {
		_ = wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "shutting down"))
		return
	}
	defer g.unregister(c)

	id := g.frames.AddFrameListener(accountID, c.offer)
	defer func() { g.frames.RemoveFrameListener(accountID, id) }()

	slog.Info("preview client connected", "account", accountID, "remote", r.RemoteAddr)
	defer slog.Info("preview client disconnected", "account", accountID, "remote", r.RemoteAddr)

	go func() {
		defer c.stop()
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	var last StatusMessage
	if !g.sendStatus(c, &last, true) {
		return
	}

	statusTick := time.NewTicker(g.opts.StatusInterval)
	defer statusTick.Stop()
	pingTick := time.NewTicker(g.opts.PingInterval)
	defer pingTick.Stop()

	for {
		select {
		case frame := <-c.queue:
			if !g.write(c, ws.OpBinary, frame) {
				return
			}
		case <-statusTick.C:
			// A restarted screencast starts with no listeners.
			if !g.frames.HasFrameListener(accountID, id) {
				id = g.frames.AddFrameListener(accountID, c.offer)
				slog.Debug("preview listener re-registered", "account", accountID)
			}
			if !g.sendStatus(c, &last, false) {
				return
			}
		case <-pingTick.C:
			if !g.write(c, ws.OpPing, nil) {
				return
			}
		case <-c.done:
			return
		case <-g.quit:
			_ = g.write(c, ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "shutting down"))
			return
		}
	}
}

// sendStatus writes the account's status when it changed since last, or
// always when force is set.
func (g *Gateway) sendStatus(c *client, last *StatusMessage, force bool) bool {
	msg := StatusMessage{
		Type:          "status",
		AccountID:     c.accountID,
		Screencasting: g.frames.IsScreencasting(c.accountID),
	}
	if st, ok := g.frames.GetOperationStatus(c.accountID); ok {
		msg.Operation = st.Operation
		msg.Step = st.Step
		msg.Timestamp = st.Timestamp
	}
	if !force && msg == *last {
		return true
	}
	*last = msg
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return g.write(c, ws.OpText, data)
}

func (g *Gateway) write(c *client, op ws.OpCode, data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
	if err := wsutil.WriteServerMessage(c.conn, op, data); err != nil {
		slog.Debug("preview write failed", "account", c.accountID, "err", err)
		return false
	}
	return true
}

func (g *Gateway) register(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	set, ok := g.clients[c.accountID]
	if !ok {
		set = make(map[*client]struct{})
		g.clients[c.accountID] = set
	}
	set[c] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	if set, ok := g.clients[c.accountID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(g.clients, c.accountID)
		}
	}
	g.mu.Unlock()
	c.stop()
	g.wg.Done()
}

// Clients counts connected viewers of one account.
func (g *Gateway) Clients(accountID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients[accountID])
}

// Stats maps account ids to viewer counts.
func (g *Gateway) Stats() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.clients))
	for id, set := range g.clients {
		out[id] = len(set)
	}
	return out
}

// Close disconnects every viewer and waits for their handlers to return.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.quit)
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
