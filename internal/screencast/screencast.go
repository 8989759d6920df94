// Package screencast attaches to a page's frame-capture channel and fans
// frames out to registered listeners. It also holds a single-slot
// "current operation" label per account.
//
// Frames flow capture handler -> ingest channel -> pump goroutine -> one
// bounded queue per listener -> that listener's goroutine. A full listener
// queue drops the newest frame for that listener only, so a slow or
// panicking consumer never stalls capture or other listeners. Every frame is
// acknowledged to the source, including dropped ones.
package screencast

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pinchtab/postbridge/internal/browser"
	"github.com/pinchtab/postbridge/internal/types"
)

type ListenerID string

// Listener receives one decoded JPEG frame.
type Listener func(frame []byte)

type Config struct {
	// QueueSize is the per-listener backlog before frames are dropped.
	QueueSize int
	// IngestBuffer sits between the capture handler and the pump.
	IngestBuffer int
	AckTimeout   time.Duration
	StopTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 4
	}
	if c.IngestBuffer <= 0 {
		c.IngestBuffer = 16
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c
}

type Service struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
	pending  map[string]map[ListenerID]Listener
	status   map[string]types.OperationStatus

	framesIn       atomic.Int64
	framesOut      atomic.Int64
	dropped        atomic.Int64
	decodeErrors   atomic.Int64
	listenerPanics atomic.Int64
}

func New(cfg Config) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*session),
		pending:  make(map[string]map[ListenerID]Listener),
		status:   make(map[string]types.OperationStatus),
	}
}

type listener struct {
	id    ListenerID
	fn    Listener
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (l *listener) stop() {
	l.once.Do(func() { close(l.done) })
}

type session struct {
	accountID string
	capture   browser.Capture
	started   time.Time
	frames    chan browser.Frame
	done      chan struct{}
	pumpDone  chan struct{}
	once      sync.Once

	mu        sync.RWMutex
	listeners map[ListenerID]*listener
}

// StartScreencast stops any existing screencast for the account, opens a
// capture handle on page, adopts pending listeners and starts capture.
func (s *Service) StartScreencast(ctx context.Context, accountID string, page browser.Page, opts browser.ScreencastOptions) error {
	s.StopScreencast(ctx, accountID)

	capture, err := page.Capture(ctx)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}

	sess := &session{
		accountID: accountID,
		capture:   capture,
		started:   time.Now(),
		frames:    make(chan browser.Frame, s.cfg.IngestBuffer),
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
		listeners: make(map[ListenerID]*listener),
	}

	s.mu.Lock()
	old := s.sessions[accountID]
	s.sessions[accountID] = sess
	s.adoptPendingLocked(sess)
	s.mu.Unlock()
	if old != nil {
		// A concurrent start got in between; its listeners carry over.
		s.teardown(ctx, old, true)
		s.mu.Lock()
		if s.sessions[accountID] == sess {
			s.adoptPendingLocked(sess)
		}
		s.mu.Unlock()
	}

	capture.OnFrame(func(f browser.Frame) { s.ingest(sess, f) })
	go s.pump(sess)

	if err := capture.Start(ctx, opts); err != nil {
		s.mu.Lock()
		if s.sessions[accountID] == sess {
			delete(s.sessions, accountID)
		}
		s.mu.Unlock()
		s.teardown(ctx, sess, true)
		return fmt.Errorf("start screencast: %w", err)
	}

	slog.Info("screencast started", "account", accountID, "listeners", sess.listenerCount(), "quality", opts.Quality)
	return nil
}

// StopScreencast stops capture, detaches the handle and clears listeners.
// It is a no-op when nothing is running and never fails: a handle whose
// page is already closed is torn down all the same.
func (s *Service) StopScreencast(ctx context.Context, accountID string) {
	s.mu.Lock()
	sess, ok := s.sessions[accountID]
	delete(s.sessions, accountID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.teardown(ctx, sess, false)
	slog.Info("screencast stopped", "account", accountID)
}

// teardown ends a session that is already out of the registry. With
// keepListeners the listeners go back to pending instead of being dropped.
func (s *Service) teardown(ctx context.Context, sess *session, keepListeners bool) {
	sess.once.Do(func() { close(sess.done) })

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	if err := sess.capture.Stop(sctx); err != nil {
		slog.Debug("stop capture", "account", sess.accountID, "err", err)
	}
	cancel()
	if err := sess.capture.Detach(); err != nil {
		slog.Debug("detach capture", "account", sess.accountID, "err", err)
	}
	<-sess.pumpDone

	sess.mu.Lock()
	listeners := sess.listeners
	sess.listeners = make(map[ListenerID]*listener)
	sess.mu.Unlock()

	for _, l := range listeners {
		l.stop()
	}
	if keepListeners && len(listeners) > 0 {
		s.mu.Lock()
		bucket := s.pendingBucket(sess.accountID)
		for id, l := range listeners {
			bucket[id] = l.fn
		}
		s.mu.Unlock()
	}
}

// ingest runs on the capture's event goroutine. It must not block.
func (s *Service) ingest(sess *session, f browser.Frame) {
	go s.ack(sess, f.SessionID)

	select {
	case <-sess.done:
		return
	default:
	}
	s.framesIn.Add(1)
	select {
	case sess.frames <- f:
	case <-sess.done:
	default:
		s.dropped.Add(1)
	}
}

// ack is required for every frame; without it the source silently stops
// emitting.
func (s *Service) ack(sess *session, sessionID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AckTimeout)
	defer cancel()
	if err := sess.capture.Ack(ctx, sessionID); err != nil {
		slog.Debug("screencast ack", "account", sess.accountID, "session", sessionID, "err", err)
	}
}

func (s *Service) pump(sess *session) {
	defer close(sess.pumpDone)
	for {
		select {
		case <-sess.done:
			return
		case f := <-sess.frames:
			data, err := base64.StdEncoding.DecodeString(f.Data)
			if err != nil {
				s.decodeErrors.Add(1)
				slog.Debug("decode frame", "account", sess.accountID, "err", err)
				continue
			}
			s.broadcast(sess, data)
		}
	}
}

func (s *Service) broadcast(sess *session, data []byte) {
	sess.mu.RLock()
	targets := make([]*listener, 0, len(sess.listeners))
	for _, l := range sess.listeners {
		targets = append(targets, l)
	}
	sess.mu.RUnlock()

	for _, l := range targets {
		select {
		case l.queue <- data:
		default:
			s.dropped.Add(1)
		}
	}
}

// attach adds a listener to a live session and starts its delivery
// goroutine. Caller holds s.mu when sess is being built.
func (s *Service) attach(sess *session, id ListenerID, fn Listener) {
	l := &listener{
		id:    id,
		fn:    fn,
		queue: make(chan []byte, s.cfg.QueueSize),
		done:  make(chan struct{}),
	}
	sess.mu.Lock()
	sess.listeners[id] = l
	sess.mu.Unlock()
	go s.deliver(sess.accountID, l)
}

func (s *Service) deliver(accountID string, l *listener) {
	for {
		select {
		case <-l.done:
			return
		case data := <-l.queue:
			s.invoke(accountID, l, data)
		}
	}
}

func (s *Service) invoke(accountID string, l *listener, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.listenerPanics.Add(1)
			slog.Warn("frame listener panicked", "account", accountID, "listener", l.id, "panic", r)
		}
	}()
	l.fn(data)
	s.framesOut.Add(1)
}

// adoptPendingLocked moves the account's pending listeners onto sess.
func (s *Service) adoptPendingLocked(sess *session) {
	for id, fn := range s.pending[sess.accountID] {
		s.attach(sess, id, fn)
	}
	delete(s.pending, sess.accountID)
}

func (s *Service) pendingBucket(accountID string) map[ListenerID]Listener {
	b, ok := s.pending[accountID]
	if !ok {
		b = make(map[ListenerID]Listener)
		s.pending[accountID] = b
	}
	return b
}

// AddFrameListener registers fn for the account's frames. Without an active
// screencast the listener waits in the pending set and is adopted by the
// next StartScreencast, so it sees that screencast's first frame.
func (s *Service) AddFrameListener(accountID string, fn Listener) ListenerID {
	id := ListenerID(uuid.NewString())
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[accountID]; ok {
		s.attach(sess, id, fn)
		return id
	}
	s.pendingBucket(accountID)[id] = fn
	return id
}

// RemoveFrameListener is a no-op for unknown ids and accounts.
func (s *Service) RemoveFrameListener(accountID string, id ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[accountID]; ok {
		sess.mu.Lock()
		l, found := sess.listeners[id]
		delete(sess.listeners, id)
		sess.mu.Unlock()
		if found {
			l.stop()
			return
		}
	}
	if b, ok := s.pending[accountID]; ok {
		delete(b, id)
		if len(b) == 0 {
			delete(s.pending, accountID)
		}
	}
}

// HasFrameListener reports whether id is registered, live or pending.
func (s *Service) HasFrameListener(accountID string, id ListenerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[accountID]; ok {
		sess.mu.RLock()
		_, found := sess.listeners[id]
		sess.mu.RUnlock()
		if found {
			return true
		}
	}
	_, found := s.pending[accountID][id]
	return found
}

func (s *Service) IsScreencasting(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[accountID]
	return ok
}

// SetOperationStatus overwrites the account's status slot.
func (s *Service) SetOperationStatus(accountID, operation, step string) {
	s.mu.Lock()
	s.status[accountID] = types.OperationStatus{Operation: operation, Step: step, Timestamp: time.Now()}
	s.mu.Unlock()
}

func (s *Service) GetOperationStatus(accountID string) (types.OperationStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[accountID]
	return st, ok
}

func (s *Service) ClearOperationStatus(accountID string) {
	s.mu.Lock()
	delete(s.status, accountID)
	s.mu.Unlock()
}

// StopAll tears down every running screencast, for process shutdown.
func (s *Service) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.StopScreencast(ctx, id)
	}
}

func (sess *session) listenerCount() int {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return len(sess.listeners)
}

type AccountStats struct {
	AccountID string    `json:"accountId"`
	Listeners int       `json:"listeners"`
	Started   time.Time `json:"started"`
}

type Stats struct {
	Active         []AccountStats `json:"active"`
	Pending        int            `json:"pendingListeners"`
	FramesIn       int64          `json:"framesIn"`
	FramesOut      int64          `json:"framesDelivered"`
	Dropped        int64          `json:"framesDropped"`
	DecodeErrors   int64          `json:"decodeErrors"`
	ListenerPanics int64          `json:"listenerPanics"`
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := Stats{Active: make([]AccountStats, 0, len(s.sessions))}
	for id, sess := range s.sessions {
		st.Active = append(st.Active, AccountStats{AccountID: id, Listeners: sess.listenerCount(), Started: sess.started})
	}
	for _, b := range s.pending {
		st.Pending += len(b)
	}
	s.mu.Unlock()
	st.FramesIn = s.framesIn.Load()
	st.FramesOut = s.framesOut.Load()
	st.Dropped = s.dropped.Load()
	st.DecodeErrors = s.decodeErrors.Load()
	st.ListenerPanics = s.listenerPanics.Load()
	return st
}
