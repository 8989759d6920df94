package preview

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/goleak"

	"github.com/pinchtab/postbridge/internal/browser"
	"github.com/pinchtab/postbridge/internal/browser/browsertest"
	"github.com/pinchtab/postbridge/internal/screencast"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	svc *screencast.Service
	gw  *Gateway
	srv *httptest.Server
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	if opts.FPS == 0 {
		opts.FPS = 1000
	}
	opts.StatusInterval = 10 * time.Millisecond
	svc := screencast.New(screencast.Config{})
	gw := New(svc, opts)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.Serve(w, r, r.URL.Query().Get("account"))
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := gw.Close(ctx); err != nil {
			t.Errorf("gateway close: %v", err)
		}
		srv.Close()
		svc.StopAll(context.Background())
	})
	return &env{svc: svc, gw: gw, srv: srv}
}

func (e *env) start(t *testing.T, account string, pg *browsertest.Page) *browsertest.Capture {
	t.Helper()
	if err := e.svc.StartScreencast(context.Background(), account, pg, browser.ScreencastOptions{}); err != nil {
		t.Fatal(err)
	}
	return pg.LastCapture()
}

func (e *env) listeners(account string) int {
	for _, a := range e.svc.Stats().Active {
		if a.AccountID == account {
			return a.Listeners
		}
	}
	return 0
}

type viewer struct {
	conn net.Conn
	rw   io.ReadWriter
}

type rw struct {
	io.Reader
	io.Writer
}

func (e *env) dial(t *testing.T, account string) *viewer {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/?account=" + account
	conn, br, _, err := ws.Dial(context.Background(), u)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	v := &viewer{conn: conn, rw: conn}
	if br != nil {
		v.rw = rw{Reader: br, Writer: conn}
	}
	return v
}

func (v *viewer) next(t *testing.T, within time.Duration) (ws.OpCode, []byte, error) {
	t.Helper()
	_ = v.conn.SetReadDeadline(time.Now().Add(within))
	data, op, err := wsutil.ReadServerData(v.rw)
	return op, data, err
}

func (v *viewer) binary(t *testing.T) []byte {
	t.Helper()
	for {
		op, data, err := v.next(t, 2*time.Second)
		if err != nil {
			t.Fatalf("waiting for frame: %v", err)
		}
		if op == ws.OpBinary {
			return data
		}
	}
}

func (v *viewer) status(t *testing.T, match func(StatusMessage) bool) StatusMessage {
	t.Helper()
	for {
		op, data, err := v.next(t, 2*time.Second)
		if err != nil {
			t.Fatalf("waiting for status: %v", err)
		}
		if op != ws.OpText {
			continue
		}
		var msg StatusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad status json %q: %v", data, err)
		}
		if msg.Type != "status" {
			t.Fatalf("type = %q", msg.Type)
		}
		if match(msg) {
			return msg
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamsFramesAndStatus(t *testing.T) {
	e := newEnv(t, Options{})
	c := e.start(t, "a1", browsertest.NewPage("p1"))

	v := e.dial(t, "a1")
	first := v.status(t, func(StatusMessage) bool { return true })
	if !first.Screencasting || first.AccountID != "a1" {
		t.Errorf("initial status = %+v", first)
	}
	eventually(t, "listener", func() bool { return e.listeners("a1") == 1 })

	c.Emit([]byte("jpeg-1"))
	if got := v.binary(t); string(got) != "jpeg-1" {
		t.Errorf("frame = %q", got)
	}

	e.svc.SetOperationStatus("a1", "post", "submit")
	msg := v.status(t, func(m StatusMessage) bool { return m.Step == "submit" })
	if msg.Operation != "post" || msg.Timestamp.IsZero() {
		t.Errorf("status = %+v", msg)
	}
}

func TestDisconnectDoesNotAffectOthers(t *testing.T) {
	e := newEnv(t, Options{})
	c1 := e.start(t, "a1", browsertest.NewPage("p1"))
	c2 := e.start(t, "a2", browsertest.NewPage("p2"))

	gone := e.dial(t, "a1")
	stay := e.dial(t, "a1")
	other := e.dial(t, "a2")
	eventually(t, "a1 listeners", func() bool { return e.listeners("a1") == 2 })
	eventually(t, "a2 listener", func() bool { return e.listeners("a2") == 1 })

	_ = gone.conn.Close()
	eventually(t, "disconnect cleanup", func() bool {
		return e.gw.Clients("a1") == 1 && e.listeners("a1") == 1
	})

	c1.Emit([]byte("for-a1"))
	c2.Emit([]byte("for-a2"))
	if got := stay.binary(t); string(got) != "for-a1" {
		t.Errorf("a1 viewer got %q", got)
	}
	if got := other.binary(t); string(got) != "for-a2" {
		t.Errorf("a2 viewer got %q", got)
	}
	if st := e.gw.Stats(); st["a1"] != 1 || st["a2"] != 1 {
		t.Errorf("stats = %v", st)
	}
}

func TestReregistersAfterScreencastRestart(t *testing.T) {
	e := newEnv(t, Options{})
	pg := browsertest.NewPage("p1")
	e.start(t, "a1", pg)
	v := e.dial(t, "a1")
	eventually(t, "listener", func() bool { return e.listeners("a1") == 1 })

	restarted := e.start(t, "a1", pg)
	eventually(t, "re-registered listener", func() bool { return e.listeners("a1") == 1 })

	restarted.Emit([]byte("after-restart"))
	if got := v.binary(t); string(got) != "after-restart" {
		t.Errorf("frame = %q", got)
	}
}

func TestViewerBeforeScreencastStarts(t *testing.T) {
	e := newEnv(t, Options{})
	v := e.dial(t, "a1")
	st := v.status(t, func(StatusMessage) bool { return true })
	if st.Screencasting {
		t.Error("nothing should be screencasting yet")
	}
	eventually(t, "pending listener", func() bool { return e.svc.Stats().Pending == 1 })

	c := e.start(t, "a1", browsertest.NewPage("p1"))
	c.Emit([]byte("first"))
	if got := v.binary(t); string(got) != "first" {
		t.Errorf("frame = %q", got)
	}
}

func TestRateLimitPerViewer(t *testing.T) {
	e := newEnv(t, Options{FPS: 1})
	c := e.start(t, "a1", browsertest.NewPage("p1"))
	v := e.dial(t, "a1")
	v.status(t, func(StatusMessage) bool { return true })
	eventually(t, "listener", func() bool { return e.listeners("a1") == 1 })

	for i := 0; i < 5; i++ {
		c.Emit([]byte{byte(i)})
	}
	if got := v.binary(t); len(got) != 1 {
		t.Fatalf("frame = %v", got)
	}
	op, _, err := v.next(t, 200*time.Millisecond)
	var ne net.Error
	if err == nil || !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("expected no further message, got op=%v err=%v", op, err)
	}
}

func TestCloseDisconnectsViewers(t *testing.T) {
	e := newEnv(t, Options{})
	v := e.dial(t, "a1")
	v.status(t, func(StatusMessage) bool { return true })
	eventually(t, "client registered", func() bool { return e.gw.Clients("a1") == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.gw.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := v.next(t, 2*time.Second); err == nil {
		t.Error("expected the connection to be closed")
	}
	if e.gw.Clients("a1") != 0 {
		t.Error("client still registered")
	}

	late := e.dial(t, "a1")
	if _, _, err := late.next(t, 2*time.Second); err == nil {
		t.Error("gateway accepted a viewer after close")
	}
}
