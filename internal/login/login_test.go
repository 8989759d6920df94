package login

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pinchtab/postbridge/internal/browser"
	"github.com/pinchtab/postbridge/internal/browser/browsertest"
	"github.com/pinchtab/postbridge/internal/session"
	"github.com/pinchtab/postbridge/internal/store"
	"github.com/pinchtab/postbridge/internal/types"
)

var sel = Selectors{}.withDefaults()

// site scripts the login flow on every page opened in the test pool.
type site struct {
	mu                     sync.Mutex
	password               string
	loggedIn               bool
	challengeAfterUsername bool
	challengeAfterPassword bool
	hideUsername           bool
}

func (s *site) isLoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

func (s *site) setup(p *browsertest.Page) {
	p.OnNavigate = func(pg *browsertest.Page, url string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case s.loggedIn:
			pg.SetVisible(sel.Home, true)
		case strings.HasSuffix(url, "/i/flow/login") && !s.hideUsername:
			pg.SetVisible(sel.Username, true)
		}
	}
	p.OnPress = func(pg *browsertest.Page, key string) {
		if key != browser.KeyEnter {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.challengeAfterUsername {
			pg.SetVisible(sel.Challenge, true)
			return
		}
		pg.SetVisible(sel.Password, true)
	}
	p.OnClick = func(pg *browsertest.Page, selector string) {
		if selector != sel.Submit {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case pg.Typed(sel.Password) != s.password:
			pg.SetVisible(sel.Rejected, true)
		case s.challengeAfterPassword:
			pg.SetVisible(sel.Challenge, true)
		default:
			s.loggedIn = true
			pg.SetVisible(sel.Home, true)
		}
	}
}

type steps struct {
	mu  sync.Mutex
	all []string
}

func (s *steps) SetOperationStatus(accountID, operation, step string) {
	s.mu.Lock()
	s.all = append(s.all, operation+":"+step)
	s.mu.Unlock()
}

func (s *steps) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.all...)
}

type fixture struct {
	handler *Handler
	pool    *session.Pool
	driver  *browsertest.Driver
	mem     *store.Memory
	site    *site
	steps   *steps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := &site{password: "hunter2"}
	d := &browsertest.Driver{PageSetup: s.setup}
	mem := store.NewMemory()
	pool := session.NewPool(d, mem, session.Options{})
	st := &steps{}
	h := New(pool, st, Options{StepTimeout: 40 * time.Millisecond, PollInterval: 2 * time.Millisecond})
	return &fixture{handler: h, pool: pool, driver: d, mem: mem, site: s, steps: st}
}

// usernameEntries counts pages on which the username was typed.
func (f *fixture) usernameEntries() int {
	n := 0
	for _, c := range f.driver.Contexts() {
		for _, p := range c.Pages() {
			if p.Typed(sel.Username) != "" {
				n++
			}
		}
	}
	return n
}

func TestLoginToXSuccess(t *testing.T) {
	f := newFixture(t)
	res := f.handler.LoginToX(context.Background(), "a1", "alice", "hunter2", nil)
	if !res.Success {
		t.Fatalf("login failed: %+v", res)
	}
	if f.mem.SaveCount("a1") != 1 {
		t.Errorf("saves = %d, want 1", f.mem.SaveCount("a1"))
	}
	if f.pool.Lease("a1") != nil {
		t.Error("lease still held after login")
	}
	sess, ok := f.pool.Get("a1")
	if !ok || sess.Status() != types.SessionActive {
		t.Errorf("session status not active")
	}
	got := f.steps.list()
	want := []string{"login:navigate_login", "login:enter_username", "login:enter_password", "login:verify_login", "login:done"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("steps = %v, want %v", got, want)
	}
	pages := f.driver.Contexts()[0].Pages()
	if len(pages) != 1 || pages[0].Typed(sel.Username) != "alice" || pages[0].CloseCount() == 0 {
		t.Errorf("login page not driven and closed as expected")
	}
}

func TestLoginToXClassifiesFailures(t *testing.T) {
	tests := []struct {
		name     string
		arrange  func(f *fixture)
		password string
		want     types.ErrorCode
	}{
		{"wrong password", func(f *fixture) {}, "nope", types.ErrCredentialsRejected},
		{"challenge after username", func(f *fixture) { f.site.challengeAfterUsername = true }, "hunter2", types.ErrChallengeRequired},
		{"challenge after password", func(f *fixture) { f.site.challengeAfterPassword = true }, "hunter2", types.ErrChallengeRequired},
		{"username field missing", func(f *fixture) { f.site.hideUsername = true }, "hunter2", types.ErrSelectorNotFound},
		{"navigation timeout", func(f *fixture) {
			f.driver.PageSetup = func(p *browsertest.Page) {
				p.Errors["navigate:*"] = fmt.Errorf("load: %w", context.DeadlineExceeded)
			}
		}, "hunter2", types.ErrTimeout},
		{"navigation error", func(f *fixture) {
			f.driver.PageSetup = func(p *browsertest.Page) {
				p.Errors["navigate:*"] = fmt.Errorf("net::ERR_PROXY_CONNECTION_FAILED")
			}
		}, "hunter2", types.ErrLoginFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.arrange(f)
			res := f.handler.LoginToX(context.Background(), "a1", "alice", tt.password, nil)
			if res.Success || res.Error != tt.want {
				t.Fatalf("result = %+v, want code %s", res, tt.want)
			}
			if res.Message == "" {
				t.Error("failure without message")
			}
			if f.mem.SaveCount("a1") != 0 {
				t.Error("failed login must not persist the session")
			}
			if f.pool.Lease("a1") != nil {
				t.Error("lease leaked on failure")
			}
			s := f.steps.list()
			if s[len(s)-1] != "login:failed" {
				t.Errorf("last step = %s, want login:failed", s[len(s)-1])
			}
		})
	}
}

func TestLoginToXRequiresCredentials(t *testing.T) {
	f := newFixture(t)
	res := f.handler.LoginToX(context.Background(), "a1", "alice", "", nil)
	if res.Success || res.Error != types.ErrCredentialsRejected {
		t.Fatalf("result = %+v", res)
	}
	if len(f.driver.Contexts()) != 0 {
		t.Error("context created without credentials")
	}
}

func TestLoginToXAlreadyAuthenticated(t *testing.T) {
	f := newFixture(t)
	f.site.loggedIn = true
	res := f.handler.LoginToX(context.Background(), "a1", "alice", "hunter2", nil)
	if !res.Success || res.Message != "already logged in" {
		t.Fatalf("result = %+v", res)
	}
	if f.usernameEntries() != 0 {
		t.Error("credentials entered for an authenticated session")
	}
}

func TestEnsureLoggedInIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.handler.EnsureLoggedIn(ctx, "a1", "alice", "hunter2", nil)
	if !first.Success {
		t.Fatalf("first ensure: %+v", first)
	}
	if !f.site.isLoggedIn() {
		t.Fatal("site not logged in")
	}
	for i := 0; i < 3; i++ {
		res := f.handler.EnsureLoggedIn(ctx, "a1", "alice", "hunter2", nil)
		if !res.Success || res.Message != "session already active" {
			t.Fatalf("repeat ensure %d: %+v", i, res)
		}
	}
	if n := f.usernameEntries(); n != 1 {
		t.Errorf("credentials entered %d times, want 1", n)
	}
	if len(f.driver.Contexts()) != 1 {
		t.Errorf("contexts = %d, want 1", len(f.driver.Contexts()))
	}
	if f.pool.Lease("a1") != nil {
		t.Error("lease still held")
	}
}

func TestEnsureLoggedInInsideCallerLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.pool.AcquireContext(ctx, "a1", nil)
	if err != nil {
		t.Fatal(err)
	}
	res := f.handler.EnsureLoggedIn(session.WithLease(ctx, sess), "a1", "alice", "hunter2", nil)
	if !res.Success {
		t.Fatalf("ensure under lease: %+v", res)
	}
	if f.pool.Lease("a1") == nil {
		t.Fatal("caller's lease released by nested ensure")
	}
	f.pool.ReleaseContext("a1")
	if f.pool.Lease("a1") != nil {
		t.Error("lease not released")
	}
}

func TestEnsureLoggedInPoolClosed(t *testing.T) {
	f := newFixture(t)
	if err := f.pool.ShutdownAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := f.handler.EnsureLoggedIn(context.Background(), "a1", "alice", "hunter2", nil)
	if res.Success || res.Error != types.ErrPoolClosed {
		t.Errorf("result = %+v, want POOL_CLOSED", res)
	}
}
