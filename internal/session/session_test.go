package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"

	"github.com/Shivanand-hulikatti/meetup-client/internal/apperr"
	"github.com/Shivanand-hulikatti/meetup-client/internal/bus"
	"github.com/Shivanand-hulikatti/meetup-client/internal/credential"
	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
)

// fakeRemote accepts exactly one access credential at a time.
type fakeRemote struct {
	mu                 sync.Mutex
	valid              string
	refreshStatus      int
	refreshCalls       int
	logoutCalls        int
	alwaysUnauthorized bool
	gate               chan struct{}
	hits               map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{valid: "fresh", hits: make(map[string]int)}
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case PathLogin:
		var req model.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_credentials"})
			return
		}
		writeJSON(w, http.StatusOK, model.Session{AccessCredential: f.current(), RenewalCredential: "r1", User: model.User{ID: "u1"}})
	case PathRefresh:
		f.mu.Lock()
		f.refreshCalls++
		gate := f.gate
		status := f.refreshStatus
		f.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if status != 0 {
			writeJSON(w, status, map[string]string{"error": "invalid_refresh_token"})
			return
		}
		writeJSON(w, http.StatusOK, model.Session{AccessCredential: f.current(), RenewalCredential: "r2", User: model.User{ID: "u1"}})
	case PathLogout:
		f.mu.Lock()
		f.logoutCalls++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case "/limited":
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
	case "/forbidden":
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case "/broken":
		f.hit(r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	default:
		f.hit(r.URL.Path)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		ok := token == f.valid && !f.alwaysUnauthorized
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"path": r.URL.Path})
	}
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRemote) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

func (f *fakeRemote) hit(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[path]++
}

func (f *fakeRemote) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeRemote) refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type fakeNavigator struct {
	route    string
	signOuts atomic.Int32
}

func (n *fakeNavigator) CurrentRoute() string { return n.route }

func (n *fakeNavigator) ForceSignOut(error) { n.signOuts.Add(1) }

type harness struct {
	remote    *fakeRemote
	server    *httptest.Server
	store     *credential.Store
	nav       *fakeNavigator
	bus       *bus.Local
	published atomic.Int32
	logs      *bytes.Buffer
	ctrl      *Controller
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		remote: newFakeRemote(),
		store:  credential.NewStore(credential.NewMemoryRenewalStore()),
		nav:    &fakeNavigator{route: "/events/e1"},
		bus:    bus.New(nil),
		logs:   &bytes.Buffer{},
	}
	h.server = httptest.NewServer(h.remote)
	t.Cleanup(h.server.Close)
	h.bus.Subscribe(func() { h.published.Add(1) })

	opts := Options{
		BaseURL:      h.server.URL,
		Credentials:  h.store,
		Bus:          h.bus,
		Navigator:    h.nav,
		PublicRoutes: []string{"/", "/login"},
		Logger:       log.New(&lockedBuffer{buf: h.logs}, "", 0),
	}
	if configure != nil {
		configure(&opts)
	}
	ctrl, err := New(opts)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h.ctrl = ctrl
	return h
}

// signInStale stores credentials the remote no longer accepts.
func (h *harness) signInStale(t *testing.T) {
	t.Helper()
	err := h.store.Set(context.Background(), model.Session{
		AccessCredential:  "stale",
		RenewalCredential: "r1",
		User:              model.User{ID: "u1"},
	})
	if err != nil {
		t.Fatalf("seed credentials: %v", err)
	}
}

func (c *Controller) queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func get(path string) Request {
	return Request{Method: http.MethodGet, Path: path}
}

// ─── Single-flight renewal ────────────────────────────────────────────────────

func TestConcurrentAuthFailuresShareOneRenewal(t *testing.T) {
	h := newHarness(t, nil)
	h.signInStale(t)
	h.remote.set(func(f *fakeRemote) { f.gate = make(chan struct{}) })

	const n = 20
	ctx := context.Background()
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := h.ctrl.Call(ctx, get(fmt.Sprintf("/events/e%d", i)))
			return err
		})
	}

	waitFor(t, func() bool { return h.remote.refreshes() == 1 && h.ctrl.queued() == n-1 })
	close(h.remote.gate)

	if err := g.Wait(); err != nil {
		t.Fatalf("expected every call to succeed after renewal, got %v", err)
	}
	if got := h.remote.refreshes(); got != 1 {
		t.Fatalf("expected exactly one renewal call, got %d", got)
	}
	if got := h.ctrl.Renewals(); got != 1 {
		t.Fatalf("expected controller to count one renewal, got %d", got)
	}
	for i := 0; i < n; i++ {
		path := fmt.Sprintf("/events/e%d", i)
		if got := h.remote.count(path); got != 2 {
			t.Fatalf("%s: expected original + one retry, got %d hits", path, got)
		}
	}
	if h.store.Access() != "fresh" {
		t.Fatalf("expected renewed access credential, got %q", h.store.Access())
	}
	if renewal, _ := h.store.Renewal(ctx); renewal != "r2" {
		t.Fatalf("expected rotated renewal credential, got %q", renewal)
	}
}

func TestQueuedRetriesIssueInFIFOOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.signInStale(t)
	h.remote.set(func(f *fakeRemote) { f.gate = make(chan struct{}) })

	var mu sync.Mutex
	var order []string
	h.ctrl.beforeSend = func(req Request, access string) {
		if access != "fresh" {
			return
		}
		mu.Lock()
		order = append(order, req.Path)
		mu.Unlock()
	}

	ctx := context.Background()
	var g errgroup.Group
	g.Go(func() error {
		_, err := h.ctrl.Call(ctx, get("/events/leader"))
		return err
	})
	waitFor(t, func() bool { return h.remote.refreshes() == 1 })

	for i := 1; i <= 5; i++ {
		g.Go(func() error {
			_, err := h.ctrl.Call(ctx, get(fmt.Sprintf("/events/w%d", i)))
			return err
		})
		waitFor(t, func() bool { return h.ctrl.queued() == i })
	}
	close(h.remote.gate)
	if err := g.Wait(); err != nil {
		t.Fatalf("calls failed: %v", err)
	}

	want := "/events/w1,/events/w2,/events/w3,/events/w4,/events/w5,/events/leader"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("retry order\n got %s\nwant %s", got, want)
	}
}

func TestRetryHappensAtMostOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.signInStale(t)
	h.remote.set(func(f *fakeRemote) { f.alwaysUnauthorized = true })

	_, err := h.ctrl.Call(context.Background(), get("/events/e1"))
	if !apperr.IsKind(err, apperr.KindAuthInvalid) {
		t.Fatalf("expected auth invalid, got %v", err)
	}
	if got := h.remote.refreshes(); got != 1 {
		t.Fatalf("expected one renewal, got %d", got)
	}
	if got := h.remote.count("/events/e1"); got != 2 {
		t.Fatalf("expected original + one retry, got %d", got)
	}
}

func TestRetryUsesCredentialRenewedMeanwhile(t *testing.T) {
	h := newHarness(t, nil)
	h.signInStale(t)

	// The request leaves with the stale credential; a renewal lands before
	// the 401 comes back.
	h.ctrl.beforeSend = func(req Request, access string) {
		if access == "stale" {
			_ = h.store.Set(context.Background(), model.Session{AccessCredential: "fresh", RenewalCredential: "r2", User: model.User{ID: "u1"}})
		}
	}

	if _, err := h.ctrl.Call(context.Background(), get("/events/e1")); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := h.remote.refreshes(); got != 0 {
		t.Fatalf("expected no renewal, got %d", got)
	}
}

// ─── Renewal failure ─────────────────────────────────────────────────────────

func TestRenewalFailureSignsOutAndReleasesWaiters(t *testing.T) {
	h := newHarness(t, nil)
	h.signInStale(t)
	h.remote.set(func(f *fakeRemote) { f.refreshStatus = http.StatusUnauthorized })
	h.remote.set(func(f *fakeRemote) { f.gate = make(chan struct{}) })

	ctx := context.Background()
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := h.ctrl.Call(ctx, get(fmt.Sprintf("/events/e%d", i)))
			errs <- err
		}()
	}
	waitFor(t, func() bool { return h.remote.refreshes() == 1 && h.ctrl.queued() == 2 })
	close(h.remote.gate)

	for i := 0; i < 3; i++ {
		if err := <-errs; !apperr.IsKind(err, apperr.KindAuthInvalid) {
			t.Fatalf("expected auth invalid, got %v", err)
		}
	}
	if got := h.nav.signOuts.Load(); got != 1 {
		t.Fatalf("expected exactly one forced sign-out, got %d", got)
	}
	if h.store.Access() != "" || h.store.HasRenewal(ctx) {
		t.Fatalf("expected session destroyed")
	}
	if h.published.Load() == 0 {
		t.Fatalf("expected invalidation after session loss")
	}
}

func TestRenewalFailureOnPublicRouteDoesNotSignOut(t *testing.T) {
	h := newHarness(t, nil)
	h.nav.route = "/login"
	h.signInStale(t)
	h.remote.set(func(f *fakeRemote) { f.refreshStatus = http.StatusUnauthorized })

	_, err := h.ctrl.Call(context.Background(), get("/events/e1"))
	if !apperr.IsKind(err, apperr.KindAuthInvalid) {
		t.Fatalf("expected auth invalid, got %v", err)
	}
	if h.nav.signOuts.Load() != 0 {
		t.Fatalf("expected no forced sign-out on a public route")
	}
	if h.store.Access() != "" {
		t.Fatalf("expected session cleared anyway")
	}
}

type failRefreshTransport struct{ inner http.RoundTripper }

func (f failRefreshTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.URL.Path == PathRefresh {
		return nil, errors.New("dial tcp: connection refused")
	}
	return f.inner.RoundTrip(r)
}

func TestUnreachableRenewalSignsOutByDefault(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HTTPClient = &http.Client{Transport: failRefreshTransport{inner: http.DefaultTransport}}
	})
	h.signInStale(t)

	_, err := h.ctrl.Call(context.Background(), get("/events/e1"))
	if !apperr.IsKind(err, apperr.KindAuthInvalid) {
		t.Fatalf("expected auth invalid, got %v", err)
	}
	if h.nav.signOuts.Load() != 1 {
		t.Fatalf("expected forced sign-out")
	}
}

func TestUnreachableRenewalCanPreserveSession(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HTTPClient = &http.Client{Transport: failRefreshTransport{inner: http.DefaultTransport}}
		o.PreserveSessionOnConnectivityFailure = true
	})
	h.signInStale(t)

	_, err := h.ctrl.Call(context.Background(), get("/events/e1"))
	if !apperr.IsKind(err, apperr.KindConnectivity) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	if h.nav.signOuts.Load() != 0 {
		t.Fatalf("expected session preserved without sign-out")
	}
	if !h.store.HasRenewal(context.Background()) {
		t.Fatalf("expected renewal credential kept")
	}
}

// ─── Guests and classification ───────────────────────────────────────────────

func TestGuestAuthFailureIsSilent(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.ctrl.Call(context.Background(), get("/events/e1"))
	if !apperr.IsKind(err, apperr.KindAuthExpired) {
		t.Fatalf("expected auth expired, got %v", err)
	}
	if h.remote.refreshes() != 0 {
		t.Fatalf("expected no renewal for guests")
	}
	if h.nav.signOuts.Load() != 0 {
		t.Fatalf("expected no sign-out for guests")
	}
	if h.logs.Len() != 0 {
		t.Fatalf("expected no log output, got %q", h.logs.String())
	}
}

func TestNonAuthFailuresAreClassifiedAndNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.ctrl.Call(ctx, get("/limited"))
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind != apperr.KindRateLimited || e.RetryAfter != 30*time.Second {
		t.Fatalf("expected rate limited with 30s hint, got %v", err)
	}

	if _, err := h.ctrl.Call(ctx, get("/forbidden")); !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	if _, err := h.ctrl.Call(ctx, get("/broken")); !apperr.IsKind(err, apperr.KindServerError) {
		t.Fatalf("expected server error, got %v", err)
	}
	if got := h.remote.count("/broken"); got != 1 {
		t.Fatalf("expected no automatic retry, got %d hits", got)
	}

	h.server.Close()
	if _, err := h.ctrl.Call(ctx, get("/events/e1")); !apperr.IsKind(err, apperr.KindConnectivity) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
}

// ─── Account operations ──────────────────────────────────────────────────────

func TestLoginStoresCredentialsAndInvalidates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.ctrl.Login(ctx, "a@example.test", "wrong"); !apperr.IsKind(err, apperr.KindAuthInvalid) {
		t.Fatalf("expected auth invalid for bad password, got %v", err)
	}
	if h.remote.refreshes() != 0 {
		t.Fatalf("expected login failure not to trigger renewal")
	}

	user, err := h.ctrl.Login(ctx, " a@example.test ", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.ID != "u1" || h.ctrl.Viewer().UserID != "u1" {
		t.Fatalf("unexpected viewer after login: %+v", h.ctrl.Viewer())
	}
	if h.store.Access() != "fresh" {
		t.Fatalf("expected access credential stored")
	}
	if h.published.Load() != 1 {
		t.Fatalf("expected one invalidation, got %d", h.published.Load())
	}
	if _, err := h.ctrl.Call(ctx, get("/events/e1")); err != nil {
		t.Fatalf("authenticated call: %v", err)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.ctrl.Login(ctx, "a@example.test", "secret"); err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := h.ctrl.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if h.store.Access() != "" || h.store.HasRenewal(ctx) {
		t.Fatalf("expected session cleared")
	}
	h.remote.mu.Lock()
	logouts := h.remote.logoutCalls
	h.remote.mu.Unlock()
	if logouts != 1 {
		t.Fatalf("expected remote logout, got %d", logouts)
	}
	if h.ctrl.Viewer().Authenticated() {
		t.Fatalf("expected anonymous viewer")
	}
}

func TestRestoreFromRenewalCredential(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ok, err := h.ctrl.Restore(ctx)
	if err != nil || ok {
		t.Fatalf("expected nothing to restore, got ok=%v err=%v", ok, err)
	}

	renewal := credential.NewMemoryRenewalStore()
	_ = renewal.Save(ctx, "r1")
	h.store = credential.NewStore(renewal)
	ctrl, err := New(Options{BaseURL: h.server.URL, Credentials: h.store, Bus: h.bus})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ok, err = ctrl.Restore(ctx)
	if err != nil || !ok {
		t.Fatalf("expected restored session, got ok=%v err=%v", ok, err)
	}
	if h.store.Access() != "fresh" || ctrl.Viewer().UserID != "u1" {
		t.Fatalf("unexpected restored state: access=%q viewer=%+v", h.store.Access(), ctrl.Viewer())
	}
}

func TestViewerFallsBackToAccessSubject(t *testing.T) {
	h := newHarness(t, nil)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u9"}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_ = h.store.Set(context.Background(), model.Session{AccessCredential: token, RenewalCredential: "r"})

	if got := h.ctrl.Viewer().UserID; got != "u9" {
		t.Fatalf("expected subject u9, got %q", got)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{BaseURL: "not a url", Credentials: credential.NewStore(nil)}); err == nil {
		t.Fatalf("expected invalid base url error")
	}
	if _, err := New(Options{BaseURL: "http://api.example.test"}); err == nil {
		t.Fatalf("expected missing credential store error")
	}
}

func TestDoDecodesJSON(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.store.Set(context.Background(), model.Session{AccessCredential: "fresh", RenewalCredential: "r1"})

	out, err := Do[map[string]string](context.Background(), h.ctrl, get("/events/e7"))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out["path"] != "/events/e7" {
		t.Fatalf("unexpected payload %v", out)
	}
}
