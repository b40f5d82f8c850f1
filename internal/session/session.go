// Package session implements the resilient session controller. Every
// outbound call goes through Controller.Call, which attaches the access
// credential, renews it transparently on authorization failures, and turns
// every failure into a classified *apperr.Error.
//
// Renewal is single-flight: while one renewal is outstanding, other callers
// that hit an authorization failure wait in a FIFO queue. When the renewal
// resolves, waiters are released one at a time in queue order, and each one
// hands its retry to the HTTP client before the next is released. The
// caller that started the renewal retries last. A request is retried at
// most once.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/meetup-client/internal/apperr"
	"github.com/Shivanand-hulikatti/meetup-client/internal/bus"
	"github.com/Shivanand-hulikatti/meetup-client/internal/credential"
	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
)

// Remote auth endpoints.
const (
	PathLogin    = "/auth/login"
	PathRegister = "/auth/register"
	PathRefresh  = "/auth/refresh"
	PathLogout   = "/auth/logout"
)

const maxResponseBytes = 4 << 20

// Kind tells the controller which requests must never trigger a renewal.
type Kind int

const (
	KindDefault Kind = iota
	KindLogin
	KindRegister
	KindRenew
	KindLogout
)

// Request describes one outbound remote operation.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Kind   Kind
}

// Response is a successful (2xx) remote response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Caller is the surface consumed by components that issue remote calls.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Navigator exposes the UI's navigation state to the controller.
type Navigator interface {
	// CurrentRoute returns the route the user is currently on.
	CurrentRoute() string
	// ForceSignOut sends the user back to the sign-in flow.
	ForceSignOut(reason error)
}

// Options configures a Controller.
type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials *credential.Store
	Bus         bus.Bus
	Navigator   Navigator
	// PublicRoutes are routes that stay usable without a session; a failed
	// renewal on one of them does not force a sign-out.
	PublicRoutes []string
	// PreserveSessionOnConnectivityFailure keeps the session when the
	// renewal endpoint is unreachable instead of signing out.
	PreserveSessionOnConnectivityFailure bool
	RenewTimeout                         time.Duration
	Logger                               *log.Logger
}

type renewResult struct {
	access string
	err    error
}

type waiter struct {
	ready chan renewResult
	ack   chan struct{}
}

// Controller is the resilient session controller.
type Controller struct {
	base         *url.URL
	http         *http.Client
	creds        *credential.Store
	bus          bus.Bus
	nav          Navigator
	public       map[string]bool
	preserve     bool
	renewTimeout time.Duration
	logger       *log.Logger

	mu       sync.Mutex
	renewing bool
	waiters  []*waiter
	renewals atomic.Int64

	// beforeSend observes every request right before it is handed to the
	// HTTP client.
	beforeSend func(Request, string)
}

// New constructs a Controller.
func New(opts Options) (*Controller, error) {
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", opts.BaseURL)
	}
	if opts.Credentials == nil {
		return nil, errors.New("credential store is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	b := opts.Bus
	if b == nil {
		b = bus.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	renewTimeout := opts.RenewTimeout
	if renewTimeout <= 0 {
		renewTimeout = 15 * time.Second
	}
	public := make(map[string]bool, len(opts.PublicRoutes))
	for _, route := range opts.PublicRoutes {
		if route = strings.TrimSpace(route); route != "" {
			public[route] = true
		}
	}
	return &Controller{
		base:         base,
		http:         httpClient,
		creds:        opts.Credentials,
		bus:          b,
		nav:          opts.Navigator,
		public:       public,
		preserve:     opts.PreserveSessionOnConnectivityFailure,
		renewTimeout: renewTimeout,
		logger:       logger,
	}, nil
}

// Credentials returns the read-only access source for other components.
func (c *Controller) Credentials() credential.AccessSource {
	return c.creds
}

// Renewals returns how many renewal calls this controller has issued.
func (c *Controller) Renewals() int64 {
	return c.renewals.Load()
}

// Viewer returns the signed-in user, or an anonymous viewer.
func (c *Controller) Viewer() model.Viewer {
	if user := c.creds.User(); user.ID != "" {
		return model.Viewer{UserID: user.ID}
	}
	return model.Viewer{UserID: subjectOf(c.creds.Access())}
}

// ─── Call ─────────────────────────────────────────────────────────────────────

// Call sends req, renewing the access credential if the remote reports it
// expired. Non-2xx responses and transport failures come back as
// *apperr.Error.
func (c *Controller) Call(ctx context.Context, req Request) (*Response, error) {
	var access string
	if req.Kind == KindDefault || req.Kind == KindLogout {
		access = c.creds.Access()
	}
	resp, err := c.send(ctx, req, access, nil)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized {
		return result(resp)
	}

	// Auth endpoints report bad credentials with 401; that is an answer,
	// not an expired session.
	if req.Kind != KindDefault {
		e := apperr.FromStatus(resp.Status, resp.Header, resp.Body)
		e.Kind = apperr.KindAuthInvalid
		if e.Message == apperr.DefaultMessage(apperr.KindAuthExpired) {
			e.Message = apperr.DefaultMessage(apperr.KindAuthInvalid)
		}
		return nil, e
	}

	// Guests browsing anonymously land here constantly. Fail quietly.
	if !c.creds.HasRenewal(ctx) {
		return result(resp)
	}

	// A renewal finished after this request went out; reuse its credential.
	if current := c.creds.Access(); current != "" && current != access {
		return c.retry(ctx, req, current, nil)
	}

	fresh, release, err := c.awaitRenewal(ctx)
	if err != nil {
		return nil, err
	}
	return c.retry(ctx, req, fresh, release)
}

func (c *Controller) retry(ctx context.Context, req Request, access string, release func()) (*Response, error) {
	if release != nil {
		defer release()
	}
	resp, err := c.send(ctx, req, access, release)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized {
		return nil, apperr.New(apperr.KindAuthInvalid, "")
	}
	return result(resp)
}

// awaitRenewal joins the in-flight renewal or starts one. Waiters receive a
// release func that must be called once their retry has been handed off.
func (c *Controller) awaitRenewal(ctx context.Context) (string, func(), error) {
	c.mu.Lock()
	if c.renewing {
		w := &waiter{ready: make(chan renewResult, 1), ack: make(chan struct{})}
		c.waiters = append(c.waiters, w)
		c.mu.Unlock()

		var once sync.Once
		release := func() { once.Do(func() { close(w.ack) }) }
		select {
		case res := <-w.ready:
			if res.err != nil {
				release()
				return "", nil, res.err
			}
			return res.access, release, nil
		case <-ctx.Done():
			release()
			return "", nil, apperr.FromTransport(ctx.Err())
		}
	}
	c.renewing = true
	c.mu.Unlock()

	renewCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.renewTimeout)
	access, err := c.renew(renewCtx)
	cancel()

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.renewing = false
	c.mu.Unlock()

	res := renewResult{access: access, err: err}
	for _, w := range waiters {
		w.ready <- res
		<-w.ack
	}
	if err != nil {
		return "", nil, err
	}
	return access, nil, nil
}

// renew exchanges the stored renewal credential for a fresh pair. On
// failure the session is destroyed and, outside public routes, the user is
// signed out.
func (c *Controller) renew(ctx context.Context) (string, error) {
	c.renewals.Add(1)

	token, err := c.creds.Renewal(ctx)
	if err == nil && token == "" {
		err = apperr.New(apperr.KindAuthInvalid, "")
	}
	var session model.Session
	if err == nil {
		session, err = Do[model.Session](ctx, c, Request{
			Method: http.MethodPost,
			Path:   PathRefresh,
			Body:   model.RenewRequest{RefreshToken: token},
			Kind:   KindRenew,
		})
	}
	if err == nil && session.AccessCredential == "" {
		err = apperr.New(apperr.KindAuthInvalid, "renewal returned no credential")
	}
	if err == nil {
		err = c.creds.Set(ctx, session)
	}
	if err != nil {
		return "", c.renewalFailed(ctx, err)
	}

	c.logger.Printf("[session] credentials renewed for user=%s", session.User.ID)
	return session.AccessCredential, nil
}

func (c *Controller) renewalFailed(ctx context.Context, cause error) error {
	if c.preserve && apperr.IsKind(cause, apperr.KindConnectivity) {
		c.logger.Printf("[session] renewal unreachable, keeping session: %v", cause)
		return apperr.Classify(cause)
	}

	c.logger.Printf("[session] renewal failed, clearing session: %v", cause)
	if err := c.creds.Clear(ctx); err != nil {
		c.logger.Printf("[session] clear credentials: %v", err)
	}
	c.bus.Publish()

	failure := apperr.Wrap(apperr.KindAuthInvalid, "", cause)
	if c.nav != nil && !c.public[c.nav.CurrentRoute()] {
		c.nav.ForceSignOut(failure)
	}
	return failure
}

// ─── Account operations ───────────────────────────────────────────────────────

// Login signs in and stores the issued credentials.
func (c *Controller) Login(ctx context.Context, email, password string) (model.User, error) {
	return c.establish(ctx, Request{
		Method: http.MethodPost,
		Path:   PathLogin,
		Body:   model.LoginRequest{Email: strings.TrimSpace(email), Password: password},
		Kind:   KindLogin,
	})
}

// Register creates an account and signs in.
func (c *Controller) Register(ctx context.Context, req model.RegisterRequest) (model.User, error) {
	req.Email = strings.TrimSpace(req.Email)
	return c.establish(ctx, Request{
		Method: http.MethodPost,
		Path:   PathRegister,
		Body:   req,
		Kind:   KindRegister,
	})
}

func (c *Controller) establish(ctx context.Context, req Request) (model.User, error) {
	session, err := Do[model.Session](ctx, c, req)
	if err != nil {
		return model.User{}, err
	}
	if session.AccessCredential == "" {
		return model.User{}, apperr.New(apperr.KindUnknown, "sign-in returned no credential")
	}
	if err := c.creds.Set(ctx, session); err != nil {
		return model.User{}, apperr.Wrap(apperr.KindUnknown, "could not save your session", err)
	}
	c.bus.Publish()
	return session.User, nil
}

// Restore renews the session from the durable renewal credential, if any.
// It reports whether a session is active afterwards.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	if !c.creds.HasRenewal(ctx) {
		return false, nil
	}
	_, release, err := c.awaitRenewal(ctx)
	if release != nil {
		release()
	}
	if err != nil {
		return false, err
	}
	c.bus.Publish()
	return true, nil
}

// Logout revokes the renewal credential remotely (best effort) and destroys
// the local session.
func (c *Controller) Logout(ctx context.Context) error {
	token, _ := c.creds.Renewal(ctx)
	if token != "" {
		_, err := c.Call(ctx, Request{
			Method: http.MethodPost,
			Path:   PathLogout,
			Body:   model.RenewRequest{RefreshToken: token},
			Kind:   KindLogout,
		})
		if err != nil {
			c.logger.Printf("[session] remote logout failed: %v", err)
		}
	}
	err := c.creds.Clear(ctx)
	c.bus.Publish()
	if err != nil {
		return apperr.Wrap(apperr.KindUnknown, "could not clear your session", err)
	}
	return nil
}

// ─── Transport ────────────────────────────────────────────────────────────────

func (c *Controller) send(ctx context.Context, req Request, access string, onIssue func()) (*Response, error) {
	u := c.base.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUnknown, "", fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnknown, "", fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		httpReq.Header.Set("Authorization", "Bearer "+access)
	}

	if c.beforeSend != nil {
		c.beforeSend(req, access)
	}
	if onIssue != nil {
		onIssue()
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperr.FromTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.FromTransport(err)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func result(resp *Response) (*Response, error) {
	if resp.Status >= 200 && resp.Status < 300 {
		return resp, nil
	}
	return nil, apperr.FromStatus(resp.Status, resp.Header, resp.Body)
}

// Do calls req through c and decodes a JSON response into T.
func Do[T any](ctx context.Context, c Caller, req Request) (T, error) {
	var out T
	resp, err := c.Call(ctx, req)
	if err != nil {
		return out, apperr.Classify(err)
	}
	if resp.Status == http.StatusNoContent || len(bytes.TrimSpace(resp.Body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, apperr.Wrap(apperr.KindUnknown, "unexpected response from server", err)
	}
	return out, nil
}

// subjectOf reads the subject claim of an access credential without
// verifying it. Verification is the remote's job; the client only needs to
// know who it is signed in as.
func subjectOf(access string) string {
	if access == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
