// Package push listens to the remote's websocket feed and turns every
// invalidate frame into a signal on the invalidation bus. It complements
// polling; caches stay correct without it.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Shivanand-hulikatti/meetup-client/internal/bus"
	"github.com/Shivanand-hulikatti/meetup-client/internal/credential"
)

// Path is the websocket endpoint on the remote API.
const Path = "/ws"

// FrameInvalidate is the frame type that triggers a bus signal.
const FrameInvalidate = "invalidate"

const (
	pongWait       = 90 * time.Second
	maxMessageSize = 4096
	minBackoff     = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Frame is one message from the server.
type Frame struct {
	Type string `json:"type"`
}

// Listener keeps a websocket connection open while a session exists.
type Listener struct {
	url    string
	access credential.AccessSource
	bus    bus.Bus
	dialer *websocket.Dialer
	logger *log.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// New constructs a Listener for the API at baseURL.
func New(baseURL string, access credential.AccessSource, b bus.Bus, logger *log.Logger) (*Listener, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", baseURL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u = u.JoinPath(Path)

	if b == nil {
		b = bus.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{
		url:        u.String(),
		access:     access,
		bus:        b,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}, nil
}

// Run connects, reads frames and reconnects with backoff until ctx is done.
// While signed out it only waits.
func (l *Listener) Run(ctx context.Context) {
	backoff := l.minBackoff
	for {
		access := l.access.Access()
		if access != "" {
			connected, err := l.session(ctx, access)
			if ctx.Err() != nil {
				return
			}
			if connected {
				backoff = l.minBackoff
			}
			if err != nil {
				l.logger.Printf("[push] connection lost: %v", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

// session runs one connection. It reports whether the handshake succeeded.
func (l *Listener) session(ctx context.Context, access string) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+access)

	conn, resp, err := l.dialer.DialContext(ctx, l.url, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s: status %d", l.url, resp.StatusCode)
		}
		return false, fmt.Errorf("dial %s: %w", l.url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadLimit(maxMessageSize)
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(pongWait)) }
	if err := extend(); err != nil {
		return true, err
	}
	conn.SetPingHandler(func(data string) error {
		if err := extend(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// A push may describe a change made while disconnected.
	l.bus.Publish()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return true, err
		}
		if err := extend(); err != nil {
			return true, err
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			l.logger.Printf("[push] invalid frame: %v", err)
			continue
		}
		if frame.Type == FrameInvalidate {
			l.bus.Publish()
		}
	}
}
