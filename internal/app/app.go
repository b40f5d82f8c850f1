// Package app wires the client components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Shivanand-hulikatti/meetup-client/internal/bus"
	"github.com/Shivanand-hulikatti/meetup-client/internal/config"
	"github.com/Shivanand-hulikatti/meetup-client/internal/credential"
	"github.com/Shivanand-hulikatti/meetup-client/internal/database"
	"github.com/Shivanand-hulikatti/meetup-client/internal/feed"
	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
	"github.com/Shivanand-hulikatti/meetup-client/internal/pendingwork"
	"github.com/Shivanand-hulikatti/meetup-client/internal/poller"
	"github.com/Shivanand-hulikatti/meetup-client/internal/push"
	"github.com/Shivanand-hulikatti/meetup-client/internal/repository"
	"github.com/Shivanand-hulikatti/meetup-client/internal/service"
	"github.com/Shivanand-hulikatti/meetup-client/internal/session"
)

// Poller target names.
const (
	TargetFeed        = "feed"
	TargetPendingWork = "pendingwork"
)

// App holds the wired client.
type App struct {
	Config        config.Config
	Bus           *bus.Local
	Session       *session.Controller
	Events        *repository.EventRepository
	Cache         *service.EventCache
	Participation *service.ParticipationService
	Feed          *feed.Feed
	PendingWork   *pendingwork.Aggregator
	Poller        *poller.Poller

	state       *database.Store
	push        *push.Listener
	redis       *redis.Client
	bridge      *bus.RedisBridge
	unsubscribe func()
	logger      *log.Logger
	closeOnce   sync.Once
}

// New builds the client from cfg. nav may be nil for headless use.
func New(ctx context.Context, cfg config.Config, nav session.Navigator, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}

	// ── 1. Local state ───────────────────────────────────────────────────
	state, err := database.Open(ctx, cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	creds := credential.NewStore(state)

	// ── 2. Session and remote access ─────────────────────────────────────
	b := bus.New(logger)
	ctrl, err := session.New(session.Options{
		BaseURL:                              cfg.APIBaseURL,
		HTTPClient:                           &http.Client{Timeout: cfg.RequestTimeout},
		Credentials:                          creds,
		Bus:                                  b,
		Navigator:                            nav,
		PublicRoutes:                         cfg.PublicRoutes,
		PreserveSessionOnConnectivityFailure: cfg.PreserveSessionOnOffline,
		RenewTimeout:                         cfg.RequestTimeout,
		Logger:                               logger,
	})
	if err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("session: %w", err)
	}
	events := repository.NewEventRepository(ctrl)

	// ── 3. Read side ─────────────────────────────────────────────────────
	cache := service.NewEventCache(events, cfg.PollInterval, b, nil)
	a := &App{
		Config:        cfg,
		Bus:           b,
		Session:       ctrl,
		Events:        events,
		Cache:         cache,
		Participation: service.NewParticipationService(events, cache, b, ctrl, nil, logger),
		Feed:          feed.New(events, ctrl, nil),
		PendingWork:   pendingwork.New(events, ctrl, nil),
		Poller:        poller.New(cfg.RequestTimeout, logger),
		state:         state,
		logger:        logger,
	}

	if err := a.Poller.Add(TargetFeed, cfg.FeedPollInterval, a.Feed.Refresh); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.Poller.Add(TargetPendingWork, cfg.PollInterval, a.PendingWork.Refresh); err != nil {
		a.Close()
		return nil, err
	}
	a.unsubscribe = b.Subscribe(func() {
		a.Poller.Trigger(TargetFeed)
		a.Poller.Trigger(TargetPendingWork)
	})

	// ── 4. Optional fan-in ───────────────────────────────────────────────
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.bridge = bus.NewRedisBridge(b, a.redis, cfg.RedisChannel, logger)
	}
	if cfg.PushEnabled {
		a.push, err = push.New(cfg.APIBaseURL, ctrl.Credentials(), b, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("push: %w", err)
		}
	}
	return a, nil
}

// SignIn restores the stored session, or signs in with the configured
// credentials when there is none.
func (a *App) SignIn(ctx context.Context) (model.Viewer, error) {
	restored, err := a.Session.Restore(ctx)
	if err != nil {
		a.logger.Printf("[app] restore session: %v", err)
	}
	if !restored && a.Config.Email != "" {
		if _, err := a.Session.Login(ctx, a.Config.Email, a.Config.Password); err != nil {
			return model.Viewer{}, fmt.Errorf("login: %w", err)
		}
	}
	return a.Session.Viewer(), nil
}

// Refresh runs every read-side refresh once.
func (a *App) Refresh(ctx context.Context) error {
	return errors.Join(a.Feed.Refresh(ctx), a.PendingWork.Mount(ctx))
}

// Run keeps the caches fresh until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if a.bridge != nil {
		if err := a.bridge.Start(ctx); err != nil {
			return fmt.Errorf("redis bridge: %w", err)
		}
	}
	if a.push != nil {
		go a.push.Run(ctx)
	}
	a.Poller.Run(ctx)
	return nil
}

// Close releases every resource held by the app.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
		a.Cache.Close()
		if a.redis != nil {
			err = errors.Join(err, a.redis.Close())
		}
		err = errors.Join(err, a.state.Close())
	})
	return err
}
