// cmd/main.go is the client entry point.
// It wires the client, signs in, prints the ranked feed and keeps the
// caches fresh until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Shivanand-hulikatti/meetup-client/internal/apitest"
	"github.com/Shivanand-hulikatti/meetup-client/internal/app"
	"github.com/Shivanand-hulikatti/meetup-client/internal/config"
	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
)

func main() {
	// ── 1. Configuration ─────────────────────────────────────────────────
	cfg, err := config.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 2. Optional in-process API ───────────────────────────────────────
	if cfg.Demo {
		shutdown, err := startDemo(&cfg)
		if err != nil {
			log.Fatalf("demo api: %v", err)
		}
		defer shutdown()
	}

	// ── 3. Wire the client ───────────────────────────────────────────────
	client, err := app.New(ctx, cfg, &consoleNavigator{route: "/events"}, log.Default())
	if err != nil {
		log.Fatalf("app: %v", err)
	}
	defer client.Close()

	viewer, err := client.SignIn(ctx)
	if err != nil {
		log.Fatalf("sign in: %v", err)
	}
	if viewer.Authenticated() {
		log.Printf("✓ Signed in as %s", viewer.UserID)
	} else {
		log.Println("browsing as guest")
	}

	// ── 4. First render ──────────────────────────────────────────────────
	if err := client.Refresh(ctx); err != nil {
		log.Printf("refresh: %v", err)
	}
	printFeed(os.Stdout, client, viewer)

	// ── 5. Keep caches fresh until SIGINT or SIGTERM ─────────────────────
	if err := client.Run(ctx); err != nil {
		log.Fatalf("run: %v", err)
	}
	log.Println("client stopped")
}

type consoleNavigator struct {
	route string
}

func (n *consoleNavigator) CurrentRoute() string { return n.route }

func (n *consoleNavigator) ForceSignOut(reason error) {
	log.Printf("signed out: %v", reason)
}

func printFeed(out io.Writer, client *app.App, viewer model.Viewer) {
	events, _ := client.Feed.Events()
	now := time.Now()

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT\tSTARTS\tSPOTS\tSTATUS")
	for i := range events {
		e := &events[i]
		status := string(e.ParticipationOf(viewer.UserID).Status)
		if viewer.IsOrganizer(e) {
			status = "organizer"
		}
		starts := e.StartTime.Local().Format("Mon 02 Jan 15:04")
		if e.HasStarted(now) {
			starts = "started"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", e.Title, starts, e.DisplaySpotsLeft(), e.Capacity, status)
	}
	_ = w.Flush()

	if viewer.Authenticated() {
		counts := client.PendingWork.Counts()
		fmt.Fprintf(out, "\npending reviews: %d  pending check-ins: %d\n", counts.PendingReviews, counts.PendingCheckins)
	}
}

// startDemo serves a seeded fake API on a loopback port and points cfg at it.
func startDemo(cfg *config.Config) (func(), error) {
	api := apitest.New(apitest.Options{})
	organizer := api.AddUser("organizer@example.test", "secret1", "Organizer")
	guest := api.AddUser("demo@example.test", "secret1", "Demo")
	now := time.Now()
	api.AddEvent(model.Event{Title: "Go meetup", CreatorID: organizer.ID, Capacity: 20, StartTime: now.Add(6 * time.Hour), DurationMinutes: 120})
	api.AddEvent(model.Event{Title: "Board games", CreatorID: organizer.ID, Capacity: 4, StartTime: now.Add(72 * time.Hour), DurationMinutes: 180,
		Participants: []model.Participation{{User: model.User{ID: guest.ID, DisplayName: guest.DisplayName}, Status: model.StatusApproved}}})
	api.AddEvent(model.Event{Title: "Morning run", CreatorID: guest.ID, Capacity: 10, StartTime: now.Add(-30 * time.Minute), DurationMinutes: 60})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:      api,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("demo api: %v", err)
		}
	}()

	cfg.APIBaseURL = "http://" + ln.Addr().String()
	if cfg.Email == "" {
		cfg.Email, cfg.Password = "demo@example.test", "secret1"
	}
	log.Printf("✓ Demo API listening on %s", cfg.APIBaseURL)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("demo api shutdown: %v", err)
		}
	}, nil
}
