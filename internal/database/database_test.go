package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Shivanand-hulikatti/meetup-client/internal/credential"
)

var _ credential.RenewalStore = (*Store)(nil)

func TestStoreRoundTripSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "client.db")

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if token, err := store.Load(ctx); err != nil || token != "" {
		t.Fatalf("expected empty store, got %q err=%v", token, err)
	}
	if err := store.Save(ctx, "renew-1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, "renew-2"); err != nil {
		t.Fatalf("save again: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	token, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if token != "renew-2" {
		t.Fatalf("expected renew-2, got %q", token)
	}

	if err := reopened.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if token, _ := reopened.Load(ctx); token != "" {
		t.Fatalf("expected cleared token, got %q", token)
	}
}

func TestSaveEmptyClears(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	_ = store.Save(ctx, "renew")
	if err := store.Save(ctx, ""); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	if token, _ := store.Load(ctx); token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
