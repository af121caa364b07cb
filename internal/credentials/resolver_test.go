package credentials

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nodadyoushutup/llmctl/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.Store) {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "llmctl.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	r, err := NewResolver(s, []byte("master-key-material"))
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r, s
}

func TestSealResolveRoundTrip(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	if err := r.Seal(ctx, "github", "default", []byte("ghp_secret")); err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := r.Resolve(ctx, "github", "default")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(got) != "ghp_secret" {
		t.Fatalf("plaintext = %q", got)
	}
	if !r.Configured(ctx, "github", "default") {
		t.Fatal("configured must be true")
	}
}

func TestResolveMissingIsNotConfigured(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve(context.Background(), "github", "absent")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestResolveWrongKeyFailsClosed(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()
	if err := r.Seal(ctx, "gitlab", "default", []byte("glpat")); err != nil {
		t.Fatalf("seal: %v", err)
	}

	other, err := NewResolver(s, []byte("different-master-key"))
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, err := other.Resolve(ctx, "gitlab", "default"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestEmptyMasterKeyRejected(t *testing.T) {
	if _, err := NewResolver(nil, nil); err == nil {
		t.Fatal("empty master key accepted")
	}
}
