package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLStore(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("OpenSQLStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_AddMatchRemove(t *testing.T) {
	s := openTestSQLStore(t)
	ctx := context.Background()

	rec := TokenRecord{
		Name:                    "team-a",
		Token:                   "0123456789abcdef",
		MaxClients:              2,
		MaxTunnelsPerClient:     5,
		MaxConnectionsPerTunnel: 50,
		MaxBandwidth:            1 << 20,
	}
	if err := s.Add(ctx, rec); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	got, err := s.Match(ctx, rec.Token)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if got.Name != rec.Name || got.MaxClients != 2 || got.MaxTunnelsPerClient != 5 ||
		got.MaxConnectionsPerTunnel != 50 || got.MaxBandwidth != 1<<20 {
		t.Errorf("Match() = %+v", got)
	}
	if got.Token != "" {
		t.Error("stored record should not expose the token")
	}

	if _, err := s.Match(ctx, "wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Match(wrong) error = %v, want ErrInvalidToken", err)
	}

	if err := s.Remove(ctx, "team-a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := s.Match(ctx, rec.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Match() after Remove error = %v, want ErrInvalidToken", err)
	}
	if err := s.Remove(ctx, "team-a"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("second Remove() error = %v, want ErrTokenNotFound", err)
	}
}

func TestSQLStore_DuplicateName(t *testing.T) {
	s := openTestSQLStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, TokenRecord{Name: "x", Token: "one"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, TokenRecord{Name: "x", Token: "two"}); err == nil {
		t.Error("Add() with duplicate name should fail")
	}
}

func TestSQLStore_List(t *testing.T) {
	s := openTestSQLStore(t)
	ctx := context.Background()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if err := s.Add(ctx, TokenRecord{Name: name, Token: "tok-" + name}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 || list[0].Name != "alpha" || list[2].Name != "charlie" {
		t.Errorf("List() = %+v", list)
	}
}

func TestSQLStore_WithAuthenticator(t *testing.T) {
	s := openTestSQLStore(t)
	ctx := context.Background()
	if err := s.Add(ctx, TokenRecord{Name: "db", Token: "db-token", MaxClients: 1}); err != nil {
		t.Fatal(err)
	}

	auth := NewAuthenticator(ChainStore{newTestStore(t, TokenRecord{Name: "cfg", Token: "cfg-token"}), s})

	lease, err := auth.Authenticate(ctx, "db-token", "agent")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	defer lease.Release()

	if _, err := auth.Authenticate(ctx, "db-token", "agent-2"); !errors.Is(err, ErrTooManyClients) {
		t.Errorf("Authenticate() error = %v, want ErrTooManyClients", err)
	}
}
