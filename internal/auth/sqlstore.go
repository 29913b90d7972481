package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrTokenNotFound is returned when removing a token name that does not exist
var ErrTokenNotFound = errors.New("token not found")

// SQLStore keeps token records in sqlite. Only token fingerprints are
// stored, never the tokens themselves.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens the database at path and runs migrations.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open token database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate token database: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			fingerprint TEXT NOT NULL UNIQUE,
			max_clients INTEGER NOT NULL DEFAULT 0,
			max_tunnels_per_client INTEGER NOT NULL DEFAULT 0,
			max_connections_per_tunnel INTEGER NOT NULL DEFAULT 0,
			max_bandwidth INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tokens_fingerprint ON tokens(fingerprint);
	`)
	return err
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Add inserts a record. rec.Token must hold the plaintext token.
func (s *SQLStore) Add(ctx context.Context, rec TokenRecord) error {
	if rec.Name == "" {
		return errors.New("token name is required")
	}
	if rec.Token == "" {
		return errors.New("token is required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `INSERT INTO tokens
		(name, fingerprint, max_clients, max_tunnels_per_client, max_connections_per_tunnel, max_bandwidth, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Name, Fingerprint(rec.Token), rec.MaxClients, rec.MaxTunnelsPerClient,
		rec.MaxConnectionsPerTunnel, rec.MaxBandwidth, now)
	if err != nil {
		return fmt.Errorf("failed to add token %q: %w", rec.Name, err)
	}
	return nil
}

// Remove deletes the record with the given name.
func (s *SQLStore) Remove(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to remove token %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, name)
	}
	return nil
}

// List returns all records ordered by name. Token fields are empty.
func (s *SQLStore) List(ctx context.Context) ([]TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, max_clients, max_tunnels_per_client,
		max_connections_per_tunnel, max_bandwidth FROM tokens ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var out []TokenRecord
	for rows.Next() {
		var r TokenRecord
		if err := rows.Scan(&r.Name, &r.MaxClients, &r.MaxTunnelsPerClient,
			&r.MaxConnectionsPerTunnel, &r.MaxBandwidth); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Match looks the token up by fingerprint.
func (s *SQLStore) Match(ctx context.Context, token string) (*TokenRecord, error) {
	fp := Fingerprint(token)

	var r TokenRecord
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT name, fingerprint, max_clients, max_tunnels_per_client,
		max_connections_per_tunnel, max_bandwidth FROM tokens WHERE fingerprint = ?`, fp).
		Scan(&r.Name, &stored, &r.MaxClients, &r.MaxTunnelsPerClient,
			&r.MaxConnectionsPerTunnel, &r.MaxBandwidth)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(fp)) != 1 {
		return nil, ErrInvalidToken
	}
	return &r, nil
}
