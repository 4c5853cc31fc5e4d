// Package auth identifies the browser user behind a gateway connection.
// Identity comes from a web session cookie backed by sqlite, or from a
// signed JWT for API clients. A bare userId query parameter is never
// trusted.
package auth

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// User is an authenticated account.
type User struct {
	ID          string
	DisplayName string
	Email       *string
	CreatedAt   time.Time
}

// Store wraps the auth database.
type Store struct {
	db *sql.DB
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (or creates) the auth database and applies migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

func sqlTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// CreateUser inserts a new user row.
func (s *Store) CreateUser(id, displayName string) error {
	_, err := s.db.Exec("INSERT INTO users (id, display_name) VALUES (?, ?)", id, displayName)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser returns a user by id, or nil when absent.
func (s *Store) GetUser(id string) (*User, error) {
	row := s.db.QueryRow("SELECT id, display_name, email, created_at FROM users WHERE id = ?", id)
	var u User
	err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// EnsureUser creates the user when it does not exist yet.
func (s *Store) EnsureUser(id, displayName string) error {
	_, err := s.db.Exec(
		"INSERT INTO users (id, display_name) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
		id, displayName,
	)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// CreateWebSession records a browser session token.
func (s *Store) CreateWebSession(token, userID string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO web_sessions (token, user_id, expires_at) VALUES (?, ?, ?)",
		token, userID, sqlTime(expiresAt),
	)
	if err != nil {
		return fmt.Errorf("create web session: %w", err)
	}
	return nil
}

// GetWebSession resolves an unexpired session token to its user, or nil.
func (s *Store) GetWebSession(token string) (*User, error) {
	row := s.db.QueryRow(
		`SELECT u.id, u.display_name, u.email, u.created_at
		 FROM web_sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.token = ? AND s.expires_at > ?`,
		token, sqlTime(time.Now()),
	)
	var u User
	err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get web session: %w", err)
	}
	return &u, nil
}

// DeleteWebSession logs a browser session out.
func (s *Store) DeleteWebSession(token string) error {
	_, err := s.db.Exec("DELETE FROM web_sessions WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("delete web session: %w", err)
	}
	return nil
}

// PruneExpiredSessions removes session rows past their expiry.
func (s *Store) PruneExpiredSessions() (int64, error) {
	res, err := s.db.Exec("DELETE FROM web_sessions WHERE expires_at <= ?", sqlTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetConfig returns an auth_config value, or "" when unset.
func (s *Store) GetConfig(key string) (string, error) {
	row := s.db.QueryRow("SELECT value FROM auth_config WHERE key = ?", key)
	var v string
	err := row.Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config: %w", err)
	}
	return v, nil
}

// SetConfig upserts an auth_config value.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO auth_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}
