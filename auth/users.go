package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/docforge/docforge/dbopen"
)

// UsersSchema creates the users table. Passed to dbopen.Open via
// WithSchema at startup.
const UsersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE COLLATE NOCASE,
	password_hash TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
`

var (
	// ErrUserExists rejects a registration for a taken username.
	ErrUserExists = errors.New("auth: username already registered")
	// ErrInvalidCredentials covers both unknown username and wrong
	// password, so a caller cannot probe which usernames exist.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// User is a registered account.
type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// dummyHash is a real bcrypt hash of an unguessable value, compared
// against when the username does not exist so an unknown-user lookup
// costs the same as a wrong-password one.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// UserStore persists accounts in SQLite with bcrypt password hashes.
type UserStore struct {
	db *sql.DB
}

// NewUserStore wraps an opened database. The caller applies UsersSchema.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Register creates an account. The username is trimmed and must be
// non-empty; the password must be at least 8 characters.
func (s *UserStore) Register(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("auth: empty username")
	}
	if len(password) < 8 {
		return nil, errors.New("auth: password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	u := &User{
		ID:        uuid.NewString(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
			u.ID, u.Username, string(hash), u.CreatedAt.Format(time.RFC3339))
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("auth: insert user: %w", err)
	}
	return u, nil
}

// Authenticate verifies a username/password pair and returns the user.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var (
		u         User
		hash      string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`,
		strings.TrimSpace(username)).Scan(&u.ID, &u.Username, &hash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Burn a comparison anyway to keep timing uniform.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: query user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		u.CreatedAt = t
	}
	return &u, nil
}
