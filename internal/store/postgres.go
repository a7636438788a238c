package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrThreadNotFound = errors.New("thread not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, `WHERE id = $1`, userID)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `WHERE LOWER(email) = LOWER($1)`, email)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (User, error) {
	query := `
		SELECT id, email, password_hash, is_email_verified,
			COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at
		FROM users ` + where
	var user User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.IsEmailVerified,
		&user.VerificationToken, &user.VerificationExpiresAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ListUsersExcept returns every registered user other than the given one,
// oldest first. One-shot directory fetch, not a live feed.
func (s *PostgresStore) ListUsersExcept(ctx context.Context, userID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, created_at FROM users WHERE id <> $1 ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Email, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_email_verified=TRUE, verification_token=NULL,
			verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// Refresh sessions and token revocation (Postgres fallback when Redis is
// not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.is_email_verified
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Threads
//
// Member lists live in a JSONB column so the store exposes the same
// "array contains value X" predicate the service queries on. There is no
// uniqueness constraint on a DM member pair; concurrent resolvers can
// create duplicates.

func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) (Thread, error) {
	members, err := json.Marshal(thread.Members)
	if err != nil {
		return Thread{}, fmt.Errorf("marshal members: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO threads (id, type, members, group_name)
		VALUES ($1, $2, $3::jsonb, NULLIF($4, ''))
		RETURNING created_at
	`, thread.ID, thread.Type, members, thread.GroupName).Scan(&thread.CreatedAt)
	if err != nil {
		return Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(type, ''), members, COALESCE(group_name, ''), created_at
		FROM threads WHERE id=$1
	`, threadID)
	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrThreadNotFound
	}
	return thread, err
}

// ListThreadsForUser returns every thread whose member list contains the
// given user, newest first.
func (s *PostgresStore) ListThreadsForUser(ctx context.Context, userID string) ([]Thread, error) {
	member, _ := json.Marshal([]string{userID})
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(type, ''), members, COALESCE(group_name, ''), created_at
		FROM threads
		WHERE members @> $1::jsonb
		ORDER BY created_at DESC
	`, member)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()
	return collectThreads(rows)
}

// ListDirectThreadsContaining returns DM threads containing the given user,
// capped at limit. The cap mirrors the limited containment query of the
// resolver; callers detect a full page to log the scale ceiling.
func (s *PostgresStore) ListDirectThreadsContaining(ctx context.Context, userID string, limit int) ([]Thread, error) {
	member, _ := json.Marshal([]string{userID})
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(type, ''), members, COALESCE(group_name, ''), created_at
		FROM threads
		WHERE type=$2 AND members @> $1::jsonb
		ORDER BY created_at ASC
		LIMIT $3
	`, member, ThreadTypeDM, limit)
	if err != nil {
		return nil, fmt.Errorf("list direct threads: %w", err)
	}
	defer rows.Close()
	return collectThreads(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (Thread, error) {
	var thread Thread
	var members []byte
	if err := row.Scan(&thread.ID, &thread.Type, &members, &thread.GroupName, &thread.CreatedAt); err != nil {
		return Thread{}, err
	}
	if len(members) > 0 {
		if err := json.Unmarshal(members, &thread.Members); err != nil {
			return Thread{}, fmt.Errorf("unmarshal members: %w", err)
		}
	}
	return thread, nil
}

func collectThreads(rows *sql.Rows) ([]Thread, error) {
	var threads []Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

// Messages

// InsertMessage appends a message and returns it with the server-assigned
// creation timestamp. Messages are immutable once written.
func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) (Message, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, thread_id, sender_uid, text)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, message.ID, message.ThreadID, message.SenderUID, message.Text).Scan(&message.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return message, nil
}

// ListMessages returns the full message log of a thread in ascending
// creation-timestamp order.
func (s *PostgresStore) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, COALESCE(sender_uid, ''), COALESCE(text, ''), created_at
		FROM messages
		WHERE thread_id=$1
		ORDER BY created_at ASC, id ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var message Message
		if err := rows.Scan(&message.ID, &message.ThreadID, &message.SenderUID, &message.Text, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}
