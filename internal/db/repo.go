package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"lab-assistant/internal/session"
	"lab-assistant/pkg"
)

// Dialect selects placeholder syntax and the driver name.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Repository stores sessions and their turns in a SQL database.  Sessions
// carry an expiry that is pushed back on every save; expired rows are
// invisible to Get and removed by PurgeExpired.
type Repository struct {
	DB      *sql.DB
	dialect Dialect
	ttl     time.Duration
	now     func() time.Time
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB, dialect Dialect, ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Repository{DB: db, dialect: dialect, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// Open connects to the database, verifies the connection and applies the
// schema.
func Open(ctx context.Context, dialect Dialect, dsn string, ttl time.Duration) (*Repository, error) {
	if dialect == SQLite {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
	}
	conn, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// Writers would otherwise fail with SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return NewRepository(conn, dialect, ttl), nil
}

// rebind rewrites '?' placeholders to $n for Postgres.
func (r *Repository) rebind(query string) string {
	if r.dialect != Postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(c)
	}
	return sb.String()
}

// Create inserts a new empty session.
func (r *Repository) Create(ctx context.Context) (*session.Session, error) {
	s := session.New()
	now := r.now()
	_, err := r.DB.ExecContext(ctx, r.rebind(
		`INSERT INTO sessions (id, created_at, updated_at, expires_at)
         VALUES (?, ?, ?, ?)`),
		s.ID, now.Unix(), now.Unix(), now.Add(r.ttl).Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// Get loads a live session and the turns of its current transcript.
func (r *Repository) Get(ctx context.Context, id string) (*session.Session, error) {
	var (
		s                    session.Session
		kind, filename, text string
		language             string
		createdAt, updatedAt int64
	)
	err := r.DB.QueryRowContext(ctx, r.rebind(
		`SELECT id, record_kind, record_filename, record_text, epoch, language,
                report, digest, digest_covers, created_at, updated_at
         FROM sessions
         WHERE id = ? AND expires_at > ?`),
		id, r.now().Unix(),
	).Scan(&s.ID, &kind, &filename, &text, &s.Epoch, &language,
		&s.Report, &s.Digest, &s.DigestCovers, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pkg.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if text != "" {
		s.Record = &pkg.PatientRecord{Kind: pkg.ContentKind(kind), Filename: filename, Text: text}
	}
	s.Language = pkg.Language(language)
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	turns, err := r.getTurns(ctx, s.ID, s.Epoch)
	if err != nil {
		return nil, err
	}
	s.Transcript = session.NewTranscript(turns)
	return &s, nil
}

func (r *Repository) getTurns(ctx context.Context, id string, epoch int) ([]pkg.ConversationTurn, error) {
	rows, err := r.DB.QueryContext(ctx, r.rebind(
		`SELECT role, content, created_at
         FROM turns
         WHERE session_id = ? AND epoch = ?
         ORDER BY seq ASC`), id, epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	defer rows.Close()
	var turns []pkg.ConversationTurn
	for rows.Next() {
		var (
			t  pkg.ConversationTurn
			at int64
		)
		if err := rows.Scan(&t.Role, &t.Text, &at); err != nil {
			return nil, err
		}
		t.At = time.Unix(at, 0).UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Save updates the session row and appends the turns that are not stored
// yet.  Turns of earlier epochs are dropped.
func (r *Repository) Save(ctx context.Context, s *session.Session) error {
	now := r.now()
	s.UpdatedAt = now

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var kind, filename, text string
	if s.Record != nil {
		kind, filename, text = string(s.Record.Kind), s.Record.Filename, s.Record.Text
	}
	res, err := tx.ExecContext(ctx, r.rebind(
		`UPDATE sessions
         SET record_kind = ?, record_filename = ?, record_text = ?, epoch = ?,
             language = ?, report = ?, digest = ?, digest_covers = ?,
             updated_at = ?, expires_at = ?
         WHERE id = ? AND expires_at > ?`),
		kind, filename, text, s.Epoch,
		string(s.Language), s.Report, s.Digest, s.DigestCovers,
		now.Unix(), now.Add(r.ttl).Unix(),
		s.ID, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return pkg.ErrSessionNotFound
	}

	if _, err := tx.ExecContext(ctx, r.rebind(
		`DELETE FROM turns WHERE session_id = ? AND epoch <> ?`), s.ID, s.Epoch); err != nil {
		return fmt.Errorf("failed to drop old transcript: %w", err)
	}
	var stored int
	if err := tx.QueryRowContext(ctx, r.rebind(
		`SELECT COUNT(*) FROM turns WHERE session_id = ? AND epoch = ?`), s.ID, s.Epoch,
	).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count turns: %w", err)
	}
	var turns []pkg.ConversationTurn
	if s.Transcript != nil {
		turns = s.Transcript.Snapshot()
	}
	for i := stored; i < len(turns); i++ {
		t := turns[i]
		if _, err := tx.ExecContext(ctx, r.rebind(
			`INSERT INTO turns (session_id, epoch, seq, role, content, created_at)
             VALUES (?, ?, ?, ?, ?, ?)`),
			s.ID, s.Epoch, i, string(t.Role), t.Text, t.At.Unix(),
		); err != nil {
			return fmt.Errorf("failed to append turn: %w", err)
		}
	}
	return tx.Commit()
}

// Delete removes a session and its transcript.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM turns WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return pkg.ErrSessionNotFound
	}
	return tx.Commit()
}

// PurgeExpired deletes every expired session and returns how many were
// removed.
func (r *Repository) PurgeExpired(ctx context.Context) (int64, error) {
	now := r.now().Unix()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, r.rebind(
		`DELETE FROM turns WHERE session_id IN (SELECT id FROM sessions WHERE expires_at <= ?)`), now); err != nil {
		return 0, fmt.Errorf("failed to purge transcripts: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM sessions WHERE expires_at <= ?`), now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	return r.DB.Close()
}
