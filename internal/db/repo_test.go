package db

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-assistant/internal/session"
	"lab-assistant/pkg"
)

func newSessionWithTurns(texts ...string) *session.Session {
	s := session.New()
	s.Reseed(pkg.PatientRecord{Kind: pkg.KindText, Text: "labs"})
	for i, text := range texts {
		role := pkg.RoleAssistant
		if i%2 == 1 {
			role = pkg.RoleClinician
		}
		s.Transcript.Append(pkg.ConversationTurn{Role: role, Text: text})
	}
	return s
}

func createTestRepo(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	repo, err := Open(context.Background(), SQLite, dbPath, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository_Lifecycle(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	s, err := repo.Create(ctx)
	require.NoError(t, err)

	got, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Active())
	assert.Equal(t, 0, got.Transcript.Len())

	got.Reseed(pkg.PatientRecord{Kind: pkg.KindTable, Filename: "labs.csv", Text: "glucose\n180\n90\n"})
	got.Language = pkg.LanguageFrench
	got.Report = "Report OK"
	got.Transcript.Append(pkg.ConversationTurn{Role: pkg.RoleAssistant, Text: "Report OK"})
	require.NoError(t, repo.Save(ctx, got))

	got.Transcript.Append(pkg.ConversationTurn{Role: pkg.RoleClinician, Text: "Q1"})
	got.Transcript.Append(pkg.ConversationTurn{Role: pkg.RoleAssistant, Text: "A1"})
	require.NoError(t, repo.Save(ctx, got))

	loaded, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Record)
	assert.Equal(t, "glucose\n180\n90\n", loaded.Record.Text)
	assert.Equal(t, pkg.KindTable, loaded.Record.Kind)
	assert.Equal(t, pkg.LanguageFrench, loaded.Language)
	assert.Equal(t, "Report OK", loaded.Report)
	turns := loaded.Transcript.Snapshot()
	require.Len(t, turns, 3)
	assert.Equal(t, []string{"Report OK", "Q1", "A1"}, []string{turns[0].Text, turns[1].Text, turns[2].Text})
	assert.Equal(t, pkg.RoleClinician, turns[1].Role)

	require.NoError(t, repo.Delete(ctx, s.ID))
	_, err = repo.Get(ctx, s.ID)
	assert.ErrorIs(t, err, pkg.ErrSessionNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, s.ID), pkg.ErrSessionNotFound)
}

func TestSQLiteRepository_ReseedDropsOldTranscript(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	s, err := repo.Create(ctx)
	require.NoError(t, err)
	s.Reseed(pkg.PatientRecord{Kind: pkg.KindText, Text: "first upload"})
	s.Transcript.Append(pkg.ConversationTurn{Role: pkg.RoleAssistant, Text: "old report"})
	require.NoError(t, repo.Save(ctx, s))

	s.Reseed(pkg.PatientRecord{Kind: pkg.KindText, Text: "second upload"})
	require.NoError(t, repo.Save(ctx, s))

	loaded, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "second upload", loaded.Record.Text)
	assert.Equal(t, 0, loaded.Transcript.Len())
	assert.Equal(t, 2, loaded.Epoch)

	var remaining int
	require.NoError(t, repo.DB.QueryRow(`SELECT COUNT(*) FROM turns WHERE session_id = ?`, s.ID).Scan(&remaining))
	assert.Zero(t, remaining)
}

func TestSQLiteRepository_RestartKeepsRecord(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	s, err := repo.Create(ctx)
	require.NoError(t, err)
	s.Reseed(pkg.PatientRecord{Kind: pkg.KindText, Text: "labs"})
	s.Transcript.Append(pkg.ConversationTurn{Role: pkg.RoleAssistant, Text: "report 1"})
	s.Transcript.Append(pkg.ConversationTurn{Role: pkg.RoleClinician, Text: "Q1"})
	require.NoError(t, repo.Save(ctx, s))

	s.Restart()
	s.Report = "report 2"
	s.Transcript.Append(pkg.ConversationTurn{Role: pkg.RoleAssistant, Text: "report 2"})
	require.NoError(t, repo.Save(ctx, s))

	loaded, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "labs", loaded.Record.Text)
	assert.Equal(t, "report 2", loaded.Report)
	turns := loaded.Transcript.Snapshot()
	require.Len(t, turns, 1)
	assert.Equal(t, "report 2", turns[0].Text)
}

func TestSQLiteRepository_Expiry(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	s, err := repo.Create(ctx)
	require.NoError(t, err)

	repo.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	_, err = repo.Get(ctx, s.ID)
	assert.ErrorIs(t, err, pkg.ErrSessionNotFound)
	assert.ErrorIs(t, repo.Save(ctx, s), pkg.ErrSessionNotFound)

	n, err := repo.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPostgresRepository_Rebind(t *testing.T) {
	repo := NewRepository(nil, Postgres, time.Hour)
	assert.Equal(t, "SELECT a FROM b WHERE c = $1 AND d > $2", repo.rebind("SELECT a FROM b WHERE c = ? AND d > ?"))

	lite := NewRepository(nil, SQLite, time.Hour)
	assert.Equal(t, "WHERE c = ?", lite.rebind("WHERE c = ?"))
}

func TestPostgresRepository_GetNotFound(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	repo := NewRepository(conn, Postgres, time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions")).
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = repo.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, pkg.ErrSessionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_SaveAppendsOnlyNewTurns(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	repo := NewRepository(conn, Postgres, time.Hour)

	sess := newSessionWithTurns("Report OK", "Q1", "A1")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM turns WHERE session_id = $1 AND epoch <> $2")).
		WithArgs(sess.ID, sess.Epoch).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM turns")).
		WithArgs(sess.ID, sess.Epoch).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO turns")).
		WithArgs(sess.ID, sess.Epoch, 1, "clinician", "Q1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO turns")).
		WithArgs(sess.ID, sess.Epoch, 2, "assistant", "A1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Save(context.Background(), sess))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_SaveUnknownSession(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	repo := NewRepository(conn, Postgres, time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = repo.Save(context.Background(), newSessionWithTurns())

	assert.ErrorIs(t, err, pkg.ErrSessionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
