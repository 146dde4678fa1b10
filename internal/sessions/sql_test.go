package sessions

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/openintentos/openintent/pkg/models"
)

func setupMockStore(t *testing.T, dialect Dialect) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, dialect, WithClock(fixedClock())), mock
}

var sessionRowColumns = []string{"id", "name", "model", "message_count", "token_count", "created_at", "updated_at"}

var messageRowColumns = []string{"id", "session_id", "role", "content", "tool_calls", "tool_call_id", "is_error", "created_at"}

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{DialectSQLite, "SELECT ? , ?", "SELECT ? , ?"},
		{DialectPostgres, "SELECT ? , ?", "SELECT $1 , $2"},
		{DialectPostgres, "no placeholders", "no placeholders"},
		{DialectPostgres, "a = ? AND b = ? AND c = ?", "a = $1 AND b = $2 AND c = $3"},
	}
	for _, tt := range tests {
		if got := rebind(tt.dialect, tt.in); got != tt.want {
			t.Errorf("rebind(%s, %q) = %q, want %q", tt.dialect, tt.in, got, tt.want)
		}
	}
}

func TestDialectFor(t *testing.T) {
	for driver, want := range map[string]Dialect{"sqlite": DialectSQLite, "sqlite3": DialectSQLite, "postgres": DialectPostgres} {
		got, err := DialectFor(driver)
		if err != nil || got != want {
			t.Errorf("DialectFor(%s) = %s, %v", driver, got, err)
		}
	}
	if _, err := DialectFor("oracle"); err == nil {
		t.Error("unknown driver should fail")
	}
}

func TestOpenDBValidation(t *testing.T) {
	ctx := context.Background()
	if _, _, err := OpenDB(ctx, SQLConfig{Driver: "sqlite"}); err == nil || !strings.Contains(err.Error(), "dsn is required") {
		t.Fatalf("empty dsn err = %v", err)
	}
	if _, _, err := OpenDB(ctx, SQLConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatal("unsupported driver should fail")
	}
}

func TestSQLStoreAppendMessageErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(sqlmock.Sqlmock)
		wantErr error
		wantMsg string
	}{
		{
			name: "session missing",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT updated_at FROM sessions").
					WithArgs("s1").
					WillReturnRows(sqlmock.NewRows([]string{"updated_at"}))
				mock.ExpectRollback()
			},
			wantErr: ErrSessionNotFound,
		},
		{
			name: "insert fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT updated_at FROM sessions").
					WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(testEpoch.UnixNano()))
				mock.ExpectQuery("INSERT INTO session_messages").
					WillReturnError(errors.New("disk full"))
				mock.ExpectRollback()
			},
			wantMsg: "failed to append message: disk full",
		},
		{
			name: "counter update fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT updated_at FROM sessions").
					WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(testEpoch.UnixNano()))
				mock.ExpectQuery("INSERT INTO session_messages").
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
				mock.ExpectExec("UPDATE sessions").
					WillReturnError(errors.New("locked"))
				mock.ExpectRollback()
			},
			wantMsg: "failed to update session: locked",
		},
		{
			name: "begin fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(errors.New("no connection"))
			},
			wantMsg: "failed to begin transaction",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := setupMockStore(t, DialectSQLite)
			tt.setup(mock)
			_, err := store.AppendMessage(context.Background(), "s1", models.UserMessage("hi"))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %v, want %q", err, tt.wantMsg)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestSQLStorePostgresPlaceholders(t *testing.T) {
	store, mock := setupMockStore(t, DialectPostgres)
	mock.ExpectQuery(`SELECT .* FROM sessions WHERE id = \$1`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(sessionRowColumns).
			AddRow("s1", "n", "m", int64(2), int64(10), testEpoch.UnixNano(), testEpoch.UnixNano()))

	session, err := store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if session.MessageCount != 2 || session.TokenCount != 10 || !session.UpdatedAt.Equal(testEpoch) {
		t.Fatalf("session = %+v", session)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStoreCorruptToolCalls(t *testing.T) {
	store, mock := setupMockStore(t, DialectSQLite)
	mock.ExpectQuery("SELECT .* FROM sessions WHERE id = ?").
		WillReturnRows(sqlmock.NewRows(sessionRowColumns).
			AddRow("s1", "", "", int64(1), int64(1), testEpoch.UnixNano(), testEpoch.UnixNano()))
	mock.ExpectQuery("FROM session_messages").
		WillReturnRows(sqlmock.NewRows(messageRowColumns).
			AddRow(int64(1), "s1", "assistant", "", "{not json", "", false, testEpoch.UnixNano()))

	_, err := store.GetMessages(context.Background(), "s1", 0)
	var serr *SerializationError
	if !errors.As(err, &serr) || serr.Field != "tool_calls" {
		t.Fatalf("err = %v, want SerializationError on tool_calls", err)
	}
}

func TestSQLStoreDeleteCommitFailure(t *testing.T) {
	store, mock := setupMockStore(t, DialectSQLite)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM session_messages").WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM sessions").WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("commit refused"))

	err := store.Delete(context.Background(), "s1")
	if err == nil || !strings.Contains(err.Error(), "failed to commit transaction") {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStoreSetStateUpsert(t *testing.T) {
	store, mock := setupMockStore(t, DialectPostgres)
	mock.ExpectExec(`INSERT INTO bot_state \(key, value, updated_at\) VALUES \(\$1, \$2, \$3\)\s+ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("k", "v", testEpoch.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.SetState(context.Background(), "k", "v"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
