package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"zettanote.org/internal/admin"
)

var accountRows = []string{
	"id", "email", "name", "password_hash", "role", "permissions", "active",
	"failed_attempts", "lock_until", "first_login", "must_change_password",
	"allowed_ips", "audit_log", "created_by", "created_at", "updated_at", "last_login_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func TestFindByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(accountRows).AddRow(
		"acct-1", "ops@zettanote.org", "Ops", "$argon2id$...", "standard",
		[]byte(`{"read_users":true}`), true,
		2, nil, false, false,
		[]byte(`["203.0.113.9"]`), []byte(`[{"id":"e1","action":"LOGIN_FAILED","at":"2026-03-01T12:00:00Z","ip":"203.0.113.9","user_agent":"curl"}]`),
		nil, now, now, nil,
	)
	mock.ExpectQuery("from admin_accounts where email =").
		WithArgs("ops@zettanote.org").
		WillReturnRows(rows)

	acct, err := store.FindByEmail(context.Background(), "Ops@ZettaNote.Org")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if acct.ID != "acct-1" || acct.Role != admin.RoleStandard {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if !acct.Permissions["read_users"] {
		t.Fatalf("permissions not decoded: %v", acct.Permissions)
	}
	if len(acct.AllowedIPs) != 1 || acct.AllowedIPs[0] != "203.0.113.9" {
		t.Fatalf("allow-list not decoded: %v", acct.AllowedIPs)
	}
	if len(acct.AuditLog) != 1 || acct.AuditLog[0].Action != "LOGIN_FAILED" {
		t.Fatalf("audit log not decoded: %v", acct.AuditLog)
	}
	if acct.FailedAttempts != 2 {
		t.Fatalf("unexpected counter: %d", acct.FailedAttempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("from admin_accounts where id =").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(accountRows))

	_, err := store.FindByID(context.Background(), "ghost")
	if !errors.Is(err, admin.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordLoginFailureLocks(t *testing.T) {
	store, mock := newMockStore(t)
	lockUntil := time.Now().UTC().Add(30 * time.Minute)

	mock.ExpectQuery("update admin_accounts").
		WithArgs("acct-1", 5, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "lock_until"}).
			AddRow(5, lockUntil))

	attempts, lock, err := store.RecordLoginFailure(context.Background(), "acct-1", 5, 30*time.Minute)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if attempts != 5 {
		t.Fatalf("unexpected attempts: %d", attempts)
	}
	if lock == nil || !lock.Equal(lockUntil) {
		t.Fatalf("unexpected lock: %v", lock)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordLoginFailureBelowThreshold(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("update admin_accounts").
		WithArgs("acct-1", 5, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "lock_until"}).
			AddRow(2, nil))

	attempts, lock, err := store.RecordLoginFailure(context.Background(), "acct-1", 5, 30*time.Minute)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if attempts != 2 || lock != nil {
		t.Fatalf("unexpected result: attempts=%d lock=%v", attempts, lock)
	}
}

func TestRecordLoginFailureUnknownAccount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("update admin_accounts").
		WithArgs("ghost", 5, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "lock_until"}))

	_, _, err := store.RecordLoginFailure(context.Background(), "ghost", 5, 30*time.Minute)
	if !errors.Is(err, admin.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetLoginFailures(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update admin_accounts").
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.ResetLoginFailures(context.Background(), "acct-1"); err != nil {
		t.Fatalf("ResetLoginFailures: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into admin_accounts").
		WillReturnError(errors.New(`ERROR: duplicate key value violates unique constraint "admin_accounts_email_key" (SQLSTATE 23505)`))

	err := store.Create(context.Background(), &admin.Account{
		ID:    "acct-1",
		Email: "dup@zettanote.org",
	})
	if !errors.Is(err, admin.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSaveMissingAccount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update admin_accounts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Save(context.Background(), &admin.Account{ID: "ghost"})
	if !errors.Is(err, admin.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListWithTotal(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	cols := append(append([]string{}, accountRows...), "total")
	rows := sqlmock.NewRows(cols).
		AddRow("acct-1", "a@z.org", "A", "h", "standard", []byte(`{}`), true,
			0, nil, false, false, []byte(`[]`), []byte(`[]`), nil, now, now, nil, 3).
		AddRow("acct-2", "b@z.org", "B", "h", "limited", []byte(`{}`), true,
			0, nil, false, false, []byte(`[]`), []byte(`[]`), nil, now, now, nil, 3)
	mock.ExpectQuery("count\\(\\*\\) over\\(\\) as total").
		WithArgs(2, 0).
		WillReturnRows(rows)

	accounts, total, err := store.List(context.Background(), 0, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(accounts) != 2 || total != 3 {
		t.Fatalf("unexpected page: len=%d total=%d", len(accounts), total)
	}
}

func TestListEmptyPageFallsBackToCount(t *testing.T) {
	store, mock := newMockStore(t)

	cols := append(append([]string{}, accountRows...), "total")
	mock.ExpectQuery("count\\(\\*\\) over\\(\\) as total").
		WithArgs(20, 100).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("select count\\(\\*\\) from admin_accounts").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	accounts, total, err := store.List(context.Background(), 100, 20)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(accounts) != 0 || total != 7 {
		t.Fatalf("unexpected fallback: len=%d total=%d", len(accounts), total)
	}
}

func TestUserModeration(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, email, banned from users").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "banned"}).
			AddRow("user-1", "u@zettanote.org", false))
	user, err := store.FindUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if user.Email != "u@zettanote.org" || user.Banned {
		t.Fatalf("unexpected user: %+v", user)
	}

	mock.ExpectExec("update users set banned =").
		WithArgs("user-1", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.SetBanned(context.Background(), "user-1", true); err != nil {
		t.Fatalf("SetBanned: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCounts(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select").
		WillReturnRows(sqlmock.NewRows([]string{"users", "banned", "pages", "admins"}).
			AddRow(10, 2, 45, 3))

	stats, err := store.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if stats.Users != 10 || stats.BannedUsers != 2 || stats.Pages != 45 || stats.Admins != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
