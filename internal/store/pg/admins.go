// Package pg persists privileged accounts in PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"zettanote.org/internal/admin"
)

// Store implements admin.Store, admin.UserDirectory and admin.StatsSource
// on top of PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ admin.Store         = (*Store)(nil)
	_ admin.UserDirectory = (*Store)(nil)
	_ admin.StatsSource   = (*Store)(nil)
)

// Open connects with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle, primarily for tests.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const accountColumns = `id, email, name, password_hash, role, permissions, active,
	failed_attempts, lock_until, first_login, must_change_password,
	allowed_ips, audit_log, created_by, created_at, updated_at, last_login_at`

func (s *Store) FindByID(ctx context.Context, id string) (*admin.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from admin_accounts where id = $1`, id)
	return scanAccount(row)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*admin.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from admin_accounts where email = $1`,
		admin.NormalizeEmail(email))
	return scanAccount(row)
}

func (s *Store) Create(ctx context.Context, acct *admin.Account) error {
	perms, ips, auditLog, err := marshalDocs(acct)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into admin_accounts(`+accountColumns+`)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		acct.ID, acct.Email, acct.Name, acct.PasswordHash, string(acct.Role),
		perms, acct.Active, acct.FailedAttempts, acct.LockUntil,
		acct.FirstLogin, acct.MustChangePassword, ips, auditLog,
		nullable(acct.CreatedBy), acct.CreatedAt, acct.UpdatedAt, acct.LastLoginAt,
	)
	if isUniqueViolation(err) {
		return admin.ErrConflict
	}
	return err
}

// Save writes the whole account document last-write-wins. Counter updates
// race-free against concurrent logins go through RecordLoginFailure instead.
func (s *Store) Save(ctx context.Context, acct *admin.Account) error {
	perms, ips, auditLog, err := marshalDocs(acct)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update admin_accounts
		set email=$2, name=$3, password_hash=$4, role=$5, permissions=$6,
			active=$7, failed_attempts=$8, lock_until=$9, first_login=$10,
			must_change_password=$11, allowed_ips=$12, audit_log=$13,
			updated_at=$14, last_login_at=$15
		where id = $1`,
		acct.ID, acct.Email, acct.Name, acct.PasswordHash, string(acct.Role),
		perms, acct.Active, acct.FailedAttempts, acct.LockUntil,
		acct.FirstLogin, acct.MustChangePassword, ips, auditLog,
		acct.UpdatedAt, acct.LastLoginAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from admin_accounts where id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) List(ctx context.Context, offset, limit int) ([]*admin.Account, int, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+accountColumns+`, count(*) over() as total
		from admin_accounts order by id limit $1 offset $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		accounts []*admin.Account
		total    int
	)
	for rows.Next() {
		acct, n, err := scanAccountWithTotal(rows)
		if err != nil {
			return nil, 0, err
		}
		accounts = append(accounts, acct)
		total = n
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(accounts) == 0 {
		// The window function vanishes with the rows; count separately.
		if err := s.db.QueryRowContext(ctx, `select count(*) from admin_accounts`).Scan(&total); err != nil {
			return nil, 0, err
		}
	}
	return accounts, total, nil
}

// RecordLoginFailure is a single conditional update: the increment and the
// lockout decision happen atomically in the database, so parallel failures
// cannot each observe a pre-threshold counter.
func (s *Store) RecordLoginFailure(ctx context.Context, id string, threshold int, lockFor time.Duration) (int, *time.Time, error) {
	lockAt := time.Now().UTC().Add(lockFor)
	row := s.db.QueryRowContext(ctx, `
		update admin_accounts
		set failed_attempts = failed_attempts + 1,
			lock_until = case
				when failed_attempts + 1 >= $2 and (lock_until is null or lock_until < now())
				then $3
				else lock_until
			end,
			updated_at = now()
		where id = $1
		returning failed_attempts, lock_until`,
		id, threshold, lockAt,
	)
	var (
		attempts  int
		lockUntil sql.NullTime
	)
	if err := row.Scan(&attempts, &lockUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, admin.ErrNotFound
		}
		return 0, nil, err
	}
	if lockUntil.Valid {
		t := lockUntil.Time
		return attempts, &t, nil
	}
	return attempts, nil, nil
}

func (s *Store) ResetLoginFailures(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update admin_accounts
		set failed_attempts = 0, lock_until = null, updated_at = now()
		where id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- ordinary-user collaborator -------------------------------------------

func (s *Store) FindUser(ctx context.Context, id string) (*admin.User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, banned from users where id = $1`, id)
	var u admin.User
	if err := row.Scan(&u.ID, &u.Email, &u.Banned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, admin.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) SetBanned(ctx context.Context, id string, banned bool) error {
	res, err := s.db.ExecContext(ctx,
		`update users set banned = $2, updated_at = now() where id = $1`, id, banned)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- analytics collaborator ------------------------------------------------

func (s *Store) Counts(ctx context.Context) (admin.Stats, error) {
	var stats admin.Stats
	row := s.db.QueryRowContext(ctx, `
		select
			(select count(*) from users),
			(select count(*) from users where banned),
			(select count(*) from pages),
			(select count(*) from admin_accounts)`)
	if err := row.Scan(&stats.Users, &stats.BannedUsers, &stats.Pages, &stats.Admins); err != nil {
		return admin.Stats{}, err
	}
	return stats, nil
}

// --- scanning helpers -------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*admin.Account, error) {
	acct, _, err := scanInto(row, false)
	return acct, err
}

func scanAccountWithTotal(row rowScanner) (*admin.Account, int, error) {
	return scanInto(row, true)
}

func scanInto(row rowScanner, withTotal bool) (*admin.Account, int, error) {
	var (
		acct      admin.Account
		role      string
		perms     []byte
		ips       []byte
		auditLog  []byte
		createdBy sql.NullString
		lockUntil sql.NullTime
		lastLogin sql.NullTime
		total     int
	)
	dest := []any{
		&acct.ID, &acct.Email, &acct.Name, &acct.PasswordHash, &role,
		&perms, &acct.Active, &acct.FailedAttempts, &lockUntil,
		&acct.FirstLogin, &acct.MustChangePassword, &ips, &auditLog,
		&createdBy, &acct.CreatedAt, &acct.UpdatedAt, &lastLogin,
	}
	if withTotal {
		dest = append(dest, &total)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, admin.ErrNotFound
		}
		return nil, 0, err
	}
	acct.Role = admin.Role(role)
	if lockUntil.Valid {
		t := lockUntil.Time
		acct.LockUntil = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		acct.LastLoginAt = &t
	}
	if createdBy.Valid {
		acct.CreatedBy = createdBy.String
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &acct.Permissions); err != nil {
			return nil, 0, err
		}
	}
	if len(ips) > 0 {
		if err := json.Unmarshal(ips, &acct.AllowedIPs); err != nil {
			return nil, 0, err
		}
	}
	if len(auditLog) > 0 {
		if err := json.Unmarshal(auditLog, &acct.AuditLog); err != nil {
			return nil, 0, err
		}
	}
	return &acct, total, nil
}

func marshalDocs(acct *admin.Account) (perms, ips, auditLog []byte, err error) {
	if perms, err = json.Marshal(acct.Permissions); err != nil {
		return nil, nil, nil, err
	}
	if ips, err = json.Marshal(acct.AllowedIPs); err != nil {
		return nil, nil, nil, err
	}
	if auditLog, err = json.Marshal(acct.AuditLog); err != nil {
		return nil, nil, nil, err
	}
	return perms, ips, auditLog, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return admin.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// pgx surfaces SQLSTATE 23505 in the error text via database/sql.
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key")
}
