package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zettanote.org/internal/ids"
	"zettanote.org/internal/obs"
	"zettanote.org/internal/token"
)

// Lockout policy for privileged accounts. The lock is set at the moment the
// threshold failure is recorded, not recomputed from the counter afterward.
const (
	lockThreshold = 5
	lockDuration  = 30 * time.Minute
)

// lastLoginRefresh throttles last-login writes on authenticated requests.
const lastLoginRefresh = 30 * time.Minute

// Service orchestrates authentication, authorization and account
// administration for privileged actors.
type Service struct {
	store  Store
	tokens *token.Issuer
	users  UserDirectory
	stats  StatsSource
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithUserDirectory wires the ordinary-user collaborator used by ban/unban.
func WithUserDirectory(dir UserDirectory) ServiceOption {
	return func(s *Service) { s.users = dir }
}

// WithStatsSource wires the aggregate-count collaborator used by analytics.
func WithStatsSource(src StatsSource) ServiceOption {
	return func(s *Service) { s.stats = src }
}

// NewService constructs a Service.
func NewService(store Store, tokens *token.Issuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("admin: store is required")
	}
	if tokens == nil {
		return nil, errors.New("admin: token issuer is required")
	}
	svc := &Service{store: store, tokens: tokens, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// RequestInfo carries the transport facts recorded in audit entries.
type RequestInfo struct {
	IP        string
	UserAgent string
}

// LoginResult is the terminal state of a successful login flow. When
// RequirePasswordChange is set the token is restricted to the rotation
// endpoint and no session state was touched.
type LoginResult struct {
	Account               *Account
	Token                 string
	ExpiresAt             time.Time
	RequirePasswordChange bool
}

// Login runs the credential flow: resolve account, lock check, password
// check, allow-list check, then either a restricted rotation token or a full
// session. Terminal failures append an audit entry once an account has been
// resolved; the caller persists nothing.
func (s *Service) Login(ctx context.Context, email, password string, req RequestInfo) (*LoginResult, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}

	acct, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.LoginAttempts.WithLabelValues("unknown_account").Inc()
			return nil, fmt.Errorf("%w: invalid credentials", ErrAuthentication)
		}
		return nil, err
	}

	if !acct.Active {
		s.auditAndSave(ctx, acct, ActionLoginFailed, req, map[string]any{"reason": "inactive"})
		obs.LoginAttempts.WithLabelValues("inactive").Inc()
		return nil, fmt.Errorf("%w: invalid credentials", ErrAuthentication)
	}

	matched, err := s.verifyCredential(ctx, acct, password, req)
	if err != nil {
		return nil, err
	}
	if !matched {
		obs.LoginAttempts.WithLabelValues("bad_password").Inc()
		return nil, fmt.Errorf("%w: invalid credentials", ErrAuthentication)
	}

	if !acct.IPAllowed(req.IP) {
		s.auditAndSave(ctx, acct, ActionIPRejected, req, map[string]any{"stage": "login"})
		obs.LoginAttempts.WithLabelValues("ip_rejected").Inc()
		return nil, fmt.Errorf("%w: source address not allowed", ErrForbidden)
	}

	if acct.FirstLogin && acct.MustChangePassword {
		signed, expiresAt, err := s.tokens.Issue(acct.ID, string(acct.Role), token.KindRestricted, 0)
		if err != nil {
			return nil, err
		}
		obs.LoginAttempts.WithLabelValues("rotation_required").Inc()
		return &LoginResult{
			Account:               acct,
			Token:                 signed,
			ExpiresAt:             expiresAt,
			RequirePasswordChange: true,
		}, nil
	}

	signed, expiresAt, err := s.tokens.Issue(acct.ID, string(acct.Role), token.KindFull, 0)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	acct.LastLoginAt = &now
	acct.UpdatedAt = now
	acct.AppendAudit(s.entry(ActionLoginSuccess, req, nil))
	if err := s.store.Save(ctx, acct); err != nil {
		return nil, err
	}

	obs.LoginAttempts.WithLabelValues("success").Inc()
	return &LoginResult{Account: acct, Token: signed, ExpiresAt: expiresAt}, nil
}

// verifyCredential implements the credential-store contract: the lock check
// happens before any comparison, and counter state persists on every call.
func (s *Service) verifyCredential(ctx context.Context, acct *Account, candidate string, req RequestInfo) (bool, error) {
	now := s.now()
	if acct.Locked(now) {
		s.auditAndSave(ctx, acct, ActionLoginLocked, req, map[string]any{
			"lock_until": acct.LockUntil.UTC().Format(time.RFC3339),
		})
		obs.LoginAttempts.WithLabelValues("locked").Inc()
		return false, fmt.Errorf("%w: try again later", ErrLocked)
	}

	matched, err := VerifyPassword(acct.PasswordHash, candidate)
	if err != nil {
		obs.Error("password verification failed", map[string]any{"account_id": acct.ID, "err": err.Error()})
		return false, fmt.Errorf("credential check: %w", err)
	}

	if matched {
		if acct.FailedAttempts > 0 || acct.LockUntil != nil {
			if err := s.store.ResetLoginFailures(ctx, acct.ID); err != nil {
				return false, err
			}
			acct.FailedAttempts = 0
			acct.LockUntil = nil
		}
		return true, nil
	}

	attempts, lockUntil, err := s.store.RecordLoginFailure(ctx, acct.ID, lockThreshold, lockDuration)
	if err != nil {
		return false, err
	}
	acct.FailedAttempts = attempts
	acct.LockUntil = lockUntil

	details := map[string]any{"attempts": attempts}
	if lockUntil != nil {
		details["lock_until"] = lockUntil.UTC().Format(time.RFC3339)
		obs.Lockouts.Inc()
	}
	s.auditAndSave(ctx, acct, ActionLoginFailed, req, details)
	return false, nil
}

// RotatePassword completes the mandatory first-login rotation. The caller
// has already verified a restricted token for accountID. Replays after the
// rotation completed fail with a conflict rather than silently succeeding.
func (s *Service) RotatePassword(ctx context.Context, accountID, newPassword string, req RequestInfo) error {
	acct, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: invalid token", ErrAuthentication)
		}
		return err
	}
	if !acct.FirstLogin || !acct.MustChangePassword {
		return fmt.Errorf("%w: password rotation not required", ErrConflict)
	}
	if err := CheckPasswordStrength(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	// Both flags clear together with the new hash in a single save.
	acct.PasswordHash = hash
	acct.FirstLogin = false
	acct.MustChangePassword = false
	acct.UpdatedAt = s.now().UTC()
	acct.AppendAudit(s.entry(ActionPasswordChanged, req, nil))
	return s.store.Save(ctx, acct)
}

// Authenticate verifies a bearer token of the expected kind and re-resolves
// the account: a token must not outlive the account's current standing, so a
// missing, inactive or locked account invalidates it.
func (s *Service) Authenticate(ctx context.Context, raw string, want token.Kind) (*Account, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", ErrAuthentication)
	}
	if claims.Kind != want {
		return nil, fmt.Errorf("%w: invalid token", ErrAuthentication)
	}
	acct, err := s.store.FindByID(ctx, claims.AccountID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid token", ErrAuthentication)
		}
		return nil, err
	}
	if !acct.Active || acct.Locked(s.now()) {
		reason := "inactive"
		if acct.Locked(s.now()) {
			reason = "locked"
		}
		s.auditAndSave(ctx, acct, ActionLoginFailed, RequestInfo{}, map[string]any{
			"reason": reason,
			"stage":  "token",
		})
		return nil, fmt.Errorf("%w: invalid token", ErrAuthentication)
	}
	return acct, nil
}

// Authorize is the permission check for already-authenticated requests.
func (s *Service) Authorize(acct *Account, perm string) bool {
	return acct.HasPermission(perm)
}

// AuditDenied records an authorization denial against the resolved account.
func (s *Service) AuditDenied(ctx context.Context, acct *Account, perm string, req RequestInfo) {
	s.auditAndSave(ctx, acct, ActionPermDenied, req, map[string]any{"permission": perm})
}

// RequireElevated is a strict role-equality test, independent of the
// permission set.
func (s *Service) RequireElevated(acct *Account) error {
	if acct.Role != RoleElevated {
		return fmt.Errorf("%w: elevated role required", ErrForbidden)
	}
	return nil
}

// CheckIP enforces the per-account allow-list on authenticated requests. A
// rejection is recorded against the account before the error returns.
func (s *Service) CheckIP(ctx context.Context, acct *Account, ip string, req RequestInfo) error {
	if acct.IPAllowed(ip) {
		return nil
	}
	s.auditAndSave(ctx, acct, ActionIPRejected, req, map[string]any{"stage": "request"})
	return fmt.Errorf("%w: source address not allowed", ErrForbidden)
}

// TouchLastLogin refreshes the last-login timestamp when it is stale by more
// than the refresh throttle, avoiding a write on every request.
func (s *Service) TouchLastLogin(ctx context.Context, acct *Account) {
	now := s.now().UTC()
	if acct.LastLoginAt != nil && now.Sub(*acct.LastLoginAt) <= lastLoginRefresh {
		return
	}
	acct.LastLoginAt = &now
	acct.UpdatedAt = now
	if err := s.store.Save(ctx, acct); err != nil {
		obs.Error("last-login refresh failed", map[string]any{"account_id": acct.ID, "err": err.Error()})
	}
}

// CreateAccountInput is the payload for CreateAccount.
type CreateAccountInput struct {
	Email       string
	Name        string
	Password    string
	Role        Role
	Permissions map[string]bool
	AllowedIPs  []string
}

// CreateAccount provisions a privileged account. The permission set is
// seeded from the role defaults and then overridden by any explicit grants;
// both first-login flags start true so the first login forces rotation.
func (s *Service) CreateAccount(ctx context.Context, actor *Account, in CreateAccountInput, req RequestInfo) (*Account, error) {
	email := NormalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}
	if err := CheckPasswordStrength(in.Password); err != nil {
		return nil, err
	}

	perms := in.Role.DefaultPermissions()
	if err := applyOverrides(perms, in.Permissions); err != nil {
		return nil, err
	}

	if _, err := s.store.FindByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("%w: email already registered", ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	acct := &Account{
		ID:                 ids.New(),
		Email:              email,
		Name:               name,
		PasswordHash:       hash,
		Role:               in.Role,
		Permissions:        perms,
		Active:             true,
		FirstLogin:         true,
		MustChangePassword: true,
		AllowedIPs:         append([]string(nil), in.AllowedIPs...),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if actor != nil {
		acct.CreatedBy = actor.ID
	}
	acct.AppendAudit(s.entry(ActionAdminCreated, req, map[string]any{"created_by": acct.CreatedBy}))

	if err := s.store.Create(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// UpdateAccountInput carries optional field updates; nil means unchanged.
type UpdateAccountInput struct {
	Name        *string
	Role        *Role
	Permissions map[string]bool
	Active      *bool
	AllowedIPs  []string
}

// UpdateAccount applies field updates. A role change re-seeds the permission
// set from the new role's defaults before explicit overrides are applied.
func (s *Service) UpdateAccount(ctx context.Context, actor *Account, id string, in UpdateAccountInput, req RequestInfo) (*Account, error) {
	acct, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := map[string]any{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		acct.Name = name
		changed["name"] = name
	}
	if in.Role != nil && *in.Role != acct.Role {
		if !in.Role.Valid() {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, *in.Role)
		}
		acct.Role = *in.Role
		acct.Permissions = in.Role.DefaultPermissions()
		changed["role"] = string(*in.Role)
	}
	if in.Permissions != nil {
		if err := applyOverrides(acct.Permissions, in.Permissions); err != nil {
			return nil, err
		}
		changed["permissions"] = len(in.Permissions)
	}
	if in.Active != nil {
		acct.Active = *in.Active
		changed["active"] = *in.Active
	}
	if in.AllowedIPs != nil {
		acct.AllowedIPs = append([]string(nil), in.AllowedIPs...)
		changed["allowed_ips"] = len(in.AllowedIPs)
	}
	if len(changed) == 0 {
		return acct, nil
	}

	acct.UpdatedAt = s.now().UTC()
	acct.AppendAudit(s.entry(ActionAdminUpdated, req, changed))
	if err := s.store.Save(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccount loads one account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	return s.store.FindByID(ctx, id)
}

// ListAccounts returns a page of accounts plus the total count.
func (s *Service) ListAccounts(ctx context.Context, offset, limit int) ([]*Account, int, error) {
	if offset < 0 || limit < 0 {
		return nil, 0, fmt.Errorf("%w: pagination bounds must be non-negative", ErrInvalidInput)
	}
	return s.store.List(ctx, offset, limit)
}

// DeleteAccount removes an account. Deleting an elevated account requires an
// elevated caller, and nobody deletes themselves. The deletion is recorded
// on the actor's own audit log; a failed audit write never undoes the delete.
func (s *Service) DeleteAccount(ctx context.Context, actor *Account, id string, req RequestInfo) error {
	if actor != nil && actor.ID == id {
		return fmt.Errorf("%w: cannot delete own account", ErrInvalidInput)
	}
	target, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if target.Role == RoleElevated {
		if err := s.RequireElevated(actor); err != nil {
			return err
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if actor != nil {
		s.auditAndSave(ctx, actor, ActionAdminDeleted, req, map[string]any{
			"deleted_id":    target.ID,
			"deleted_email": target.Email,
		})
	}
	return nil
}

// BanUser flags an ordinary user as banned and records the action on the
// acting admin. A failed audit persistence does not mask a successful ban.
func (s *Service) BanUser(ctx context.Context, actor *Account, userID string, req RequestInfo) (*User, error) {
	return s.setUserBan(ctx, actor, userID, true, req)
}

// UnbanUser clears the ban flag.
func (s *Service) UnbanUser(ctx context.Context, actor *Account, userID string, req RequestInfo) (*User, error) {
	return s.setUserBan(ctx, actor, userID, false, req)
}

func (s *Service) setUserBan(ctx context.Context, actor *Account, userID string, banned bool, req RequestInfo) (*User, error) {
	if s.users == nil {
		return nil, errors.New("admin: user directory not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	user, err := s.users.FindUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.users.SetBanned(ctx, userID, banned); err != nil {
		return nil, err
	}
	user.Banned = banned

	action := ActionUserBanned
	if !banned {
		action = ActionUserUnbanned
	}
	s.auditAndSave(ctx, actor, action, req, map[string]any{
		"user_id":    user.ID,
		"user_email": user.Email,
	})
	return user, nil
}

// Analytics returns the aggregate counts for the dashboard.
func (s *Service) Analytics(ctx context.Context) (Stats, error) {
	if s.stats == nil {
		return Stats{}, errors.New("admin: stats source not configured")
	}
	return s.stats.Counts(ctx)
}

func (s *Service) entry(action string, req RequestInfo, details map[string]any) AuditEntry {
	return AuditEntry{
		ID:        ids.New(),
		Action:    action,
		At:        s.now().UTC(),
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Details:   details,
	}
}

// auditAndSave appends an entry and persists it best-effort: an audit write
// failure is logged with full context but never changes the outcome of the
// operation being audited.
func (s *Service) auditAndSave(ctx context.Context, acct *Account, action string, req RequestInfo, details map[string]any) {
	acct.AppendAudit(s.entry(action, req, details))
	if err := s.store.Save(ctx, acct); err != nil {
		obs.Error("audit persistence failed", map[string]any{
			"account_id": acct.ID,
			"action":     action,
			"err":        err.Error(),
		})
	}
}

func applyOverrides(set map[string]bool, overrides map[string]bool) error {
	for name, granted := range overrides {
		if !KnownPermission(name) {
			return fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, name)
		}
		set[name] = granted
	}
	return nil
}
