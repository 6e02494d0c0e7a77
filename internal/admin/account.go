package admin

import (
	"strings"
	"time"
)

// Role is the closed set of privileged account roles.
type Role string

const (
	// RoleElevated bypasses the permission set entirely.
	RoleElevated Role = "elevated"
	// RoleStandard is the day-to-day operator role.
	RoleStandard Role = "standard"
	// RoleLimited is a read-mostly role for support staff.
	RoleLimited Role = "limited"
)

// Valid reports whether the role belongs to the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleElevated, RoleStandard, RoleLimited:
		return true
	}
	return false
}

// Permission names form a fixed vocabulary shared with route handlers.
const (
	PermReadUsers     = "read_users"
	PermWriteUsers    = "write_users"
	PermDeleteUsers   = "delete_users"
	PermBanUsers      = "ban_users"
	PermReadPages     = "read_pages"
	PermDeletePages   = "delete_pages"
	PermReadAnalytics = "read_analytics"
	PermManageAdmins  = "manage_admins"
	PermSystemConfig  = "system_config"
)

// AllPermissions lists the full vocabulary in stable order.
var AllPermissions = []string{
	PermReadUsers,
	PermWriteUsers,
	PermDeleteUsers,
	PermBanUsers,
	PermReadPages,
	PermDeletePages,
	PermReadAnalytics,
	PermManageAdmins,
	PermSystemConfig,
}

var roleDefaults = map[Role][]string{
	RoleStandard: {
		PermReadUsers, PermWriteUsers, PermBanUsers,
		PermReadPages, PermDeletePages, PermReadAnalytics,
	},
	RoleLimited: {PermReadUsers, PermReadPages},
}

// DefaultPermissions returns the seed permission set for a role. The seed is
// applied at create/update time only; authorization reads the stored set.
func (r Role) DefaultPermissions() map[string]bool {
	set := make(map[string]bool, len(AllPermissions))
	if r == RoleElevated {
		for _, p := range AllPermissions {
			set[p] = true
		}
		return set
	}
	for _, p := range roleDefaults[r] {
		set[p] = true
	}
	return set
}

// KnownPermission reports whether the name is part of the vocabulary.
func KnownPermission(name string) bool {
	for _, p := range AllPermissions {
		if p == name {
			return true
		}
	}
	return false
}

// Audit action tags recorded against accounts.
const (
	ActionLoginSuccess    = "LOGIN_SUCCESS"
	ActionLoginFailed     = "LOGIN_FAILED"
	ActionLoginLocked     = "LOGIN_LOCKED"
	ActionPasswordChanged = "PASSWORD_CHANGED"
	ActionIPRejected      = "IP_REJECTED"
	ActionPermDenied      = "PERMISSION_DENIED"
	ActionAdminCreated    = "ADMIN_CREATED"
	ActionAdminUpdated    = "ADMIN_UPDATED"
	ActionAdminDeleted    = "ADMIN_DELETED"
	ActionUserBanned      = "USER_BANNED"
	ActionUserUnbanned    = "USER_UNBANNED"
)

// Stream-only actions: emitted on the security-event stream, never appended
// to an account's audit log.
const (
	ActionLoginRateLimited  = "LOGIN_RATE_LIMITED"
	ActionSuspiciousRequest = "SUSPICIOUS_REQUEST"
)

// maxAuditEntries caps the per-account audit log; the oldest entries are
// dropped silently once the cap is reached.
const maxAuditEntries = 1000

// AuditEntry is one immutable record of a security-relevant action.
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	At        time.Time      `json:"at"`
	IP        string         `json:"ip"`
	UserAgent string         `json:"user_agent"`
	Details   map[string]any `json:"details,omitempty"`
}

// Account is a privileged actor. The zero value is not usable; accounts are
// built by Service.CreateAccount or loaded from a Store.
type Account struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Name         string          `json:"name"`
	PasswordHash string          `json:"-"`
	Role         Role            `json:"role"`
	Permissions  map[string]bool `json:"permissions"`
	Active       bool            `json:"active"`

	FailedAttempts int        `json:"failed_attempts"`
	LockUntil      *time.Time `json:"lock_until,omitempty"`

	FirstLogin         bool `json:"first_login"`
	MustChangePassword bool `json:"must_change_password"`

	AllowedIPs []string     `json:"allowed_ips,omitempty"`
	AuditLog   []AuditEntry `json:"audit_log,omitempty"`

	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Locked reports whether the account is locked at the given instant.
func (a *Account) Locked(now time.Time) bool {
	return a.LockUntil != nil && a.LockUntil.After(now)
}

// HasPermission checks the explicit permission set; the elevated role grants
// everything regardless of the stored set.
func (a *Account) HasPermission(perm string) bool {
	if a.Role == RoleElevated {
		return true
	}
	return a.Permissions[perm]
}

// IPAllowed reports whether the source IP passes the account allow-list. An
// empty list means no restriction; otherwise the IP must appear verbatim.
func (a *Account) IPAllowed(ip string) bool {
	if len(a.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range a.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

// AppendAudit appends an entry and enforces the retention cap. The caller is
// responsible for persisting the account afterward, so several entries from
// one request batch into a single write.
func (a *Account) AppendAudit(entry AuditEntry) {
	a.AuditLog = append(a.AuditLog, entry)
	if n := len(a.AuditLog); n > maxAuditEntries {
		a.AuditLog = a.AuditLog[n-maxAuditEntries:]
	}
}

// NormalizeEmail lowercases and trims an email for case-insensitive identity.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
