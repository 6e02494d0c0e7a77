package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"zettanote.org/internal/admin"
	"zettanote.org/internal/audit"
	"zettanote.org/internal/obs"
	"zettanote.org/internal/token"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token                 string       `json:"token"`
	ExpiresAt             time.Time    `json:"expires_at"`
	RequirePasswordChange bool         `json:"require_password_change"`
	Account               *accountView `json:"account"`
}

type rotateRequest struct {
	NewPassword string `json:"new_password"`
}

type createAccountRequest struct {
	Email       string          `json:"email"`
	Name        string          `json:"name"`
	Password    string          `json:"password"`
	Role        string          `json:"role"`
	Permissions map[string]bool `json:"permissions"`
	AllowedIPs  []string        `json:"allowed_ips"`
}

type updateAccountRequest struct {
	Name        *string         `json:"name"`
	Role        *string         `json:"role"`
	Permissions map[string]bool `json:"permissions"`
	Active      *bool           `json:"active"`
	AllowedIPs  []string        `json:"allowed_ips"`
}

type listAccountsResponse struct {
	Items   []*accountView `json:"items"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
}

// accountView is the wire shape of an account. The audit log is included
// only on single-resource reads, trimmed to the most recent entries.
type accountView struct {
	ID                 string             `json:"id"`
	Email              string             `json:"email"`
	Name               string             `json:"name"`
	Role               string             `json:"role"`
	Permissions        map[string]bool    `json:"permissions"`
	Active             bool               `json:"active"`
	FirstLogin         bool               `json:"first_login"`
	MustChangePassword bool               `json:"must_change_password"`
	AllowedIPs         []string           `json:"allowed_ips,omitempty"`
	CreatedBy          string             `json:"created_by,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	LastLoginAt        *time.Time         `json:"last_login_at,omitempty"`
	AuditLog           []admin.AuditEntry `json:"audit_log,omitempty"`
}

const auditViewLimit = 50

func viewAccount(acct *admin.Account, withAudit bool) *accountView {
	v := &accountView{
		ID:                 acct.ID,
		Email:              acct.Email,
		Name:               acct.Name,
		Role:               string(acct.Role),
		Permissions:        acct.Permissions,
		Active:             acct.Active,
		FirstLogin:         acct.FirstLogin,
		MustChangePassword: acct.MustChangePassword,
		AllowedIPs:         acct.AllowedIPs,
		CreatedBy:          acct.CreatedBy,
		CreatedAt:          acct.CreatedAt,
		LastLoginAt:        acct.LastLoginAt,
	}
	if withAudit {
		log := acct.AuditLog
		if len(log) > auditViewLimit {
			log = log[len(log)-auditViewLimit:]
		}
		v.AuditLog = log
	}
	return v
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	ip := clientIP(r)
	if a.loginLimiter.Blocked(ip) {
		obs.RateLimited.WithLabelValues("login").Inc()
		_ = audit.LogEvent(r.Context(), "admin.login.rate_limited", map[string]any{
			"action": admin.ActionLoginRateLimited,
			"ip":     ip,
		})
		writeRateLimited(w, r, a.loginLimiter.RetryAfter(ip))
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.svc.Login(r.Context(), req.Email, req.Password, requestInfo(r))
	if err != nil {
		// Only failed attempts consume the login budget.
		if errors.Is(err, admin.ErrAuthentication) || errors.Is(err, admin.ErrLocked) {
			a.loginLimiter.Hit(ip)
		}
		handleAdminError(w, r, err)
		return
	}

	event := "admin.login"
	if result.RequirePasswordChange {
		event = "admin.login.rotation_required"
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"account_id": result.Account.ID,
		"ip":         ip,
	})

	writeJSON(w, http.StatusOK, loginResponse{
		Token:                 result.Token,
		ExpiresAt:             result.ExpiresAt,
		RequirePasswordChange: result.RequirePasswordChange,
		Account:               viewAccount(result.Account, false),
	})
}

func (a *API) handlePasswordRotation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	raw, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	// Only the restricted rotation token opens this endpoint; a full
	// session token is rejected outright.
	acct, err := a.svc.Authenticate(r.Context(), raw, token.KindRestricted)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}

	var req rotateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.svc.RotatePassword(r.Context(), acct.ID, req.NewPassword, requestInfo(r)); err != nil {
		handleAdminError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "admin.password_rotated", map[string]any{
		"account_id": acct.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.requireAdmin(admin.PermManageAdmins, a.listAccounts)(w, r)
	case http.MethodPost:
		a.requireAdmin(admin.PermManageAdmins, a.createAccount)(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request, _ *admin.Account) {
	page, err := parsePositiveInt(r.URL.Query().Get("page"), 1, 1, 10000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perPage, err := parsePositiveInt(r.URL.Query().Get("per_page"), 20, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	accounts, total, err := a.svc.ListAccounts(r.Context(), (page-1)*perPage, perPage)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	items := make([]*accountView, 0, len(accounts))
	for _, acct := range accounts {
		items = append(items, viewAccount(acct, false))
	}
	writeJSON(w, http.StatusOK, listAccountsResponse{
		Items:   items,
		Total:   total,
		Page:    page,
		PerPage: perPage,
	})
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request, actor *admin.Account) {
	ip := clientIP(r)
	if !a.createLimiter.Allow(ip) {
		obs.RateLimited.WithLabelValues("create").Inc()
		writeRateLimited(w, r, a.createLimiter.RetryAfter(ip))
		return
	}

	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	acct, err := a.svc.CreateAccount(r.Context(), actor, admin.CreateAccountInput{
		Email:       req.Email,
		Name:        req.Name,
		Password:    req.Password,
		Role:        admin.Role(req.Role),
		Permissions: req.Permissions,
		AllowedIPs:  req.AllowedIPs,
	}, requestInfo(r))
	if err != nil {
		handleAdminError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "admin.account.created", map[string]any{
		"account_id": acct.ID,
		"email":      acct.Email,
		"role":       string(acct.Role),
	})
	w.Header().Set("Location", "/v1/admin/accounts/"+acct.ID)
	writeJSON(w, http.StatusCreated, viewAccount(acct, false))
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/accounts/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.requireAdmin(admin.PermManageAdmins, func(w http.ResponseWriter, r *http.Request, _ *admin.Account) {
			acct, err := a.svc.GetAccount(r.Context(), id)
			if err != nil {
				handleAdminError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, viewAccount(acct, true))
		})(w, r)
	case http.MethodPut:
		a.requireAdmin(admin.PermManageAdmins, func(w http.ResponseWriter, r *http.Request, actor *admin.Account) {
			a.updateAccount(w, r, actor, id)
		})(w, r)
	case http.MethodDelete:
		a.requireAdmin(admin.PermManageAdmins, func(w http.ResponseWriter, r *http.Request, actor *admin.Account) {
			if err := a.svc.DeleteAccount(r.Context(), actor, id, requestInfo(r)); err != nil {
				handleAdminError(w, r, err)
				return
			}
			_ = audit.LogEvent(r.Context(), "admin.account.deleted", map[string]any{"account_id": id})
			w.WriteHeader(http.StatusNoContent)
		})(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) updateAccount(w http.ResponseWriter, r *http.Request, actor *admin.Account, id string) {
	var req updateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	in := admin.UpdateAccountInput{
		Name:        req.Name,
		Permissions: req.Permissions,
		Active:      req.Active,
		AllowedIPs:  req.AllowedIPs,
	}
	if req.Role != nil {
		role := admin.Role(*req.Role)
		in.Role = &role
	}

	acct, err := a.svc.UpdateAccount(r.Context(), actor, id, in, requestInfo(r))
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.account.updated", map[string]any{"account_id": acct.ID})
	writeJSON(w, http.StatusOK, viewAccount(acct, false))
}

// handleUserModeration serves POST /v1/admin/users/{id}/ban and /unban.
func (a *API) handleUserModeration(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/users/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID, action := parts[0], parts[1]
	if action != "ban" && action != "unban" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	a.requireAdmin(admin.PermBanUsers, func(w http.ResponseWriter, r *http.Request, actor *admin.Account) {
		var (
			user *admin.User
			err  error
		)
		if action == "ban" {
			user, err = a.svc.BanUser(r.Context(), actor, userID, requestInfo(r))
		} else {
			user, err = a.svc.UnbanUser(r.Context(), actor, userID, requestInfo(r))
		}
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "admin.user."+action, map[string]any{
			"user_id": user.ID,
		})
		writeJSON(w, http.StatusOK, user)
	})(w, r)
}

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.requireAdmin(admin.PermReadAnalytics, func(w http.ResponseWriter, r *http.Request, _ *admin.Account) {
		stats, err := a.svc.Analytics(r.Context())
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})(w, r)
}

// --- helpers ---

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleAdminError maps the error taxonomy to status codes. Anything outside
// the taxonomy is logged with full context and surfaced as a generic 500.
func handleAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, admin.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, admin.ErrAuthentication):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, admin.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, admin.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, admin.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, admin.ErrLocked):
		writeError(w, r, http.StatusLocked, err.Error())
	default:
		obs.Error("internal error", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"err":        err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
