package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"zettanote.org/internal/admin"
	"zettanote.org/internal/audit"
	"zettanote.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireAdmin gates a handler behind the per-request authorization chain:
// full-token verification, permission check, per-account IP allow-list, and
// the throttled last-login refresh after the handler runs.
func (a *API) requireAdmin(perm string, next func(http.ResponseWriter, *http.Request, *admin.Account)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		acct, err := a.svc.Authenticate(r.Context(), raw, token.KindFull)
		if err != nil {
			if errors.Is(err, admin.ErrAuthentication) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		info := requestInfo(r)
		if perm != "" && !a.svc.Authorize(acct, perm) {
			a.svc.AuditDenied(r.Context(), acct, perm, info)
			writeError(w, r, http.StatusForbidden, "insufficient permissions")
			return
		}

		if err := a.svc.CheckIP(r.Context(), acct, info.IP, info); err != nil {
			writeError(w, r, http.StatusForbidden, "source address not allowed")
			return
		}

		ctx := audit.WithActor(r.Context(), acct.ID)
		next(w, r.WithContext(ctx), acct)

		a.svc.TouchLastLogin(r.Context(), acct)
	}
}

func requestInfo(r *http.Request) admin.RequestInfo {
	return admin.RequestInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}
