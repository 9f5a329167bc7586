// internal/middleware/tenant.go
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/unclebandit/smsleopard-dispatcher/internal/httputil"
)

const TenantHeader = "X-Tenant-ID"

type tenantKey struct{}

// RequireTenant rejects requests without a tenant header. Authentication
// happens upstream; this only scopes the request.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenant == "" {
			httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + TenantHeader + " header"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
	})
}

func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

func TenantFromContext(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey{}).(string)
	return tenant
}
