package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nerrad567/venus-bridge/internal/auth"
)

const ctxKeyClaims contextKey = "claims"

// tokenQueryParam carries the token on WebSocket upgrades, where browsers
// cannot set an Authorization header.
const tokenQueryParam = "access_token"

// authMiddleware rejects requests without a valid bearer token and stores
// the token's claims in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return s.verifyToken(next, false)
}

// wsAuthMiddleware is authMiddleware that also accepts ?access_token=.
func (s *Server) wsAuthMiddleware(next http.Handler) http.Handler {
	return s.verifyToken(next, true)
}

func (s *Server) verifyToken(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" && allowQuery {
			token = r.URL.Query().Get(tokenQueryParam)
		}
		if token == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		claims, err := auth.ParseToken(token, s.secCfg.JWT.Secret)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "token expired"
			}
			s.logger.Debug("rejected API token",
				"path", r.URL.Path,
				"request_id", r.Context().Value(ctxKeyRequestID),
				"error", err)
			writeUnauthorized(w, msg)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission rejects callers whose role lacks perm. It must run
// after authMiddleware.
func (s *Server) requirePermission(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromContext(r.Context())
			if claims == nil || !auth.HasPermission(claims.Role, perm) {
				writeForbidden(w, "token does not grant "+string(perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// claimsFromContext returns the verified claims, or nil on routes without
// authentication.
func claimsFromContext(ctx context.Context) *auth.CustomClaims {
	claims, _ := ctx.Value(ctxKeyClaims).(*auth.CustomClaims)
	return claims
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
