package kernel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller set by the auth middleware.
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token, secret string) (domain.Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Principal{}, err
	}
	if !parsed.Valid {
		return domain.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return domain.Principal{}, errors.New("subject claim required")
	}
	return domain.Principal{UserID: claims.Subject, Roles: claims.Roles}, nil
}

// IssueToken signs an HS256 token for subject. A zero ttl issues a token
// without expiry.
func IssueToken(secret, subject string, ttl time.Duration, roles ...string) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject, IssuedAt: jwt.NewNumericDate(now)},
		Roles:            roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware requires a bearer token when secret is set. Without a
// secret the X-User-Id header names the caller (development only). Browser
// stream clients may pass the token as ?access_token= instead.
func newAuthMiddleware(logger *slog.Logger, secret string) func(http.Handler) http.Handler {
	var warnOnce sync.Once
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
				if userID == "" {
					userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
				}
				if userID == "" {
					writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
					return
				}
				warnOnce.Do(func() {
					logger.Warn("no jwt secret configured, trusting X-User-Id header")
				})
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), domain.Principal{UserID: userID})))
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			principal, err := authenticateJWT(token, secret)
			if err != nil {
				logger.Debug("rejected credentials", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
		})
	}
}
