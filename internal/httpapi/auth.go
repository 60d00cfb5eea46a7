package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/R3E-Network/magic-number/pkg/logger"
)

// Roles carried in token claims.
const (
	RoleAdmin  = "admin"
	RoleOracle = "oracle"
)

// Claims are the JWT claims accepted by the privileged endpoints.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// ClaimsFrom returns the authenticated claims stored by AuthMiddleware.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// AuthMiddleware verifies HS256 bearer tokens and enforces roles.
type AuthMiddleware struct {
	secret []byte
	issuer string
	log    *logger.Logger
}

// NewAuthMiddleware creates the middleware. An empty secret rejects every
// privileged request.
func NewAuthMiddleware(secret, issuer string, log *logger.Logger) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &AuthMiddleware{secret: []byte(secret), issuer: issuer, log: log}
}

// IssueToken mints a token for subject with role, valid for ttl.
func (m *AuthMiddleware) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if len(m.secret) == 0 {
		return "", fmt.Errorf("jwt secret not configured")
	}
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Require only lets requests through that carry a valid token with role.
func (m *AuthMiddleware) Require(role string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := m.authenticate(r)
			if err != nil {
				m.log.WithError(err).
					WithField("path", r.URL.Path).
					WithField("remote", r.RemoteAddr).
					Warn("authentication failed")
				writeError(w, err)
				return
			}
			if claims.Role != role {
				m.log.WithField("subject", claims.Subject).
					WithField("role", claims.Role).
					WithField("required", role).
					Warn("role not permitted")
				writeError(w, fmt.Errorf("%w: role %q required", errForbidden, role))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func (m *AuthMiddleware) authenticate(r *http.Request) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, fmt.Errorf("%w: privileged api disabled", errForbidden)
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("%w: missing authorization header", errUnauthorized)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, fmt.Errorf("%w: invalid authorization header format", errUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(parts[1], &Claims{}, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", errUnauthorized)
	}
	return claims, nil
}
