package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TD-Producoes/revshare-sub005/internal/api/presenter"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

const (
	AdminRole = "admin"

	// SessionIssuer is set on sessions minted by SignSession.
	SessionIssuer = "revclaw"
)

// SessionClaims are the JWT claims of a dashboard session. The subject is the user id.
type SessionClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Session is the authenticated human behind a dashboard request.
type Session struct {
	UserID string
	Roles  []string
}

func (s *Session) HasRole(role string) bool {
	return s != nil && slices.Contains(s.Roles, role)
}

type sessionCtxKey struct{}

type installationCtxKey struct{}

// SessionFromContext returns the session attached by SessionAuth.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionCtxKey{}).(*Session)
	return s
}

// InstallationFromContext returns the installation attached by AgentAuth.
func InstallationFromContext(ctx context.Context) *core.Installation {
	inst, _ := ctx.Value(installationCtxKey{}).(*core.Installation)
	return inst
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// SignSession mints an HS256 session token.
func SignSession(signingKey []byte, userID string, roles []string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	claims := SessionClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    SessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}

// ParseSession validates a session token and returns its session.
func ParseSession(signingKey []byte, tokenStr string) (*Session, error) {
	var claims SessionClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("session has no subject")
	}
	return &Session{UserID: claims.Subject, Roles: claims.Roles}, nil
}

// SessionAuth requires a valid dashboard session.
func SessionAuth(signingKey []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := BearerToken(r)
			if tokenStr == "" {
				presenter.Error(w, r, "login required", http.StatusUnauthorized)
				return
			}

			session, err := ParseSession(signingKey, tokenStr)
			if err != nil {
				log.Ctx(r.Context()).Warn().Err(err).Msg("rejected session token")
				presenter.Error(w, r, "invalid session token", http.StatusUnauthorized)
				return
			}

			log.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("user_id", session.UserID)
			})

			ctx := context.WithValue(r.Context(), sessionCtxKey{}, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole must run after SessionAuth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !SessionFromContext(r.Context()).HasRole(role) {
				presenter.Error(w, r, "insufficient privileges", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authenticator resolves agent credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*core.Installation, error)
}

// AgentAuth requires the bearer credential of an active installation.
func AgentAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := BearerToken(r)
			if credential == "" {
				presenter.Err(w, r, core.NewError(core.KindUnauthorized, "missing agent credential"), "authentication failed")
				return
			}
			inst, err := auth.Authenticate(r.Context(), credential)
			if err != nil {
				presenter.Err(w, r, err, "authentication failed")
				return
			}
			ctx := context.WithValue(r.Context(), installationCtxKey{}, inst)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
