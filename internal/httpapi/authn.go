package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"custodia.org/internal/access"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/",
}

// ErrInvalidToken marks authentication failures at the HTTP edge.
var ErrInvalidToken = errors.New("invalid token")

// Claims carries the actor identity in a signed token.
type Claims struct {
	OrgID string `json:"org"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens and resolves them to actors.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an Authenticator; an empty secret disables
// authentication (dev mode only).
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate parses and validates a token, returning the actor it names.
func (a *Authenticator) Authenticate(token string) (access.Actor, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return access.Actor{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.OrgID == "" {
		return access.Actor{}, ErrInvalidToken
	}
	role, err := access.ParseRole(claims.Role)
	if err != nil {
		return access.Actor{}, ErrInvalidToken
	}
	return access.Actor{UserID: claims.Subject, OrgID: claims.OrgID, Role: role}, nil
}

// IssueToken mints a signed token for an actor. Exposed for tooling and
// tests; the service itself never mints tokens for callers.
func (a *Authenticator) IssueToken(actor access.Actor) (string, error) {
	claims := Claims{
		OrgID: actor.OrgID,
		Role:  string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: actor.UserID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (api *API) withAuth(next http.Handler) http.Handler {
	if api.authn == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		actor, err := api.authn.Authenticate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(access.ContextWithActor(r.Context(), actor)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
