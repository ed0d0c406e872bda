// Package auth provides the shared-password login, HS256 session tokens
// and the middleware that guards protected routes.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/mediavault/internal/logging"
	"github.com/fruitsalade/mediavault/internal/metrics"
	"github.com/fruitsalade/mediavault/internal/protocol"
)

// Issuer is the iss claim of every token.
const Issuer = "mediavault"

// ErrUnauthorized is what callers see. The more specific errors below all
// wrap it; their text is only for logs and metrics.
var ErrUnauthorized = errors.New("unauthorized")

var (
	ErrTokenMissing = fmt.Errorf("%w: missing token", ErrUnauthorized)
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrUnauthorized)
	ErrTokenInvalid = fmt.Errorf("%w: invalid token", ErrUnauthorized)
	ErrTokenScope   = fmt.Errorf("%w: token not valid for this resource", ErrUnauthorized)
	ErrBadPassword  = fmt.Errorf("%w: invalid password", ErrUnauthorized)
)

type contextKey string

const claimsContextKey contextKey = "claims"

// Claims holds JWT token claims. Path is set only on stream tokens.
type Claims struct {
	Path string `json:"path,omitempty"`
	jwt.RegisteredClaims
}

// Scoped reports whether the token is limited to a single file.
func (c *Claims) Scoped() bool {
	return c.Path != ""
}

// Token is a signed token and its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Options configures an Authenticator.
type Options struct {
	PasswordHash   []byte // bcrypt
	Secret         []byte // HS256 key; generated when empty
	TokenTTL       time.Duration
	StreamTokenTTL time.Duration
	Now            func() time.Time
}

// Authenticator checks the shared password and issues/verifies tokens.
// It is immutable after New and safe for concurrent use.
type Authenticator struct {
	hash      []byte
	secret    []byte
	ttl       time.Duration
	streamTTL time.Duration
	now       func() time.Time
}

// New creates an Authenticator.
func New(opts Options) (*Authenticator, error) {
	if len(opts.PasswordHash) == 0 {
		return nil, errors.New("password hash required")
	}
	if _, err := bcrypt.Cost(opts.PasswordHash); err != nil {
		return nil, fmt.Errorf("invalid password hash: %w", err)
	}

	secret := opts.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		logging.Warn("JWT_SECRET_KEY not set, using a per-process signing key; tokens will not survive a restart")
	}

	a := &Authenticator{
		hash:      opts.PasswordHash,
		secret:    secret,
		ttl:       opts.TokenTTL,
		streamTTL: opts.StreamTokenTTL,
		now:       opts.Now,
	}
	if a.ttl <= 0 {
		a.ttl = 24 * time.Hour
	}
	if a.streamTTL <= 0 {
		a.streamTTL = 10 * time.Minute
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// HashPassword returns the bcrypt hash of a plaintext password.
func HashPassword(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// Login checks password and issues a session token.
func (a *Authenticator) Login(password string) (Token, error) {
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(password)); err != nil {
		metrics.RecordAuthAttempt(false)
		return Token{}, ErrBadPassword
	}

	tok, err := a.issue("", a.ttl)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		return Token{}, err
	}
	metrics.RecordAuthAttempt(true)
	return tok, nil
}

// IssueStreamToken issues a short-lived token valid only for the file at
// the given root-relative path.
func (a *Authenticator) IssueStreamToken(p string) (Token, error) {
	key := scopeKey(p)
	if key == "" {
		return Token{}, errors.New("stream token needs a file path")
	}
	return a.issue(key, a.streamTTL)
}

func (a *Authenticator) issue(scope string, ttl time.Duration) (Token, error) {
	now := a.now()
	claims := &Claims{
		Path: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: tokenStr, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify validates the signature and expiry of tokenStr.
func (a *Authenticator) Verify(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrTokenMissing
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, fmt.Errorf("%w (%v)", ErrTokenInvalid, err)
	}
}

// Middleware admits requests carrying a valid session token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return a.guard(next, false)
}

// MediaMiddleware also admits stream tokens whose path matches the
// request's ?path= parameter.
func (a *Authenticator) MediaMiddleware(next http.Handler) http.Handler {
	return a.guard(next, true)
}

func (a *Authenticator) guard(next http.Handler, allowScoped bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.Verify(extractToken(r))
		if err == nil && claims.Scoped() {
			if !allowScoped || claims.Path != scopeKey(r.URL.Query().Get("path")) {
				err = ErrTokenScope
			}
		}
		if err != nil {
			reason := Reason(err)
			metrics.RecordTokenRejection(reason)
			logging.WithContext(r.Context()).Debug("request rejected",
				zap.String("reason", reason),
				zap.String("path", r.URL.Path))
			protocol.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFrom extracts claims stored by the middleware.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// Reason returns a short label for an auth error, for logs and metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return "missing"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenScope):
		return "scope"
	case errors.Is(err, ErrBadPassword):
		return "password"
	default:
		return "invalid"
	}
}

// extractToken reads the Bearer header, falling back to ?token= because
// audio and video elements cannot set headers.
func extractToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// scopeKey normalizes a root-relative path for stream token comparison.
func scopeKey(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
