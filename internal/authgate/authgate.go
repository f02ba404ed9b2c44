// Package authgate decides whether a request carries a live session and
// short-circuits the ones that do not.
package authgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/shelfgate/config"
	"github.com/mohammad-safakhou/shelfgate/internal/cache"
	"github.com/mohammad-safakhou/shelfgate/internal/telemetry"
)

// ErrAuthRequired is returned for a missing, invalid, expired or revoked session.
var ErrAuthRequired = errors.New("authentication required")

// Denial selects how an unauthenticated request is answered.
type Denial int

const (
	// Browser redirects to the login page with 303 See Other.
	Browser Denial = iota
	// API answers 401 with a JSON error body.
	API
)

const LoginPath = "/login"

// Session is the authenticated caller as seen by handlers.
type Session struct {
	// Token is the upstream session token carried inside the cookie.
	Token     string
	ExpiresAt time.Time
	raw       string
}

type sessionKey struct{}

// WithSession stores s in ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session placed in ctx by the gate.
func SessionFrom(ctx context.Context) (*Session, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}

// Verifier asks the upstream whether a token is live.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (bool, error)
}

type Gate struct {
	policy     string
	cookieName string
	secure     bool
	secret     []byte
	ttl        time.Duration
	verifyTTL  time.Duration
	verifier   Verifier
	cache      cache.Cache
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Gate)

func WithVerifier(v Verifier) Option          { return func(g *Gate) { g.verifier = v } }
func WithCache(c cache.Cache) Option          { return func(g *Gate) { g.cache = c } }
func WithMetrics(m *telemetry.Metrics) Option { return func(g *Gate) { g.metrics = m } }
func WithLogger(l *slog.Logger) Option        { return func(g *Gate) { g.logger = l } }

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

func New(server config.ServerConfig, auth config.AuthConfig, opts ...Option) (*Gate, error) {
	if err := auth.Validate(); err != nil {
		return nil, err
	}
	g := &Gate{
		policy:     auth.Policy,
		cookieName: server.CookieName,
		secure:     server.CookieSecure,
		secret:     []byte(server.SessionSecret),
		ttl:        server.SessionTTL,
		verifyTTL:  auth.VerifyCacheTTL,
		logger:     slog.Default(),
		now:        time.Now,
	}
	if g.cookieName == "" {
		g.cookieName = "token"
	}
	if g.ttl <= 0 {
		g.ttl = 24 * time.Hour
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.cache == nil {
		g.cache = cache.NewMemory()
	}
	if g.policy == config.AuthPolicyUpstream && g.verifier == nil {
		return nil, fmt.Errorf("auth policy %q needs an upstream verifier", g.policy)
	}
	if g.policy != config.AuthPolicyPresence && len(g.secret) == 0 {
		return nil, fmt.Errorf("auth policy %q needs server.session_secret", g.policy)
	}
	return g, nil
}

// Policy returns the configured policy name.
func (g *Gate) Policy() string { return g.policy }

// Require builds the middleware for one route group.
func (g *Gate) Require(mode Denial) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			session, err := g.Authenticate(req.Context(), Extract(req, g.cookieName))
			if err != nil {
				g.metrics.AuthDecision(g.policy, "deny")
				g.logger.Debug("auth denied", "path", req.URL.Path, "policy", g.policy, "reason", err)
				return Deny(c, mode)
			}
			g.metrics.AuthDecision(g.policy, "allow")
			c.SetRequest(req.WithContext(WithSession(req.Context(), session)))
			return next(c)
		}
	}
}

// Deny writes the denial response for mode.
func Deny(c echo.Context, mode Denial) error {
	if mode == API {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": ErrAuthRequired.Error()})
	}
	return c.Redirect(http.StatusSeeOther, LoginPath)
}

// Extract pulls the credential from the session cookie or a Bearer header.
func Extract(r *http.Request, cookieName string) string {
	if ck, err := r.Cookie(cookieName); err == nil && ck.Value != "" {
		return ck.Value
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Authenticate applies the configured policy to a raw credential.
func (g *Gate) Authenticate(ctx context.Context, raw string) (*Session, error) {
	if raw == "" {
		return nil, ErrAuthRequired
	}
	if g.revoked(ctx, raw) {
		return nil, fmt.Errorf("%w: session revoked", ErrAuthRequired)
	}
	if g.policy == config.AuthPolicyPresence {
		// any non-empty cookie passes; unwrap our own envelope when possible
		if s, err := g.parse(raw); err == nil {
			return s, nil
		}
		return &Session{Token: raw, raw: raw}, nil
	}

	s, err := g.parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	if g.policy == config.AuthPolicySigned {
		return s, nil
	}
	if err := g.verifyUpstream(ctx, s.Token); err != nil {
		return nil, err
	}
	return s, nil
}

func (g *Gate) verifyUpstream(ctx context.Context, token string) error {
	key := "verify:" + digest(token)
	if _, err := g.cache.Get(ctx, key); err == nil {
		return nil
	}
	ok, err := g.verifier.VerifyToken(ctx, token)
	if err != nil {
		// fail closed when the upstream cannot answer
		g.logger.Warn("upstream_unreachable", "op", "verify", "err", err)
		return fmt.Errorf("%w: verification unavailable: %v", ErrAuthRequired, err)
	}
	if !ok {
		return fmt.Errorf("%w: upstream rejected session", ErrAuthRequired)
	}
	if g.verifyTTL > 0 {
		if err := g.cache.Set(ctx, key, "1", g.verifyTTL); err != nil {
			g.logger.Warn("verify cache write failed", "err", err)
		}
	}
	return nil
}

type claims struct {
	Token string `json:"tok"`
	jwt.RegisteredClaims
}

func (g *Gate) parse(raw string) (*Session, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return nil, err
	}
	if c.Token == "" {
		return nil, errors.New("session carries no upstream token")
	}
	return &Session{Token: c.Token, ExpiresAt: c.ExpiresAt.Time, raw: raw}, nil
}

// Sign wraps an upstream token in a gateway-signed session value.
func (g *Gate) Sign(upstreamToken string) (string, time.Time, error) {
	now := g.now()
	exp := now.Add(g.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Token: upstreamToken,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, exp, nil
}

// Issue sets the session cookie after a successful upstream login.
func (g *Gate) Issue(c echo.Context, upstreamToken string) error {
	signed, exp, err := g.Sign(upstreamToken)
	if err != nil {
		return err
	}
	cookie := new(http.Cookie)
	cookie.Name = g.cookieName
	cookie.Value = signed
	cookie.Path = "/"
	cookie.Expires = exp
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteLaxMode
	cookie.Secure = g.secure
	c.SetCookie(cookie)
	return nil
}

// Revoke clears the cookie and remembers the old value so a copied cookie
// stops working too.
func (g *Gate) Revoke(c echo.Context) {
	if raw := Extract(c.Request(), g.cookieName); raw != "" {
		if err := g.cache.Set(c.Request().Context(), "revoked:"+digest(raw), "1", g.ttl); err != nil {
			g.logger.Warn("session revocation not recorded", "err", err)
		}
	}
	cookie := new(http.Cookie)
	cookie.Name = g.cookieName
	cookie.Value = ""
	cookie.Path = "/"
	cookie.Expires = time.Unix(0, 0)
	cookie.MaxAge = -1
	cookie.HttpOnly = true
	c.SetCookie(cookie)
}

func (g *Gate) revoked(ctx context.Context, raw string) bool {
	_, err := g.cache.Get(ctx, "revoked:"+digest(raw))
	return err == nil
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
