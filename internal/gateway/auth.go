package gateway

import (
	"context"
	"crypto/rand"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
)

type contextKey string

const sessionContextKey contextKey = "session_id"

// Auth mints and validates HS256 session tokens. A token is bound to
// exactly one session id; handlers reject requests whose token names a
// different session than the one addressed.
type Auth struct {
	secret []byte
	ttl    time.Duration
	logger *zap.Logger
}

// NewAuth builds the token layer. With no configured secret a random one is
// generated, which invalidates outstanding tokens on restart.
func NewAuth(cfg *config.Config, logger *zap.Logger) (*Auth, error) {
	ttl := cfg.Server.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	secret := []byte(cfg.Server.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		logger.Warn("no token secret configured, generated an ephemeral one; tokens will not survive restarts")
	} else if len(secret) < 32 {
		logger.Warn("token secret shorter than 32 bytes", zap.Int("length", len(secret)))
	}

	return &Auth{secret: secret, ttl: ttl, logger: logger.Named("auth")}, nil
}

// Mint issues a signed token for sessionID.
func (a *Auth) Mint(sessionID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sid": sessionID,
		"exp": jwt.NewNumericDate(now.Add(a.ttl)),
		"iat": jwt.NewNumericDate(now),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// verify parses tokenString and returns the session id it is bound to.
func (a *Auth) verify(tokenString string) (string, bool) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		a.logger.Debug("token rejected", zap.Error(err))
		return "", false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	sid, _ := claims["sid"].(string)
	return sid, sid != ""
}

// Middleware enforces a valid bearer token and stores its session id on the
// request context. WebSocket clients cannot set headers from browsers, so a
// `token` query parameter is accepted as the fallback carrier.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenString = strings.TrimPrefix(h, "Bearer ")
		} else {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		sid, ok := a.verify(tokenString)
		if !ok {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, sid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionID returns the session the request's token is bound to.
func SessionID(ctx context.Context) string {
	if sid, ok := ctx.Value(sessionContextKey).(string); ok {
		return sid
	}
	return ""
}
