package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/friendlyfeed/friendlyfeed/internal/session"
)

const (
	claimSubject = "sub"
	claimUserID  = "user_id"
	claimName    = "name"
	claimPicture = "picture"

	contextKey = "user"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
// Browsers cannot set headers on EventSource or WebSocket requests, so the
// token is also accepted from the "token" query parameter.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		ContextKey:    contextKey,
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
		},
	})
}

// SessionFromContext builds the caller's session from verified JWT claims.
func SessionFromContext(c echo.Context) (session.Session, error) {
	token, ok := c.Get(contextKey).(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return session.Session{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return session.Session{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	userID := claimString(claims, claimUserID)
	if userID == "" {
		userID = claimString(claims, claimSubject)
	}
	sess := session.Session{
		UserID:      strings.TrimSpace(userID),
		DisplayName: strings.TrimSpace(claimString(claims, claimName)),
		PhotoURL:    strings.TrimSpace(claimString(claims, claimPicture)),
	}
	if err := sess.Validate(); err != nil {
		return session.Session{}, echo.NewHTTPError(http.StatusUnauthorized, "user id missing")
	}
	return sess, nil
}

// GenerateToken creates a signed JWT carrying the session's identity.
func GenerateToken(sess session.Session, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(sess.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject: sess.UserID,
		claimUserID:  sess.UserID,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
	}
	if sess.DisplayName != "" {
		claims[claimName] = sess.DisplayName
	}
	if sess.PhotoURL != "" {
		claims[claimPicture] = sess.PhotoURL
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
