package dashboard

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
)

// claims is the JWT payload minted for dashboard API access. There is no
// username/password login flow here: the dashboard is a single-operator
// read-only surface, so the server mints one token at startup (logged
// once) rather than carrying credential storage.
type claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// MintToken signs a new dashboard access token valid for expiryHours.
func MintToken(secret string, expiryHours int) (string, time.Time, error) {
	if expiryHours <= 0 {
		expiryHours = 24
	}
	expiresAt := time.Now().Add(time.Duration(expiryHours) * time.Hour)

	c := &claims{
		Subject: "reviewbot-dashboard",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "reviewbot",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing dashboard token: %w", err)
	}
	return signed, expiresAt, nil
}

func validateToken(secret, tokenString string) error {
	_, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	return err
}

// jwtAuth returns middleware that requires a valid bearer token signed
// with secret.
func jwtAuth(secret string) gin.HandlerFunc {
	const bearerPrefix = "Bearer "
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if len(header) <= len(bearerPrefix) || header[:len(bearerPrefix)] != bearerPrefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    apperrors.ErrCodeForbidden,
				"message": "authorization header required",
			})
			return
		}

		token := header[len(bearerPrefix):]
		if err := validateToken(secret, token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    apperrors.ErrCodeForbidden,
				"message": "invalid or expired token",
			})
			return
		}
		c.Next()
	}
}
