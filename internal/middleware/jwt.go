package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-chat/internal/utils"
)

// ErrTokenMissing is returned when no bearer token was supplied.
var ErrTokenMissing = errors.New("token missing")

// JWTProtected returns a middleware that validates HS256 bearer tokens. An
// empty secret disables the check.
func JWTProtected(secret string) fiber.Handler {
	secret = strings.TrimSpace(secret)

	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		if ok, err := bindBearer(c, secret); !ok {
			return err
		}
		return c.Next()
	}
}

// bindBearer verifies the bearer token and stores its subject and role in
// locals. When it reports false the error response has been written.
func bindBearer(c *fiber.Ctx, secret string) (bool, error) {
	authorization := c.Get("Authorization")
	if authorization == "" {
		return false, utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
	}

	const bearer = "Bearer "
	if !strings.HasPrefix(strings.ToLower(authorization), strings.ToLower(bearer)) {
		return false, utils.SendError(c, fiber.StatusUnauthorized, "invalid authorization header")
	}

	claims, err := parseToken(secret, strings.TrimSpace(authorization[len(bearer):]))
	if err != nil {
		return false, utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
	}
	subject, err := extractSubjectFromClaims(claims)
	if err != nil {
		return false, utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
	}

	c.Locals("user_id", subject)
	if role, ok := claims["role"].(string); ok {
		c.Locals("user_role", role)
	}
	return true, nil
}

// TokenSubject verifies an HS256 token and returns its subject.
func TokenSubject(secret, tokenString string) (string, error) {
	claims, err := parseToken(secret, tokenString)
	if err != nil {
		return "", err
	}
	return extractSubjectFromClaims(claims)
}

func parseToken(secret, tokenString string) (jwt.MapClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrTokenMissing
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

func extractSubjectFromClaims(claims jwt.MapClaims) (string, error) {
	for _, key := range []string{"sub", "user_id", "id"} {
		value, ok := claims[key]
		if !ok {
			continue
		}
		if subject, ok := value.(string); ok && strings.TrimSpace(subject) != "" {
			return strings.TrimSpace(subject), nil
		}
	}
	return "", fmt.Errorf("token subject missing")
}

// UserIDFromLocals returns the authenticated subject bound by JWTProtected.
func UserIDFromLocals(c *fiber.Ctx) string {
	if value, ok := c.Locals("user_id").(string); ok {
		return value
	}
	return ""
}
