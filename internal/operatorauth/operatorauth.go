// Package operatorauth authenticates operator-facing routes (top-up reset,
// journal read) with a bearer JWT, adapted from the teacher's
// middlewares.IsAuthenticatedHeader for a single "operator" role instead of
// a per-tenant schema claim.
package operatorauth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
)

// Claims is the operator JWT payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Middleware validates an HS256 bearer token signed with secret and
// requires claims.Role == "operator".
func Middleware(secret []byte) fiber.Handler {
	return func(c *fiber.Ctx) error {
		h := c.Get(authHeader)
		if h == "" || !strings.HasPrefix(strings.ToLower(h), strings.ToLower(bearerPrefix)) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing_operator_token"})
		}
		raw := strings.TrimSpace(h[len(bearerPrefix):])
		if raw == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing_operator_token"})
		}

		parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		var claims Claims
		token, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return secret, nil
		})
		if err != nil || !token.Valid || claims.Role != "operator" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_operator_token"})
		}

		c.Locals("operatorSubject", claims.Subject)
		return c.Next()
	}
}

// Issue signs claims as an HS256 operator token. Expiry is whatever exp the
// caller set on claims.RegisteredClaims; Issue adds none (the teacher's
// GenerateJWT is the model this mirrors).
func Issue(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
