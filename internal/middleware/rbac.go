package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/utils"
)

// RoleAdmin is the token role allowed to moderate rooms and run maintenance.
const RoleAdmin = "admin"

// RequireRole ensures that the authenticated user possesses one of the allowed roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		role := normalizeRoleValue(c.Locals("user_role"))
		if _, ok := allowed[role]; !ok {
			return utils.SendErrorCode(c, fiber.StatusForbidden, "forbidden", "insufficient permissions")
		}
		return c.Next()
	}
}

// AdminGuard protects moderation routes: a valid token carrying the admin
// role is required. Without a secret the guard is open, which only suits
// local development.
func AdminGuard(secret string) fiber.Handler {
	secret = strings.TrimSpace(secret)
	authorize := RequireRole(RoleAdmin)

	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		if ok, err := bindBearer(c, secret); !ok {
			return err
		}
		return authorize(c)
	}
}

// HasRole reports whether the bearer bound to the request carries role.
func HasRole(c *fiber.Ctx, role string) bool {
	want := strings.ToLower(strings.TrimSpace(role))
	return want != "" && normalizeRoleValue(c.Locals("user_role")) == want
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		if value == nil {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
