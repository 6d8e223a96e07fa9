package handlers

import (
	"net/http"

	"militext/internal/models"

	"github.com/gofiber/fiber/v2"
)

func RegisterHandler(accounts Accounts) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.RegisterRequest
		if err := parseBody(c, &req); err != nil {
			return badRequest(c, err)
		}
		user, err := accounts.Register(c.UserContext(), req)
		if err != nil {
			return fail(c, err)
		}
		return c.Status(http.StatusCreated).JSON(user)
	}
}

func LoginHandler(accounts Accounts) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.LoginRequest
		if err := parseBody(c, &req); err != nil {
			return badRequest(c, err)
		}
		res, err := accounts.Login(c.UserContext(), req)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(res)
	}
}

// RefreshHandler trades a refresh token for a new pair. Any failure is a
// 401 so the client drops its credentials.
func RefreshHandler(accounts Accounts) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.RefreshRequest
		if err := parseBody(c, &req); err != nil {
			return badRequest(c, err)
		}
		pair, err := accounts.Refresh(c.UserContext(), req.RefreshToken)
		if err != nil {
			status, _ := statusFor(err)
			if status == http.StatusInternalServerError {
				return fail(c, err)
			}
			return writeError(c, http.StatusUnauthorized, models.CodeInvalidToken, "invalid refresh token")
		}
		return c.JSON(pair)
	}
}

func CurrentUserHandler(accounts Accounts) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := accounts.GetUser(c.UserContext(), currentUser(c).ID)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(user)
	}
}

// LogoutHandler acknowledges a logout. Tokens are stateless and simply
// expire; the client forgets them.
func LogoutHandler(c *fiber.Ctx) error {
	return c.SendStatus(http.StatusNoContent)
}
