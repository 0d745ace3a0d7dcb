package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler authenticates the operator and mints admin JWTs. There is
// a single admin principal; its password comes from configuration,
// either as a bcrypt hash or as a plain value compared in constant time.
type AuthHandler struct {
	adminPassword string
	jwtSecret     string
	tokenTTL      time.Duration
}

func NewAuthHandler(adminPassword, jwtSecret string, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		adminPassword: adminPassword,
		jwtSecret:     jwtSecret,
		tokenTTL:      tokenTTL,
	}
}

type loginRequest struct {
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /auth/login.
//
// @Summary      Authenticate as the pool operator
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body  body      loginRequest  true  "Admin password"
// @Success      200   {object}  loginResponse
// @Failure      400   {object}  errorResponse
// @Failure      401   {object}  errorResponse
// @Router       /auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	if !h.verify(req.Password) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	expiresAt := time.Now().Add(h.tokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "admin",
		"role": "admin",
		"iat":  time.Now().Unix(),
		"exp":  expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte(h.jwtSecret))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, loginResponse{Token: signed, ExpiresAt: expiresAt})
}

func (h *AuthHandler) verify(password string) bool {
	if h.adminPassword == "" {
		return false
	}
	if isBcryptHash(h.adminPassword) {
		return bcrypt.CompareHashAndPassword([]byte(h.adminPassword), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(h.adminPassword), []byte(password)) == 1
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") ||
		strings.HasPrefix(s, "$2b$") ||
		strings.HasPrefix(s, "$2y$")
}
