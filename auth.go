package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const userIDKey = "user_id"

// jwtAuth accepts HS256 tokens whose subject is the numeric user id, sent
// as a bearer token or as the token query parameter.
func jwtAuth(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := tokenFromRequest(c)
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, errorMessage("Missing token"))
			}

			claims := &jwt.RegisteredClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorMessage("Invalid or expired token"))
			}

			id, err := strconv.ParseInt(claims.Subject, 10, 64)
			if err != nil || id <= 0 {
				return c.JSON(http.StatusUnauthorized, errorMessage("Invalid user id in token"))
			}
			c.Set(userIDKey, id)
			return next(c)
		}
	}
}

func tokenFromRequest(c echo.Context) string {
	if q := c.QueryParam("token"); q != "" {
		return q
	}
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}

func userID(c echo.Context) int64 {
	id, _ := c.Get(userIDKey).(int64)
	return id
}

// issueToken signs a token for userID valid for ttl.
func issueToken(secret []byte, userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
