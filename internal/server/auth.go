package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// claimsContextKey is the echo context key holding the authenticated claims.
const claimsContextKey = "knowd.claims"

// ErrInvalidToken indicates a missing, malformed, or unverifiable token.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the bearer token payload. Teams lists the team IDs the subject
// belongs to; Admin grants decision rights on those teams.
type Claims struct {
	jwt.RegisteredClaims
	Teams []string `json:"teams,omitempty"`
	Admin bool     `json:"admin,omitempty"`
}

// MemberOf reports whether the subject belongs to teamID.
func (c *Claims) MemberOf(teamID string) bool {
	for _, t := range c.Teams {
		if t == teamID {
			return true
		}
	}
	return false
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator with the shared signing secret.
func NewAuthenticator(secret []byte) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return &Authenticator{secret: secret}, nil
}

// ParseToken verifies and decodes a bearer token.
func (a *Authenticator) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Middleware authenticates every request from the Authorization header and
// stores the claims on the echo context.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			tokenString, found := strings.CutPrefix(header, "Bearer ")
			if !found {
				return echo.NewHTTPError(http.StatusUnauthorized, "authorization header must use Bearer scheme")
			}

			claims, err := a.ParseToken(tokenString)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(claimsContextKey, claims)
			return next(c)
		}
	}
}

// GetClaims returns the authenticated claims from the echo context.
func GetClaims(c echo.Context) (*Claims, bool) {
	claims, ok := c.Get(claimsContextKey).(*Claims)
	return claims, ok
}

// requireMembership gates /teams/:id routes on team membership. Non-members
// always get 403, never 404, so the route leaks nothing about which teams
// exist.
func requireMembership(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, ok := GetClaims(c)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		teamID := c.Param("id")
		if teamID == "" || !claims.MemberOf(teamID) {
			return echo.NewHTTPError(http.StatusForbidden, "not a member of this team")
		}
		return next(c)
	}
}

// requireAdmin additionally gates a route on the admin claim.
func requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, ok := GetClaims(c)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		if !claims.Admin {
			return echo.NewHTTPError(http.StatusForbidden, "admin role required")
		}
		return next(c)
	}
}
