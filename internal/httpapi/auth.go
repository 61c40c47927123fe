package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// AdminRole — роль, которой разрешено менять и удалять счета.
	AdminRole   = "admin"
	tokenIssuer = "invoicing"

	// DefaultAdminTokenTTL — срок жизни токена, выданного invoicectl token.
	DefaultAdminTokenTTL = 12 * time.Hour

	adminSubjectKey = "admin_subject"
)

var (
	errTokenMissing = errors.New("authorization header is missing")
	errTokenFormat  = errors.New("authorization header must be 'Bearer <token>'")
	errTokenRole    = errors.New("token does not grant admin role")
)

// AdminClaims — claims административного токена.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueAdminToken подписывает HS256 токен администратора.
func IssueAdminToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("admin secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultAdminTokenTTL
	}
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: AdminRole,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// ParseAdminToken проверяет подпись, срок действия и роль.
func ParseAdminToken(secret, tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Role != AdminRole {
		return nil, errTokenRole
	}
	return claims, nil
}

// AdminAuth требует Bearer токен администратора. Пустой secret отключает проверку.
func AdminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		tokenString, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			abortWith(c, NewUnauthorized(err.Error()))
			return
		}

		claims, err := ParseAdminToken(secret, tokenString)
		if err != nil {
			if errors.Is(err, errTokenRole) {
				abortWith(c, newAppError(http.StatusForbidden, CodeForbidden, "Admin role required", nil))
				return
			}
			abortWith(c, NewUnauthorized("Invalid or expired token"))
			return
		}

		c.Set(adminSubjectKey, claims.Subject)
		c.Next()
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errTokenMissing
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errTokenFormat
	}
	return strings.TrimSpace(parts[1]), nil
}

func abortWith(c *gin.Context, err *AppError) {
	_ = c.Error(err)
	c.Abort()
}
