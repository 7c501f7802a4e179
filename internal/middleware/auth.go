package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ccui-dev/ccui/internal/logger"
)

// SecretEnv holds the shared secret. Without it the server is open.
const SecretEnv = "CCUI_AUTH_SECRET"

// internalPrefix is where agent hooks post their signals. Hooks carry no
// token, so these routes are limited to loopback callers instead.
const internalPrefix = "/api/internal/"

type Claims struct {
	Source    string `json:"source"` // "cli" or "browser"
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

type AuthMiddleware struct {
	secret []byte
	now    func() time.Time
}

// NewAuthMiddleware returns nil when no secret is configured.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	if secret == "" {
		return nil
	}
	return &AuthMiddleware{secret: []byte(secret), now: time.Now}
}

// FromEnv builds the middleware from SecretEnv.
func FromEnv() *AuthMiddleware {
	return NewAuthMiddleware(os.Getenv(SecretEnv))
}

// RequireAuth checks the bearer token of every request except health checks
// and loopback hook callbacks.
func (am *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	if am == nil {
		return c.Next()
	}

	path := c.Path()
	if path == "/health" {
		return c.Next()
	}
	if strings.HasPrefix(path, internalPrefix) {
		if isLoopback(c.IP()) {
			return c.Next()
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "internal endpoints are only reachable from localhost",
		})
	}

	token := extractToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	claims, err := am.ValidateToken(token)
	if err != nil {
		logger.Debugf("Auth failed: %v", err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid or expired token",
		})
	}

	c.Locals("claims", claims)
	return c.Next()
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

// extractToken looks at the Authorization header, then the cookie, then the
// query string (browsers cannot set headers on websocket upgrades).
func extractToken(c *fiber.Ctx) string {
	if authHeader := c.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}
	if cookie := c.Cookies("ccui_token"); cookie != "" {
		return cookie
	}
	return c.Query("token")
}

// ValidateToken checks the signature and expiry of an HS256 token.
func (am *AuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid token format")
	}

	signatureInput := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(sign(am.secret, signatureInput)), []byte(parts[2])) {
		return nil, fmt.Errorf("invalid signature")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if am.now().Unix() > claims.ExpiresAt {
		return nil, fmt.Errorf("token expired")
	}
	return &claims, nil
}

// GenerateToken signs a token for source that is valid for duration.
func GenerateToken(secret, source string, duration time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%s not set", SecretEnv)
	}

	now := time.Now()
	claims := Claims{
		Source:    source,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(duration).Unix(),
	}
	header := map[string]string{"alg": "HS256", "typ": "JWT"}

	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)

	signatureInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(claimsJSON)
	return signatureInput + "." + sign([]byte(secret), signatureInput), nil
}

func sign(secret []byte, input string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(input))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
