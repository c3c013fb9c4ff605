package ginserver

import (
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"gigdeal/internal/app/dto"
	"gigdeal/internal/domain/negotiation"
)

const principalContextKey = "gigdeal.principal"

type principal struct {
	PartyID string
}

// TokenVerifier resolves a bearer token to the party it was issued to.
type TokenVerifier interface {
	Verify(raw string) (string, error)
}

type AuthMiddleware struct {
	Tokens TokenVerifier
	Logger *slog.Logger
}

// Handle resolves the caller from the Authorization header, or from the token
// query parameter that browsers must use for websocket upgrades. Requests
// without a valid token continue anonymously.
func (m AuthMiddleware) Handle(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" || m.Tokens == nil {
		c.Next()
		return
	}
	partyID, err := m.Tokens.Verify(token)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Debug("token validation failed", "error", err)
		}
		c.Next()
		return
	}
	c.Set(principalContextKey, principal{PartyID: partyID})
	c.Next()
}

func currentPrincipal(c *gin.Context) (principal, bool) {
	val, exists := c.Get(principalContextKey)
	if !exists {
		return principal{}, false
	}
	p, ok := val.(principal)
	return p, ok
}

func requireParty(c *gin.Context) (principal, bool) {
	p, ok := currentPrincipal(c)
	if !ok || p.PartyID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorBody{Error: "auth required", Code: negotiation.CodeUnauthorized})
		return principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
