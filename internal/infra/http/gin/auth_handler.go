package ginserver

import (
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"gigdeal/internal/app/dto"
)

// TokenIssuer mints bearer tokens for a party.
type TokenIssuer interface {
	Issue(partyID string) (string, error)
}

// AuthHandler hands out tokens without credentials. Only mounted in dev envs.
type AuthHandler struct {
	Issuer TokenIssuer
	Logger *slog.Logger
}

func (h AuthHandler) IssueToken(c *gin.Context) {
	if h.Issuer == nil {
		c.JSON(http.StatusServiceUnavailable, dto.ErrorBody{Error: "auth unavailable"})
		return
	}
	var req dto.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorBody{Error: "invalid request", Code: codeInvalidRequest})
		return
	}
	partyID := strings.TrimSpace(req.PartyID)
	if partyID == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorBody{Error: "partyId is required", Code: codeInvalidRequest})
		return
	}
	token, err := h.Issuer.Issue(partyID)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("issue token failed", "party_id", partyID, "error", err)
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorBody{Error: "cannot issue token"})
		return
	}
	c.JSON(http.StatusOK, dto.TokenResponse{Token: token})
}

var _ AuthHTTP = AuthHandler{}
