package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"gigdeal/internal/app/commands"
	"gigdeal/internal/app/dto"
	chatapp "gigdeal/internal/app/handlers/chat"
	"gigdeal/internal/domain/negotiation"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	codeInvalidRequest   = "invalid_request"
)

// ChatReader answers snapshot reads without going through the command bus.
type ChatReader interface {
	Handle(ctx context.Context, q chatapp.GetChatQuery) (*chatapp.ChatResult, error)
}

type ChatHandler struct {
	Commands commands.Bus
	Reader   ChatReader
	Logger   *slog.Logger
}

func (h ChatHandler) GetChat(c *gin.Context) {
	p, ok := requireParty(c)
	if !ok {
		return
	}
	id, ok := conversationParam(c)
	if !ok {
		return
	}
	if h.Reader == nil {
		c.JSON(http.StatusServiceUnavailable, dto.ErrorBody{Error: "chat unavailable"})
		return
	}
	res, err := h.Reader.Handle(c.Request.Context(), chatapp.GetChatQuery{ConversationID: id, ActorID: p.PartyID})
	if err != nil {
		h.respondError(c, err, "conversation_id", id)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h ChatHandler) SendMessage(c *gin.Context) {
	p, ok := requireParty(c)
	if !ok {
		return
	}
	id, ok := conversationParam(c)
	if !ok {
		return
	}
	var req dto.ProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorBody{Error: "invalid payload", Code: codeInvalidRequest})
		return
	}
	cmd := chatapp.SendProposalCommand{
		ConversationID:  id,
		ActorID:         p.PartyID,
		Price:           req.ProposedPrice,
		IdempotencyKeyV: c.GetHeader(headerIdempotencyKey),
	}
	res, err := commands.Dispatch[chatapp.SendProposalCommand, *chatapp.ChatResult](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		h.respondError(c, err, "conversation_id", id)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h ChatHandler) ApprovePrice(c *gin.Context) {
	p, ok := requireParty(c)
	if !ok {
		return
	}
	id, ok := conversationParam(c)
	if !ok {
		return
	}
	cmd := chatapp.ApprovePriceCommand{
		ConversationID:  id,
		ActorID:         p.PartyID,
		IdempotencyKeyV: c.GetHeader(headerIdempotencyKey),
	}
	res, err := commands.Dispatch[chatapp.ApprovePriceCommand, *chatapp.ChatResult](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		h.respondError(c, err, "conversation_id", id)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h ChatHandler) MarkRead(c *gin.Context) {
	p, ok := requireParty(c)
	if !ok {
		return
	}
	id, ok := conversationParam(c)
	if !ok {
		return
	}
	cmd := chatapp.MarkReadCommand{ConversationID: id, ActorID: p.PartyID}
	res, err := commands.Dispatch[chatapp.MarkReadCommand, *chatapp.ReadResult](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		h.respondError(c, err, "conversation_id", id)
		return
	}
	c.JSON(http.StatusOK, dto.ReadReceipt{ReadAt: res.ReadAt})
}

func (h ChatHandler) CreateChat(c *gin.Context) {
	p, ok := requireParty(c)
	if !ok {
		return
	}
	var req dto.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorBody{Error: "invalid payload", Code: codeInvalidRequest})
		return
	}
	var role negotiation.Role
	if strings.TrimSpace(string(req.ProposerRole)) != "" {
		parsed, err := negotiation.ParseRole(string(req.ProposerRole))
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorBody{Error: err.Error(), Code: "invalid_role"})
			return
		}
		role = parsed
	}
	cmd := chatapp.StartChatCommand{
		ActorID:         p.PartyID,
		EventID:         strings.TrimSpace(req.EventID),
		Host:            req.Host.ToDomain(),
		Artist:          req.Artist.ToDomain(),
		Price:           req.ProposedPrice,
		ProposerRole:    role,
		IdempotencyKeyV: c.GetHeader(headerIdempotencyKey),
	}
	res, err := commands.Dispatch[chatapp.StartChatCommand, *chatapp.ChatResult](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		h.respondError(c, err, "event_id", cmd.EventID)
		return
	}
	c.JSON(http.StatusOK, res)
}

func conversationParam(c *gin.Context) (negotiation.ConversationID, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorBody{Error: "conversation id is required", Code: codeInvalidRequest})
		return "", false
	}
	return negotiation.ConversationID(id), true
}

func (h ChatHandler) respondError(c *gin.Context, err error, attrs ...any) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, negotiation.ErrNetwork) {
		if h.Logger != nil {
			h.Logger.ErrorContext(c.Request.Context(), "chat request failed", append(attrs, "error", err)...)
		}
		c.JSON(status, dto.ErrorBody{Error: "internal error"})
		return
	}
	c.JSON(status, dto.ErrorBody{Error: err.Error(), Code: code})
}

// statusFor maps a classified error onto the REST contract. Unclassified
// errors are server faults.
func statusFor(err error) (int, string) {
	code := negotiation.CodeOf(err)
	switch negotiation.KindOf(err) {
	case negotiation.KindInvalid:
		return http.StatusBadRequest, code
	case negotiation.KindUnauthorized:
		if code == negotiation.CodeNotParticipant {
			return http.StatusForbidden, code
		}
		return http.StatusUnauthorized, code
	case negotiation.KindNotFound:
		return http.StatusNotFound, code
	case negotiation.KindConflict:
		return http.StatusConflict, code
	case negotiation.KindNetwork:
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, ""
	}
}

var _ ChatHTTP = ChatHandler{}
