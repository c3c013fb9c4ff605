package chatapi

import (
	"gigdeal/internal/app/negotiation"
	"gigdeal/internal/infra/push"
)

// Transport is the single backend surface handed to negotiation controllers:
// REST calls from Client and push updates from Channel.
type Transport struct {
	*Client
	*push.Channel
}

var (
	_ negotiation.Transport = Transport{}
	_ negotiation.Updates   = Transport{}
)
