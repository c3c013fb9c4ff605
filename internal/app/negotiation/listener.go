package negotiation

import (
	domainnegotiation "gigdeal/internal/domain/negotiation"
)

// Listener receives controller side effects. Calls for one controller are
// serialized; a listener must not call mutating controller methods inline.
type Listener interface {
	ProposalsChanged(messages []domainnegotiation.Proposal)
	ApprovalsChanged(hostApproved, artistApproved bool)
	Finalized(price float64)
	Failed(kind domainnegotiation.ErrorKind, err error)
	StateChanged(state State)
}

// ListenerFuncs adapts optional callbacks to Listener.
type ListenerFuncs struct {
	OnProposalsChanged func(messages []domainnegotiation.Proposal)
	OnApprovalsChanged func(hostApproved, artistApproved bool)
	OnFinalized        func(price float64)
	OnFailed           func(kind domainnegotiation.ErrorKind, err error)
	OnStateChanged     func(state State)
}

func (f ListenerFuncs) ProposalsChanged(messages []domainnegotiation.Proposal) {
	if f.OnProposalsChanged != nil {
		f.OnProposalsChanged(messages)
	}
}

func (f ListenerFuncs) ApprovalsChanged(hostApproved, artistApproved bool) {
	if f.OnApprovalsChanged != nil {
		f.OnApprovalsChanged(hostApproved, artistApproved)
	}
}

func (f ListenerFuncs) Finalized(price float64) {
	if f.OnFinalized != nil {
		f.OnFinalized(price)
	}
}

func (f ListenerFuncs) Failed(kind domainnegotiation.ErrorKind, err error) {
	if f.OnFailed != nil {
		f.OnFailed(kind, err)
	}
}

func (f ListenerFuncs) StateChanged(state State) {
	if f.OnStateChanged != nil {
		f.OnStateChanged(state)
	}
}

var _ Listener = ListenerFuncs{}
