package negotiation

type State string

const (
	StateUninitialized       State = "UNINITIALIZED"
	StateLoading             State = "LOADING"
	StateActive              State = "ACTIVE"
	StateAwaitingOwnApproval State = "AWAITING_OWN_APPROVAL"
	StateFinalized           State = "FINALIZED"
	StateErrored             State = "ERRORED"
)

// Terminal reports whether no further negotiation is possible.
func (s State) Terminal() bool {
	return s == StateFinalized
}
