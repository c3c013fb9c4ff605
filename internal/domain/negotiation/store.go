package negotiation

// Outcome describes what a single Store.Apply changed.
type Outcome struct {
	Applied          bool
	MessagesChanged  bool
	ApprovalsChanged bool
	// Finalized is true on the one Apply that first observed finalization.
	Finalized bool
}

// Store keeps the authoritative local copy of one conversation. Snapshots
// replace the held copy wholesale; stale ones are discarded.
type Store struct {
	current   *Conversation
	finalized bool
}

// Current returns a copy of the held snapshot.
func (s *Store) Current() (Conversation, bool) {
	if s.current == nil {
		return Conversation{}, false
	}
	return s.current.Clone(), true
}

// Apply reconciles an incoming snapshot against the held one.
func (s *Store) Apply(incoming Conversation) Outcome {
	if s.current != nil && !IsNewer(incoming, *s.current) {
		return Outcome{}
	}
	var out Outcome
	out.Applied = true
	if s.current == nil {
		out.MessagesChanged = true
		out.ApprovalsChanged = incoming.HostApproved || incoming.ArtistApproved
	} else {
		out.MessagesChanged = len(incoming.Messages) != len(s.current.Messages)
		out.ApprovalsChanged = incoming.HostApproved != s.current.HostApproved ||
			incoming.ArtistApproved != s.current.ArtistApproved
	}
	next := incoming.Clone()
	s.current = &next
	if next.IsFinalized && !s.finalized {
		s.finalized = true
		out.Finalized = true
	}
	return out
}

// IsNewer orders snapshots of the same conversation by message count, then
// finalization, then approvals. Approvals only accumulate between proposals,
// so at equal length a strict superset of approvals is newer.
func IsNewer(incoming, local Conversation) bool {
	if incoming.ID != local.ID {
		return false
	}
	if local.IsFinalized {
		return false
	}
	switch {
	case len(incoming.Messages) > len(local.Messages):
		return true
	case len(incoming.Messages) < len(local.Messages):
		return false
	}
	if incoming.IsFinalized {
		return true
	}
	if (local.HostApproved && !incoming.HostApproved) || (local.ArtistApproved && !incoming.ArtistApproved) {
		return false
	}
	return incoming.HostApproved != local.HostApproved || incoming.ArtistApproved != local.ArtistApproved
}
