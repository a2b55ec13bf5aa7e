package catalog

import "errors"

// Sentinel errors returned by catalog operations. Logical error conditions
// are returned to the caller as named errors from the stored function
// equivalent, never swallowed.
var (
	// ErrNoPrimary is returned by GetPrimary when a group has no node in a
	// writable goal state.
	ErrNoPrimary = errors.New("group has no writable node right now")

	// ErrUnknownFormation is returned when an operation names a formation
	// that was never registered.
	ErrUnknownFormation = errors.New("unknown formation")

	// ErrUnknownNode is returned when an operation names a node_id that
	// does not exist (or was already dropped).
	ErrUnknownNode = errors.New("unknown node")

	// ErrSystemIdentifierMismatch is fatal for the reporting node: once a
	// system_identifier is recorded, every later node_active must match it.
	ErrSystemIdentifierMismatch = errors.New("system_identifier mismatch: node is fenced")

	// ErrGroupHasNoEligibleCandidate names the case of a group with no peer
	// whose candidate_priority is > 0. No catalog operation returns it: a
	// failover or removal in that case succeeds and leaves the group without
	// a writable node, which GetPrimary reports as ErrNoPrimary.
	ErrGroupHasNoEligibleCandidate = errors.New("no eligible candidate for promotion")

	// ErrInvalidCandidatePriority is returned by RegisterNode when the
	// priority is outside [0, 100].
	ErrInvalidCandidatePriority = errors.New("candidate_priority must be in [0, 100]")
)
