package domain

// Rejection is a domain-rule violation: the command was well formed but the
// aggregate's current state does not allow it. Rejections are terminal, the
// engine never retries them. Code is a stable snake_case tag that survives
// to the HTTP surface unchanged.
type Rejection struct {
	Code    string
	message string
}

func (r *Rejection) Error() string { return r.message }

// The closed set of rejections. Transitions wrap these with context via
// fmt.Errorf("%w: ..."), so errors.Is matches the sentinel and errors.As
// recovers the code.
var (
	// ErrNotReadyForFanOut rejects cutting a sheet that is not in process.
	ErrNotReadyForFanOut = &Rejection{Code: "not_ready_for_fan_out", message: "sheet is not ready to be cut"}

	// ErrNotEligible rejects any transition the aggregate's state forbids.
	ErrNotEligible = &Rejection{Code: "not_eligible", message: "current state does not allow this command"}

	// ErrWrongParent rejects gathering a card into an assembly that does
	// not expect it.
	ErrWrongParent = &Rejection{Code: "wrong_parent", message: "card does not belong to this assembly"}

	// ErrDuplicateGather rejects filling an assembly position twice.
	ErrDuplicateGather = &Rejection{Code: "duplicate_gather", message: "assembly position is already filled"}

	// ErrRequiresManagerOverride rejects rework when policy disallows it
	// and no override was supplied.
	ErrRequiresManagerOverride = &Rejection{Code: "requires_manager_override", message: "rework requires a manager override"}

	// ErrUnknownStation rejects commands naming a station the registry
	// does not know, or one of the wrong kind for the operation.
	ErrUnknownStation = &Rejection{Code: "unknown_station", message: "station is not registered for this operation"}
)
