package domain

import (
	"time"

	"github.com/foldline-works/foldline/internal/core/identity"
)

// Policy carries the configurable floor rules the pure transitions consult.
// It travels by value into Decide so transitions stay functions of their
// arguments.
type Policy struct {
	// AllowRework lets a QA-failed card go back into process without a
	// manager override.
	AllowRework bool

	// MaxFanOut caps sheet.cut card counts. Zero or anything beyond the
	// identifier format limit falls back to identity.MaxFanOut.
	MaxFanOut int

	// GatherTimeout is how long an assembly may sit IN_PROGRESS after its
	// first gather before the watchdog may close it. Zero disables the
	// timeout transition entirely.
	GatherTimeout time.Duration
}

// EffectiveMaxFanOut clamps MaxFanOut to the identifier format limit.
func (p Policy) EffectiveMaxFanOut() int {
	if p.MaxFanOut < 1 || p.MaxFanOut > identity.MaxFanOut {
		return identity.MaxFanOut
	}
	return p.MaxFanOut
}
