package event

import "time"

// Payload is the typed body of one event. The set of implementations is
// closed; the codec's switch over Type is the single place that maps tags
// to payload shapes.
type Payload interface {
	EventType() Type
}

// SheetRegistered records a raw sheet entering the system.
type SheetRegistered struct {
	JobID string `json:"job_id,omitempty"`
}

func (SheetRegistered) EventType() Type { return TypeSheetRegistered }

// SheetStarted records a sheet moving onto the cutting station.
type SheetStarted struct{}

func (SheetStarted) EventType() Type { return TypeSheetStarted }

// SheetCut records the fan-out: the sheet was cut into CardCount cards and
// AssemblyID was opened to gather them back.
type SheetCut struct {
	CardCount  int    `json:"card_count"`
	AssemblyID string `json:"assembly_id"`
}

func (SheetCut) EventType() Type { return TypeSheetCut }

// CardCreated records one card coming into existence, either cut from a
// sheet (Generation 0) or issued as a replacement for a voided card.
type CardCreated struct {
	SheetID        string `json:"sheet_id"`
	Position       int    `json:"position"`
	Generation     int    `json:"generation"`
	ReplacesCardID string `json:"replaces_card_id,omitempty"`
}

func (CardCreated) EventType() Type { return TypeCardCreated }

// CardStarted records work beginning on a card.
type CardStarted struct{}

func (CardStarted) EventType() Type { return TypeCardStarted }

// CardQAPassed records a passing quality inspection.
type CardQAPassed struct{}

func (CardQAPassed) EventType() Type { return TypeCardQAPassed }

// CardQAFailed records a failing quality inspection.
type CardQAFailed struct {
	DefectCode string `json:"defect_code"`
}

func (CardQAFailed) EventType() Type { return TypeCardQAFailed }

// CardReworkStarted records a failed card going back into process.
type CardReworkStarted struct {
	// Override is set when rework policy is disabled and a manager
	// authorized this pass anyway.
	Override bool `json:"override,omitempty"`
}

func (CardReworkStarted) EventType() Type { return TypeCardReworkStarted }

// CardVoided records a card scrapped after failing QA.
type CardVoided struct {
	Reason string `json:"reason,omitempty"`
}

func (CardVoided) EventType() Type { return TypeCardVoided }

// CardAssembled records a card gathered into its assembly.
type CardAssembled struct {
	AssemblyID string `json:"assembly_id"`
	Position   int    `json:"position"`
}

func (CardAssembled) EventType() Type { return TypeCardAssembled }

// CardPacked records an assembled card leaving the floor.
type CardPacked struct{}

func (CardPacked) EventType() Type { return TypeCardPacked }

// AssemblyOpened records the fan-in starting: the assembly now expects one
// card per position of the sheet it mirrors.
type AssemblyOpened struct {
	SheetID       string `json:"sheet_id"`
	ExpectedCount int    `json:"expected_count"`
}

func (AssemblyOpened) EventType() Type { return TypeAssemblyOpened }

// AssemblyChildGathered records one card arriving at its assembly position.
type AssemblyChildGathered struct {
	CardID   string `json:"card_id"`
	Position int    `json:"position"`
}

func (AssemblyChildGathered) EventType() Type { return TypeAssemblyChildGathered }

// AssemblyCompleted records the fan-in closing with every position filled.
type AssemblyCompleted struct {
	GatheredCount int `json:"gathered_count"`
}

func (AssemblyCompleted) EventType() Type { return TypeAssemblyCompleted }

// AssemblyFlagged records an operator marking the assembly as in error.
type AssemblyFlagged struct {
	Reason           string `json:"reason"`
	MissingPositions []int  `json:"missing_positions,omitempty"`
}

func (AssemblyFlagged) EventType() Type { return TypeAssemblyFlagged }

// AssemblyTimedOut records the watchdog closing an assembly whose gather
// window elapsed. Elapsed is measured from the first gather.
type AssemblyTimedOut struct {
	Elapsed          time.Duration `json:"elapsed"`
	MissingPositions []int         `json:"missing_positions"`
}

func (AssemblyTimedOut) EventType() Type { return TypeAssemblyTimedOut }
