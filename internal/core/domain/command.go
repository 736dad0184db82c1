package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foldline-works/foldline/internal/core/event"
)

// Envelope carries the cross-cutting context of one command submission. The
// engine fills CommandID and OccurredAt when the caller leaves them zero.
type Envelope struct {
	// CommandID makes the command idempotent: resubmitting with the same id
	// reproduces the same event ids, which the log recognizes as already
	// applied.
	CommandID uuid.UUID

	// OccurredAt is when the fact happened on the floor, which may lag the
	// submission on flaky shop-floor networks.
	OccurredAt time.Time

	ActorID   string
	StationID string
}

// Command is one of the twelve operations the engine accepts. AggregateID
// names the aggregate whose version guards the append; for fan-out and
// fan-in commands that is the triggering aggregate, not every aggregate the
// command touches.
type Command interface {
	CommandType() string
	AggregateType() event.AggregateType
	AggregateID() string
	Validate() error
}

// Command type tags as they appear on the wire.
const (
	CmdRegisterSheet   = "sheet.register"
	CmdStartSheet      = "sheet.start"
	CmdCutSheet        = "sheet.cut"
	CmdStartCard       = "card.start"
	CmdRecordQA        = "card.record_qa"
	CmdReworkCard      = "card.rework"
	CmdVoidCard        = "card.void"
	CmdReplaceCard     = "card.replace"
	CmdPackCard        = "card.pack"
	CmdGatherCard      = "assembly.gather"
	CmdFlagAssembly    = "assembly.flag"
	CmdTimeoutAssembly = "assembly.timeout"
)

// QA inspection results.
const (
	QAResultPass = "pass"
	QAResultFail = "fail"
)

// RegisterSheet brings a raw sheet into the system.
type RegisterSheet struct {
	SheetID string `json:"sheet_id"`
	JobID   string `json:"job_id,omitempty"`
}

func (c RegisterSheet) CommandType() string                { return CmdRegisterSheet }
func (c RegisterSheet) AggregateType() event.AggregateType { return event.AggregateSheet }
func (c RegisterSheet) AggregateID() string                { return c.SheetID }
func (c RegisterSheet) Validate() error                    { return requireID("sheet_id", c.SheetID) }

// StartSheet moves a registered sheet onto the cutting station.
type StartSheet struct {
	SheetID string `json:"sheet_id"`
}

func (c StartSheet) CommandType() string                { return CmdStartSheet }
func (c StartSheet) AggregateType() event.AggregateType { return event.AggregateSheet }
func (c StartSheet) AggregateID() string                { return c.SheetID }
func (c StartSheet) Validate() error                    { return requireID("sheet_id", c.SheetID) }

// CutSheet fans a sheet out into CardCount cards and opens the assembly
// that will gather them back.
type CutSheet struct {
	SheetID   string `json:"sheet_id"`
	CardCount int    `json:"card_count"`
}

func (c CutSheet) CommandType() string                { return CmdCutSheet }
func (c CutSheet) AggregateType() event.AggregateType { return event.AggregateSheet }
func (c CutSheet) AggregateID() string                { return c.SheetID }
func (c CutSheet) Validate() error {
	if err := requireID("sheet_id", c.SheetID); err != nil {
		return err
	}
	if c.CardCount < 1 {
		return fmt.Errorf("card_count must be at least 1, got %d", c.CardCount)
	}
	return nil
}

// StartCard begins work on a card.
type StartCard struct {
	CardID string `json:"card_id"`
}

func (c StartCard) CommandType() string                { return CmdStartCard }
func (c StartCard) AggregateType() event.AggregateType { return event.AggregateCard }
func (c StartCard) AggregateID() string                { return c.CardID }
func (c StartCard) Validate() error                    { return requireID("card_id", c.CardID) }

// RecordQA records the outcome of a quality inspection.
type RecordQA struct {
	CardID     string `json:"card_id"`
	Result     string `json:"result"`
	DefectCode string `json:"defect_code,omitempty"`
}

func (c RecordQA) CommandType() string                { return CmdRecordQA }
func (c RecordQA) AggregateType() event.AggregateType { return event.AggregateCard }
func (c RecordQA) AggregateID() string                { return c.CardID }
func (c RecordQA) Validate() error {
	if err := requireID("card_id", c.CardID); err != nil {
		return err
	}
	switch c.Result {
	case QAResultPass:
		return nil
	case QAResultFail:
		if strings.TrimSpace(c.DefectCode) == "" {
			return errors.New("defect_code is required when result is fail")
		}
		return nil
	default:
		return fmt.Errorf("result must be %q or %q, got %q", QAResultPass, QAResultFail, c.Result)
	}
}

// ReworkCard sends a QA-failed card back into process.
type ReworkCard struct {
	CardID string `json:"card_id"`

	// Override asserts manager approval when rework policy is disabled.
	Override bool `json:"override,omitempty"`
}

func (c ReworkCard) CommandType() string                { return CmdReworkCard }
func (c ReworkCard) AggregateType() event.AggregateType { return event.AggregateCard }
func (c ReworkCard) AggregateID() string                { return c.CardID }
func (c ReworkCard) Validate() error                    { return requireID("card_id", c.CardID) }

// VoidCard scraps a QA-failed card.
type VoidCard struct {
	CardID string `json:"card_id"`
	Reason string `json:"reason,omitempty"`
}

func (c VoidCard) CommandType() string                { return CmdVoidCard }
func (c VoidCard) AggregateType() event.AggregateType { return event.AggregateCard }
func (c VoidCard) AggregateID() string                { return c.CardID }
func (c VoidCard) Validate() error                    { return requireID("card_id", c.CardID) }

// ReplaceCard issues the next-generation replacement for a voided card. The
// replacement is a new aggregate; its stream starts at version 1 and the
// append is guarded on that stream being empty.
type ReplaceCard struct {
	CardID string `json:"card_id"`
}

func (c ReplaceCard) CommandType() string                { return CmdReplaceCard }
func (c ReplaceCard) AggregateType() event.AggregateType { return event.AggregateCard }
func (c ReplaceCard) AggregateID() string                { return c.CardID }
func (c ReplaceCard) Validate() error                    { return requireID("card_id", c.CardID) }

// GatherCard places a QA-passed card into its assembly.
type GatherCard struct {
	AssemblyID string `json:"assembly_id"`
	CardID     string `json:"card_id"`
}

func (c GatherCard) CommandType() string                { return CmdGatherCard }
func (c GatherCard) AggregateType() event.AggregateType { return event.AggregateAssembly }
func (c GatherCard) AggregateID() string                { return c.AssemblyID }
func (c GatherCard) Validate() error {
	if err := requireID("assembly_id", c.AssemblyID); err != nil {
		return err
	}
	return requireID("card_id", c.CardID)
}

// PackCard ships an assembled card.
type PackCard struct {
	CardID string `json:"card_id"`
}

func (c PackCard) CommandType() string                { return CmdPackCard }
func (c PackCard) AggregateType() event.AggregateType { return event.AggregateCard }
func (c PackCard) AggregateID() string                { return c.CardID }
func (c PackCard) Validate() error                    { return requireID("card_id", c.CardID) }

// FlagAssembly marks an assembly as in error by operator decision.
type FlagAssembly struct {
	AssemblyID string `json:"assembly_id"`
	Reason     string `json:"reason"`
}

func (c FlagAssembly) CommandType() string                { return CmdFlagAssembly }
func (c FlagAssembly) AggregateType() event.AggregateType { return event.AggregateAssembly }
func (c FlagAssembly) AggregateID() string                { return c.AssemblyID }
func (c FlagAssembly) Validate() error {
	if err := requireID("assembly_id", c.AssemblyID); err != nil {
		return err
	}
	if strings.TrimSpace(c.Reason) == "" {
		return errors.New("reason is required")
	}
	return nil
}

// TimeoutAssembly closes an assembly whose gather window elapsed. Issued by
// the watchdog, but accepted from any caller; the transition re-checks the
// window against the assembly's own timeline either way.
type TimeoutAssembly struct {
	AssemblyID string `json:"assembly_id"`
}

func (c TimeoutAssembly) CommandType() string                { return CmdTimeoutAssembly }
func (c TimeoutAssembly) AggregateType() event.AggregateType { return event.AggregateAssembly }
func (c TimeoutAssembly) AggregateID() string                { return c.AssemblyID }
func (c TimeoutAssembly) Validate() error                    { return requireID("assembly_id", c.AssemblyID) }

// DecodeCommand parses the typed body for a command tag and validates it.
// The switch is exhaustive over the known tags.
func DecodeCommand(commandType string, body []byte) (Command, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	var cmd Command
	switch commandType {
	case CmdRegisterSheet:
		cmd = &RegisterSheet{}
	case CmdStartSheet:
		cmd = &StartSheet{}
	case CmdCutSheet:
		cmd = &CutSheet{}
	case CmdStartCard:
		cmd = &StartCard{}
	case CmdRecordQA:
		cmd = &RecordQA{}
	case CmdReworkCard:
		cmd = &ReworkCard{}
	case CmdVoidCard:
		cmd = &VoidCard{}
	case CmdReplaceCard:
		cmd = &ReplaceCard{}
	case CmdPackCard:
		cmd = &PackCard{}
	case CmdGatherCard:
		cmd = &GatherCard{}
	case CmdFlagAssembly:
		cmd = &FlagAssembly{}
	case CmdTimeoutAssembly:
		cmd = &TimeoutAssembly{}
	default:
		return nil, fmt.Errorf("unknown command type %q", commandType)
	}
	if err := json.Unmarshal(body, cmd); err != nil {
		return nil, fmt.Errorf("decode %s command: %w", commandType, err)
	}
	cmd = derefCommand(cmd)
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", commandType, err)
	}
	return cmd, nil
}

func derefCommand(cmd Command) Command {
	switch c := cmd.(type) {
	case *RegisterSheet:
		return *c
	case *StartSheet:
		return *c
	case *CutSheet:
		return *c
	case *StartCard:
		return *c
	case *RecordQA:
		return *c
	case *ReworkCard:
		return *c
	case *VoidCard:
		return *c
	case *ReplaceCard:
		return *c
	case *PackCard:
		return *c
	case *GatherCard:
		return *c
	case *FlagAssembly:
		return *c
	case *TimeoutAssembly:
		return *c
	default:
		return cmd
	}
}

func requireID(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}
