package event

import (
	"encoding/json"
	"fmt"
)

// MarshalPayload encodes a payload to the JSON stored in the log's payload
// column.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is nil")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.EventType(), err)
	}
	return data, nil
}

// UnmarshalPayload decodes stored payload bytes into the typed struct for t.
// The switch is exhaustive over the known tags; an unknown tag is an error,
// never a silently skipped record.
func UnmarshalPayload(t Type, data []byte) (Payload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var p Payload
	switch t {
	case TypeSheetRegistered:
		p = new(SheetRegistered)
	case TypeSheetStarted:
		p = new(SheetStarted)
	case TypeSheetCut:
		p = new(SheetCut)
	case TypeCardCreated:
		p = new(CardCreated)
	case TypeCardStarted:
		p = new(CardStarted)
	case TypeCardQAPassed:
		p = new(CardQAPassed)
	case TypeCardQAFailed:
		p = new(CardQAFailed)
	case TypeCardReworkStarted:
		p = new(CardReworkStarted)
	case TypeCardVoided:
		p = new(CardVoided)
	case TypeCardAssembled:
		p = new(CardAssembled)
	case TypeCardPacked:
		p = new(CardPacked)
	case TypeAssemblyOpened:
		p = new(AssemblyOpened)
	case TypeAssemblyChildGathered:
		p = new(AssemblyChildGathered)
	case TypeAssemblyCompleted:
		p = new(AssemblyCompleted)
	case TypeAssemblyFlagged:
		p = new(AssemblyFlagged)
	case TypeAssemblyTimedOut:
		p = new(AssemblyTimedOut)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return deref(p), nil
}

// deref unwraps the pointer the decoder needed so that payloads travel by
// value everywhere else: type switches in reducers and transitions match on
// the value forms only.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *SheetRegistered:
		return *v
	case *SheetStarted:
		return *v
	case *SheetCut:
		return *v
	case *CardCreated:
		return *v
	case *CardStarted:
		return *v
	case *CardQAPassed:
		return *v
	case *CardQAFailed:
		return *v
	case *CardReworkStarted:
		return *v
	case *CardVoided:
		return *v
	case *CardAssembled:
		return *v
	case *CardPacked:
		return *v
	case *AssemblyOpened:
		return *v
	case *AssemblyChildGathered:
		return *v
	case *AssemblyCompleted:
		return *v
	case *AssemblyFlagged:
		return *v
	case *AssemblyTimedOut:
		return *v
	default:
		return p
	}
}
