// Package identity derives the lineage-encoding identifiers used across
// foldline. Identifiers are pure functions of their inputs: a card id names
// the sheet it was cut from and its position on that sheet, a replacement id
// names the card it replaces, and an assembly id names the sheet it gathers.
// Two processes deriving an id from the same facts always agree, which is
// what makes idempotent retries and deterministic event ids possible.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxFanOut is the largest number of cards a single sheet can be cut into.
// The position segment of a card id is two digits, so this is an identifier
// format limit, not a tunable.
const MaxFanOut = 99

// ErrInvalidPosition is returned when a position or card count falls outside
// the valid fan-out range.
var ErrInvalidPosition = errors.New("position outside valid fan-out range")

// Card derives the id of the card cut from sheetID at the given 1-based
// position. Distinct positions on the same sheet never collide, and the same
// inputs always yield the same id.
func Card(sheetID string, position, count int) (string, error) {
	if strings.TrimSpace(sheetID) == "" {
		return "", errors.New("sheet id must not be empty")
	}
	if count < 1 || count > MaxFanOut {
		return "", fmt.Errorf("%w: count %d not in [1, %d]", ErrInvalidPosition, count, MaxFanOut)
	}
	if position < 1 || position > count {
		return "", fmt.Errorf("%w: position %d not in [1, %d]", ErrInvalidPosition, position, count)
	}
	return fmt.Sprintf("%s-%02d", sheetID, position), nil
}

// Replacement derives the id of the generation-th replacement for cardID.
// The replacement keeps the original's sheet and position and appends a
// generation marker, so the full substitution chain stays readable from the
// id alone: J1044-S003-07 -> J1044-S003-07R1 -> J1044-S003-07R2.
func Replacement(cardID string, generation int) (string, error) {
	sheetID, position, _, err := SplitCard(cardID)
	if err != nil {
		return "", err
	}
	if generation < 1 {
		return "", fmt.Errorf("replacement generation must be at least 1, got %d", generation)
	}
	return fmt.Sprintf("%s-%02dR%d", sheetID, position, generation), nil
}

// Assembly derives the id of the assembly that gathers sheetID's cards.
// One sheet opens exactly one assembly.
func Assembly(sheetID string) string {
	return "A-" + sheetID
}

// SplitCard decomposes a card id into its sheet id, 1-based position and
// replacement generation (0 for an original card). It inverts Card and
// Replacement for any id they produced.
func SplitCard(cardID string) (sheetID string, position int, generation int, err error) {
	idx := strings.LastIndex(cardID, "-")
	if idx <= 0 || idx == len(cardID)-1 {
		return "", 0, 0, fmt.Errorf("malformed card id %q", cardID)
	}
	sheetID = cardID[:idx]
	segment := cardID[idx+1:]

	posPart := segment
	if rIdx := strings.IndexByte(segment, 'R'); rIdx >= 0 {
		posPart = segment[:rIdx]
		genPart := segment[rIdx+1:]
		generation, err = strconv.Atoi(genPart)
		if err != nil || generation < 1 {
			return "", 0, 0, fmt.Errorf("malformed card id %q: bad generation %q", cardID, genPart)
		}
	}
	if len(posPart) != 2 {
		return "", 0, 0, fmt.Errorf("malformed card id %q: position segment %q", cardID, posPart)
	}
	position, err = strconv.Atoi(posPart)
	if err != nil || position < 1 {
		return "", 0, 0, fmt.Errorf("%w: card id %q", ErrInvalidPosition, cardID)
	}
	return sheetID, position, generation, nil
}
