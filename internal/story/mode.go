package story

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RefinementMode selects who reviews a freshly generated batch.
type RefinementMode int

const (
	ModeAI RefinementMode = iota
	ModeHuman
)

// ParseMode accepts the backend spellings ("AI", "HUMAN") case-insensitively.
func ParseMode(value string) (RefinementMode, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "AI", "":
		return ModeAI, nil
	case "HUMAN":
		return ModeHuman, nil
	default:
		return ModeAI, fmt.Errorf("%w: %q", ErrUnknownMode, value)
	}
}

// String returns the wire spelling.
func (m RefinementMode) String() string {
	if m == ModeHuman {
		return "HUMAN"
	}
	return "AI"
}

// FriendlyName is used in the TUI.
func (m RefinementMode) FriendlyName() string {
	if m == ModeHuman {
		return "Human review"
	}
	return "AI refinement"
}

// Toggle flips between the two modes.
func (m RefinementMode) Toggle() RefinementMode {
	if m == ModeHuman {
		return ModeAI
	}
	return ModeHuman
}

func (m RefinementMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *RefinementMode) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseMode(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
