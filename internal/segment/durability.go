package segment

import (
	"fmt"
	"strings"
)

// Durability controls when appends reach stable storage.
type Durability uint8

const (
	// DurabilityStrict syncs after every append.
	DurabilityStrict Durability = iota
	// DurabilityRelaxed syncs periodically in the background.
	DurabilityRelaxed
)

func (d Durability) String() string {
	switch d {
	case DurabilityStrict:
		return "strict"
	case DurabilityRelaxed:
		return "relaxed"
	default:
		return fmt.Sprintf("durability(%d)", d)
	}
}

// ParseDurability parses "strict" or "relaxed".
func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return DurabilityStrict, nil
	case "relaxed":
		return DurabilityRelaxed, nil
	default:
		return 0, fmt.Errorf("unknown durability mode %q", s)
	}
}
