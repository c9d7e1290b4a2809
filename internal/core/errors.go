package core

import (
	"strings"
	"unicode/utf8"
)

// NameMaxLen bounds display names in runes, after trimming.
const NameMaxLen = 24

// Reason codes carried by requireName events.
const (
	ReasonNameMissing = "missing"
	ReasonNameEmpty   = "empty"
	ReasonNameTooLong = "too_long"
)

// ValidateDisplayName trims raw and checks the 1..NameMaxLen rune bounds.
// It returns the cleaned name, or an empty name with a requireName reason
// code.
func ValidateDisplayName(raw string) (name, reason string) {
	name = strings.TrimSpace(raw)
	if name == "" {
		return "", ReasonNameEmpty
	}
	if utf8.RuneCountInString(name) > NameMaxLen {
		return "", ReasonNameTooLong
	}
	return name, ""
}
