// Package intent extracts sizing intents from the free-text reason of an event.
//
// The default mode is raw, case-sensitive substring search: "smaller" counts as
// small, and a reason naming several sizes yields all of them in the fixed
// order small, medium, big regardless of where they appear in the text.
// Existing event producers rely on this, so it stays the default. ModeToken
// only matches whole words.
package intent

import (
	"fmt"
	"strings"
	"unicode"

	"sabresizer/pkg/sizing"
)

// Mode selects how keywords are matched against a reason.
type Mode string

const (
	ModeSubstring Mode = "substring"
	ModeToken     Mode = "token"
)

// ParseMode validates a mode name. Empty means substring.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSubstring:
		return ModeSubstring, nil
	case ModeToken:
		return ModeToken, nil
	default:
		return "", fmt.Errorf("invalid intent mode %q (must be %q or %q)", s, ModeSubstring, ModeToken)
	}
}

// Parser finds size classes in reason text.
type Parser struct {
	mode Mode
}

// NewParser returns a parser for mode; an unknown mode behaves like substring.
func NewParser(mode Mode) *Parser {
	if mode != ModeToken {
		mode = ModeSubstring
	}
	return &Parser{mode: mode}
}

// Mode returns the matching mode in use.
func (p *Parser) Mode() Mode {
	return p.mode
}

// Parse returns every size class found in reason, in checking order. An
// empty result means the event carries no sizing intent.
func (p *Parser) Parse(reason string) []sizing.SizeClass {
	var tokens map[string]struct{}
	if p.mode == ModeToken {
		tokens = tokenize(reason)
	}

	var found []sizing.SizeClass
	for _, class := range sizing.Classes() {
		keyword := string(class)
		var ok bool
		if tokens != nil {
			_, ok = tokens[keyword]
		} else {
			ok = strings.Contains(reason, keyword)
		}
		if ok {
			found = append(found, class)
		}
	}
	return found
}

// Parse uses substring matching.
func Parse(reason string) []sizing.SizeClass {
	return NewParser(ModeSubstring).Parse(reason)
}

func tokenize(s string) map[string]struct{} {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}
