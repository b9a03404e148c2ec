// Package sigscan finds code and data in a loaded module image by fuzzy byte patterns.
//
// The host ships no symbols, so every internal dmtrap needs is located by a signature:
// a sequence of bytes where some positions are wildcards (relocated addresses, register
// choices that vary between builds). A signature is only usable when it matches exactly
// once; duplicate matches are treated like no match at all.
package sigscan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Manu343726/dmtrap/pkg/utils"
)

var (
	ErrBadPattern = errors.New("invalid signature pattern")
	ErrNotFound   = errors.New("signature not found")
	ErrAmbiguous  = errors.New("signature matches more than once")
)

// Wildcard marks a pattern position that matches any byte
const Wildcard = -1

// Pattern is a parsed signature, one entry per byte (Wildcard or 0-255)
type Pattern []int

// ParsePattern parses space separated hex bytes, "?" or "??" being wildcards
func ParsePattern(text string) (Pattern, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, utils.MakeError(ErrBadPattern, "empty pattern")
	}

	pattern := make(Pattern, len(fields))
	for i, field := range fields {
		if field == "?" || field == "??" {
			pattern[i] = Wildcard
			continue
		}

		value, err := strconv.ParseUint(field, 16, 8)
		if err != nil {
			return nil, utils.MakeError(ErrBadPattern, "byte %d '%s'", i, field)
		}
		pattern[i] = int(value)
	}

	if pattern[0] == Wildcard {
		return nil, utils.MakeError(ErrBadPattern, "pattern cannot start with a wildcard")
	}
	return pattern, nil
}

// MustParsePattern is ParsePattern for patterns known at compile time
func MustParsePattern(text string) Pattern {
	pattern, err := ParsePattern(text)
	if err != nil {
		panic(err)
	}
	return pattern
}

func (p Pattern) String() string {
	parts := make([]string, len(p))
	for i, b := range p {
		if b == Wildcard {
			parts[i] = "??"
		} else {
			parts[i] = fmt.Sprintf("%02X", b)
		}
	}
	return strings.Join(parts, " ")
}

func (p Pattern) matchesAt(image []byte, offset int) bool {
	for i, b := range p {
		if b != Wildcard && int(image[offset+i]) != b {
			return false
		}
	}
	return true
}

// FindAll returns every offset of the image where the pattern matches
func FindAll(image []byte, pattern Pattern) []int {
	var matches []int
	for offset := 0; offset+len(pattern) <= len(image); offset++ {
		if pattern.matchesAt(image, offset) {
			matches = append(matches, offset)
		}
	}
	return matches
}

// Find returns the offset of the single match of a pattern
func Find(image []byte, pattern Pattern) (int, error) {
	matches := FindAll(image, pattern)
	switch len(matches) {
	case 0:
		return 0, utils.MakeError(ErrNotFound, "%v", pattern)
	case 1:
		return matches[0], nil
	default:
		return 0, utils.MakeError(ErrAmbiguous, "%v matched at %d places", pattern, len(matches))
	}
}
