// Package address matches hierarchical addresses against wildcard patterns.
package address

import (
	"errors"
	"strings"
)

// ErrInvalidWildcardConfig is returned when the wildcard characters are not distinct
var ErrInvalidWildcardConfig = errors.New("delimiter, single-word and any-words characters must be distinct")

// WildcardConfig holds the characters used in address patterns
type WildcardConfig struct {
	// Delimiter separates address segments
	Delimiter byte
	// SingleWord matches exactly one segment
	SingleWord byte
	// AnyWords matches zero or more segments
	AnyWords byte
}

// DefaultWildcardConfig returns the "." / "*" / "#" configuration
func DefaultWildcardConfig() WildcardConfig {
	return WildcardConfig{
		Delimiter:  '.',
		SingleWord: '*',
		AnyWords:   '#',
	}
}

// SetDefaults fills unset characters from DefaultWildcardConfig
func (c *WildcardConfig) SetDefaults() {
	defaults := DefaultWildcardConfig()
	if c.Delimiter == 0 {
		c.Delimiter = defaults.Delimiter
	}
	if c.SingleWord == 0 {
		c.SingleWord = defaults.SingleWord
	}
	if c.AnyWords == 0 {
		c.AnyWords = defaults.AnyWords
	}
}

// Validate checks that the characters are distinct
func (c *WildcardConfig) Validate() error {
	if c.Delimiter == c.SingleWord || c.Delimiter == c.AnyWords || c.SingleWord == c.AnyWords {
		return ErrInvalidWildcardConfig
	}
	return nil
}

// Matcher matches addresses against patterns. It is stateless and safe for concurrent use.
type Matcher struct {
	delimiter  string
	singleWord string
	anyWords   string
}

// NewMatcher creates a Matcher for the given configuration.
func NewMatcher(config WildcardConfig) (*Matcher, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Matcher{
		delimiter:  string(config.Delimiter),
		singleWord: string(config.SingleWord),
		anyWords:   string(config.AnyWords),
	}, nil
}

// IsPattern reports whether the address contains a wildcard segment
func (m *Matcher) IsPattern(address string) bool {
	for _, segment := range strings.Split(address, m.delimiter) {
		if segment == m.singleWord || segment == m.anyWords {
			return true
		}
	}
	return false
}

// Match reports whether address matches pattern segment by segment.
// The empty pattern matches nothing.
func (m *Matcher) Match(pattern, address string) bool {
	if pattern == "" {
		return false
	}
	if pattern == address {
		return true
	}
	return m.matchSegments(strings.Split(pattern, m.delimiter), strings.Split(address, m.delimiter))
}

func (m *Matcher) matchSegments(pattern, address []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case m.anyWords:
			// collapse consecutive any-words segments
			for len(pattern) > 1 && pattern[1] == m.anyWords {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(address); i++ {
				if m.matchSegments(pattern[1:], address[i:]) {
					return true
				}
			}
			return false
		case m.singleWord:
			if len(address) == 0 {
				return false
			}
		default:
			if len(address) == 0 || pattern[0] != address[0] {
				return false
			}
		}
		pattern, address = pattern[1:], address[1:]
	}
	return len(address) == 0
}
