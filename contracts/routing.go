package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// MaxRoutingKeyLength is the AMQP shortstr limit
const MaxRoutingKeyLength = 255

var (
	// ErrInvalidRoutingKey is returned for keys that break the topic grammar
	ErrInvalidRoutingKey = errors.New("invalid routing key")
	// ErrInvalidPattern is returned for binding patterns that break the topic grammar
	ErrInvalidPattern = errors.New("invalid binding pattern")
)

// ValidateRoutingKey checks a publish routing key: non-empty dot-separated
// words with no wildcards.
func ValidateRoutingKey(key string) error {
	if err := validateWords(key); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidRoutingKey, key, err)
	}
	if strings.ContainsAny(key, "*#") {
		return fmt.Errorf("%w %q: wildcards are only valid in bindings", ErrInvalidRoutingKey, key)
	}
	return nil
}

// ValidatePattern checks a binding pattern. Words are literal, "*" (exactly
// one word) or "#" (zero or more words); wildcards must occupy a whole word.
func ValidatePattern(pattern string) error {
	if err := validateWords(pattern); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	for _, word := range strings.Split(pattern, ".") {
		if word != "*" && word != "#" && strings.ContainsAny(word, "*#") {
			return fmt.Errorf("%w %q: wildcard inside word %q", ErrInvalidPattern, pattern, word)
		}
	}
	return nil
}

func validateWords(s string) error {
	if s == "" {
		return errors.New("empty")
	}
	if len(s) > MaxRoutingKeyLength {
		return fmt.Errorf("longer than %d bytes", MaxRoutingKeyLength)
	}
	for _, word := range strings.Split(s, ".") {
		if word == "" {
			return errors.New("empty word")
		}
	}
	return nil
}

// MatchTopic reports whether routingKey matches a topic binding pattern.
func MatchTopic(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
