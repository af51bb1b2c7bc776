package security

import (
	"errors"
	"os"
	"strings"
)

// ErrEmptySecret is returned when a signing secret resolves to nothing.
var ErrEmptySecret = errors.New("empty secret")

const filePrefix = "file:"

// LoadSecret resolves a signing secret. A value prefixed with "file:" is read from that path
// with surrounding whitespace trimmed; anything else is used inline.
func LoadSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptySecret
	}
	if !strings.HasPrefix(s, filePrefix) {
		return []byte(s), nil
	}
	b, err := os.ReadFile(strings.TrimPrefix(s, filePrefix))
	if err != nil {
		return nil, err
	}
	b = []byte(strings.TrimSpace(string(b)))
	if len(b) == 0 {
		return nil, ErrEmptySecret
	}
	return b, nil
}
