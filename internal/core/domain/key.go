package domain

import (
	"fmt"
	"strings"
)

// Key is a structured cache key. Encoding it through Encode rather than plain
// concatenation means a logical key containing the separator can never be
// confused with another owner's or namespace's key during pattern
// invalidation.
type Key struct {
	Owner     OwnerID
	Namespace string
	Logical   string
}

const keySep = ":"

// escapePart makes a key component safe to join: literal separators and the
// escape character itself are percent-escaped.
func escapePart(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, keySep, "%3A")
}

func unescapePart(s string) string {
	s = strings.ReplaceAll(s, "%3A", keySep)
	return strings.ReplaceAll(s, "%25", "%")
}

// Encode renders the key as a single storage string:
// <owner>:<namespace>:<logical>, with each part escaped.
func (k Key) Encode() string {
	return escapePart(string(k.Owner)) + keySep + escapePart(k.Namespace) + keySep + escapePart(k.Logical)
}

// DecodeKey parses a storage string produced by Encode.
func DecodeKey(s string) (Key, error) {
	parts := strings.SplitN(s, keySep, 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed cache key %q", s)
	}
	return Key{
		Owner:     OwnerID(unescapePart(parts[0])),
		Namespace: unescapePart(parts[1]),
		Logical:   unescapePart(parts[2]),
	}, nil
}

func (k Key) String() string {
	return k.Encode()
}
