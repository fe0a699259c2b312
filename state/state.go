package state

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("store closed")
	ErrInvalidKey = errors.New("invalid key")
	ErrInvalidTTL = errors.New("invalid TTL")
	ErrBadURL     = errors.New("invalid store URL")
)

// maxKeyLen bounds stored keys.
const maxKeyLen = 1024

// Store keeps the last published envelope of each stream so a consumer that
// connects late can ask for the current state.
type Store interface {
	// Get returns ErrNotFound for absent and expired keys.
	Get(key string) ([]byte, error)

	// Put replaces the value under key. A zero ttl never expires.
	Put(key string, value []byte, ttl time.Duration) error

	// Delete is a no-op for absent keys.
	Delete(key string) error

	// Keys lists live keys matching pattern. A trailing * matches any
	// suffix; "*" alone matches everything.
	Keys(pattern string) ([]string, error)

	Close() error
}

// Key names the stored envelope of one stream published by relay.
func Key(relay, source, topic string) string {
	return relay + "." + source + "." + topic
}

// RelayPattern matches every key written by relay.
func RelayPattern(relay string) string {
	return relay + ".*"
}

// ValidateKey rejects empty or oversized keys, keys with whitespace or
// wildcard characters, and keys with a leading or trailing dot.
func ValidateKey(key string) error {
	switch {
	case key == "", len(key) > maxKeyLen:
		return ErrInvalidKey
	case strings.ContainsAny(key, " \t\r\n*>"):
		return ErrInvalidKey
	case key[0] == '.', key[len(key)-1] == '.':
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL rejects negative TTLs.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern reports whether key matches pattern as described on
// Store.Keys.
func MatchPattern(pattern, key string) bool {
	prefix, wild := strings.CutSuffix(pattern, "*")
	if !wild {
		return pattern == key
	}
	return strings.HasPrefix(key, prefix)
}
