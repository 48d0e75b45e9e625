// Package validation holds field-level checks for tunnel entry
// configuration.
package validation

import (
	"fmt"
	"strings"
)

const (
	// MaxHostLength bounds a server entry's target host.
	MaxHostLength = 255
	// MinServerKeyLength and MaxServerKeyLength bound a non-empty server key.
	MinServerKeyLength = 64
	MaxServerKeyLength = 1000
	// ClientKeyScheme prefixes every non-empty client connection key.
	ClientKeyScheme = "hs://"
)

// ValidatePort accepts 0 (unset) through 65535.
func ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 0-65535)", port)
	}
	return nil
}

// ValidateHost checks the target host length.
func ValidateHost(host string) error {
	if len(host) > MaxHostLength {
		return fmt.Errorf("host too long (max %d characters)", MaxHostLength)
	}
	return nil
}

// ValidateServerKey accepts an empty key, or a key of 64-1000 characters
// whose sixth character is not 's'. Keys with 's' there would read as a
// secure-mode connection string flag.
func ValidateServerKey(key string) error {
	if key == "" {
		return nil
	}
	if len(key) < MinServerKeyLength || len(key) > MaxServerKeyLength {
		return fmt.Errorf("key must be %d-%d characters", MinServerKeyLength, MaxServerKeyLength)
	}
	if key[5] == 's' {
		return fmt.Errorf("key must not have 's' at position 5")
	}
	return nil
}

// ValidateClientKey accepts an empty key or a connection string with the
// hs:// scheme.
func ValidateClientKey(key string) error {
	if key == "" {
		return nil
	}
	if !strings.HasPrefix(key, ClientKeyScheme) {
		return fmt.Errorf("key must start with %s", ClientKeyScheme)
	}
	return nil
}
