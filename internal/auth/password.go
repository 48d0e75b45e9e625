package auth

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// PasswordPolicy defines password requirements
type PasswordPolicy struct {
	MinLength  int     // Minimum length
	MinEntropy float64 // Minimum bits of entropy, 0 disables
}

// DefaultPasswordPolicy is a length floor with no entropy requirement; the
// dashboard password is usually typed by hand.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 8}
}

// PasswordStrength represents the calculated strength of a password
type PasswordStrength struct {
	Score       int     `json:"score"` // 0-4 (very weak to strong)
	Length      int     `json:"length"`
	Complexity  int     `json:"complexity"` // character classes used
	CharsetSize int     `json:"charsetSize"`
	Entropy     float64 `json:"entropy"` // log2(n^m) = m * log2(n)
}

// ValidatePassword validates a password against the policy
func ValidatePassword(password string, policy PasswordPolicy) error {
	if len(password) < policy.MinLength {
		return fmt.Errorf("password must be at least %d characters", policy.MinLength)
	}
	if hasExcessiveRepetition(password) {
		return fmt.Errorf("password has too much repetition")
	}
	if strength := CalculateStrength(password); strength.Entropy < policy.MinEntropy {
		return fmt.Errorf("password is not strong enough (%.1f bits of entropy, need %.1f)",
			strength.Entropy, policy.MinEntropy)
	}
	return nil
}

// CalculateStrength estimates entropy as length * log2(charset size).
func CalculateStrength(password string) PasswordStrength {
	classes := getCharacterClasses(password)
	charset := getCharsetSize(classes)
	entropy := float64(len(password)) * math.Log2(float64(charset))
	return PasswordStrength{
		Score:       calculateScore(entropy),
		Length:      len(password),
		Complexity:  classes,
		CharsetSize: charset,
		Entropy:     entropy,
	}
}

// getCharsetSize returns the total number of possible characters based on classes used
// This is 'n' in the n^m formula
func getCharsetSize(classes int) int {
	charsetSizes := map[int]int{
		1: 26, // Just lowercase (or just one class)
		2: 62, // lowercase + uppercase (26+26+10) or lowercase + digits
		3: 72, // lowercase + uppercase + digits (26+26+10+10 symbols subset)
		4: 95, // All printable ASCII (26+26+10+33 symbols)
	}

	if size, ok := charsetSizes[classes]; ok {
		return size
	}
	return 26 // Default to lowercase only
}

// getCharacterClasses counts how many character classes are used
// Classes: lowercase, uppercase, digits, symbols
func getCharacterClasses(password string) int {
	var hasLower, hasUpper, hasDigit, hasSymbol bool

	for _, char := range password {
		switch {
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsDigit(char):
			hasDigit = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSymbol = true
		}
	}

	count := 0
	if hasLower {
		count++
	}
	if hasUpper {
		count++
	}
	if hasDigit {
		count++
	}
	if hasSymbol {
		count++
	}

	return count
}

// calculateScore calculates a 0-4 score based on entropy
// Entropy thresholds:
// 0-40 bits: very weak (< ~1 trillion combinations)
// 40-50 bits: weak
// 50-60 bits: medium
// 60-70 bits: strong
// 70+ bits: very strong
func calculateScore(entropy float64) int {
	switch {
	case entropy >= 70:
		return 4 // Very strong
	case entropy >= 60:
		return 3 // Strong
	case entropy >= 50:
		return 2 // Medium
	case entropy >= 40:
		return 1 // Weak
	default:
		return 0 // Very weak
	}
}

// hasExcessiveRepetition checks for repetitive patterns that weaken passwords
func hasExcessiveRepetition(password string) bool {
	if len(password) < 3 {
		return false
	}

	// Check for 3+ consecutive identical characters (e.g., "aaa", "111")
	// Since Go regexp doesn't support backreferences, check manually
	for i := 0; i < len(password)-2; i++ {
		if password[i] == password[i+1] && password[i] == password[i+2] {
			return true
		}
	}

	// Check for repeating substrings (e.g., "abcabc", "123123", "adminadmin")
	// Check from longer substrings first (2-20 characters)
	for length := min(20, len(password)/2); length >= 2; length-- {
		for i := 0; i <= len(password)-length*2; i++ {
			substring := password[i : i+length]
			nextPart := password[i+length : i+length*2]
			if substring == nextPart {
				return true
			}
		}
	}

	// Check for longer substrings appearing anywhere else (e.g., "adminXYZadmin")
	// Only check substrings of 4+ characters to avoid false positives
	for length := min(20, len(password)/2); length >= 4; length-- {
		for i := 0; i <= len(password)-length; i++ {
			substring := password[i : i+length]
			// Check if this substring appears anywhere after the current position
			restOfPassword := password[i+length:]
			if strings.Contains(restOfPassword, substring) {
				return true
			}
		}
	}

	// Check for sequential patterns (e.g., "abc", "123", "xyz")
	// Pattern: 4+ characters in ascending sequence
	sequentialCount := 0
	for i := 0; i < len(password)-1; i++ {
		if password[i+1] == password[i]+1 {
			sequentialCount++
			if sequentialCount >= 3 {
				return true
			}
		} else {
			sequentialCount = 0
		}
	}

	return false
}
