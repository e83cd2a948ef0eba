package validation

import (
	"fmt"
	"net/mail"
	"strings"
)

// ValidateEmail validates an email address format
func ValidateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return fmt.Errorf("email cannot be empty")
	}

	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return fmt.Errorf("invalid email address: %w", err)
	}

	// Reject "Name <addr>" forms, only a bare address is accepted
	if addr.Address != strings.TrimSpace(email) {
		return fmt.Errorf("invalid email address: display names are not allowed")
	}

	return nil
}

// NormalizeEmail trims and lowercases an email so lookups are case-insensitive
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateAndNormalizeEmail validates an email and returns its normalized form
func ValidateAndNormalizeEmail(email string) (string, error) {
	if err := ValidateEmail(email); err != nil {
		return "", err
	}
	return NormalizeEmail(email), nil
}

// ValidateCurrency checks for a three-letter ISO 4217 style code and returns it uppercased
func ValidateCurrency(currency string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if len(c) != 3 {
		return "", fmt.Errorf("invalid currency %q: expected 3 letters", currency)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("invalid currency %q: expected 3 letters", currency)
		}
	}
	return c, nil
}
