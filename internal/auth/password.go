package auth

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordTooLong is returned when a password's UTF-8 byte length exceeds
// bcrypt's 72-byte input limit. bcrypt silently truncates longer inputs
// instead of erroring, so this guard must run before every hash/verify call.
var ErrPasswordTooLong = errors.New("PASSWORD_TOO_LONG")

const maxPasswordBytes = 72

// HashPassword bcrypt-hashes password at the configured cost, rejecting
// inputs over 72 bytes.
func HashPassword(password string, cost int) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword constant-time compares password against a bcrypt hash.
func VerifyPassword(hash, password string) bool {
	if len(password) > maxPasswordBytes {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePasswordStrength enforces the minimum complexity rules for
// operator-set passwords: at least 12 characters, a mix of case, and a digit
// or symbol.
func ValidatePasswordStrength(pw string) error {
	if len(pw) < 12 {
		return fmt.Errorf("password must be at least 12 characters")
	}
	if len(pw) > maxPasswordBytes {
		return ErrPasswordTooLong
	}

	var hasUpper, hasLower, hasDigitOrSymbol bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigitOrSymbol = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasDigitOrSymbol = true
		}
	}

	if !hasUpper {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}
	if !hasLower {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}
	if !hasDigitOrSymbol {
		return fmt.Errorf("password must contain at least one number or symbol")
	}

	return nil
}
