package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"checkpoint/pkg/sentinel"
)

// HashPin creates a bcrypt hash of an agent pin for storage. The plaintext
// pin is never persisted.
func HashPin(pin string) (string, error) {
	if pin == "" {
		return "", fmt.Errorf("pin cannot be empty: %w", sentinel.ErrInvalidInput)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("pin is too long: %w", sentinel.ErrInvalidInput)
		}
		return "", fmt.Errorf("hash pin: %w", err)
	}
	return string(hashed), nil
}

// VerifyPin checks a plaintext pin against a stored bcrypt hash.
func VerifyPin(pin, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("invalid credentials: %w", sentinel.ErrUnavailable)
		}
		return fmt.Errorf("verify pin: %w", err)
	}
	return nil
}
