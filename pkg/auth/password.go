package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// maxSecretBytes is the bcrypt input limit.
const maxSecretBytes = 72

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword validates a password against a bcrypt hash.
func CheckPassword(password, stored string) bool {
	if stored == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// ValidatePassword checks that a secret can be hashed.
func ValidatePassword(password string) error {
	if password == "" {
		return errors.New("password is required")
	}
	if len(password) > maxSecretBytes {
		return errors.New("password must be at most 72 bytes")
	}
	return nil
}

// ValidateUsername rejects names that cannot serve as local keys or document paths.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username is required")
	}
	if strings.TrimSpace(username) != username {
		return errors.New("username must not start or end with whitespace")
	}
	if strings.ContainsAny(username, ".$/") {
		return errors.New("username must not contain '.', '$' or '/'")
	}
	return nil
}
