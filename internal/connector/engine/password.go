package engine

import (
	"unicode"

	"github.com/dhawalhost/dirsync/internal/connector"
)

const minPasswordLength = 8

// ValidatePassword enforces the external directory's complexity policy:
// longer than seven characters with at least one digit and one uppercase letter.
func ValidatePassword(password string) error {
	var digit, upper bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsUpper(r):
			upper = true
		}
	}
	if len([]rune(password)) < minPasswordLength || !digit || !upper {
		return connector.NewValidationError("Password", "Common_PasswordValidationFormat")
	}
	return nil
}
