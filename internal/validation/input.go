package validation

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Input length limits
const (
	MaxNameLength    = 255
	MaxEmailLength   = 320    // RFC 5321
	MaxPhoneLength   = 20     // E.164 plus separators
	MaxMessageLength = 100000 // bytes
	MaxLabelLength   = 255
)

// ValidateName checks a contact name length. Empty is allowed.
func ValidateName(name string) error {
	if length := utf8.RuneCountInString(name); length > MaxNameLength {
		return fmt.Errorf("name exceeds maximum length of %d characters (got %d)", MaxNameLength, length)
	}
	return nil
}

// ValidateEmail checks length and format. Empty is allowed.
func ValidateEmail(email string) error {
	if email == "" {
		return nil
	}
	if length := utf8.RuneCountInString(email); length > MaxEmailLength {
		return fmt.Errorf("email exceeds maximum length of %d characters (got %d)", MaxEmailLength, length)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

// ValidatePhone checks length and characters: digits, spaces, dashes,
// parentheses and a leading +. Empty is allowed.
func ValidatePhone(phone string) error {
	if phone == "" {
		return nil
	}
	if length := utf8.RuneCountInString(phone); length > MaxPhoneLength {
		return fmt.Errorf("phone number exceeds maximum length of %d characters (got %d)", MaxPhoneLength, length)
	}
	digits := 0
	for i, r := range phone {
		switch {
		case r == '+' && i == 0:
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return fmt.Errorf("invalid phone format: contains invalid character '%c'", r)
		}
	}
	if digits == 0 {
		return fmt.Errorf("invalid phone format: no digits")
	}
	return nil
}

// ValidateMessageContent checks message size in bytes.
func ValidateMessageContent(content string) error {
	if length := len(content); length > MaxMessageLength {
		return fmt.Errorf("message content exceeds maximum size of %d bytes (got %d)", MaxMessageLength, length)
	}
	return nil
}

// ValidateLabelTitle checks a label title.
func ValidateLabelTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("label title cannot be empty")
	}
	if length := utf8.RuneCountInString(title); length > MaxLabelLength {
		return fmt.Errorf("label title exceeds maximum length of %d characters (got %d)", MaxLabelLength, length)
	}
	return nil
}

// ParsePositiveInt parses a positive integer id. A leading # is accepted.
func ParsePositiveInt(s string, fieldName string) (int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	id64, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", fieldName, err)
	}
	if id64 <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", fieldName)
	}
	return int(id64), nil
}
