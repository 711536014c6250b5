package util

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/zapboard/session-server/internal/config"
	apperrors "github.com/zapboard/session-server/internal/errors"
	"github.com/zapboard/session-server/internal/identity"
)

var nonDigits = regexp.MustCompile(`\D`)

// ValidatePhoneNumber normalizes a phone number to a digit string with a
// country code. Non-digits are stripped, the length must be 10-13 digits and
// the default country code is prepended when absent.
func ValidatePhoneNumber(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", apperrors.MissingRequired("phone")
	}

	digits := nonDigits.ReplaceAllString(raw, "")
	if len(digits) < config.MinPhoneDigits || len(digits) > config.MaxPhoneDigits {
		return "", apperrors.InvalidInput("phone", "must have 10-13 digits")
	}

	if !strings.HasPrefix(digits, config.DefaultCountryCode) {
		digits = config.DefaultCountryCode + digits
	}
	return digits, nil
}

// ValidateTenantID coerces a tenant id to a positive integer.
func ValidateTenantID(raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, apperrors.MissingRequired("tenantId")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, apperrors.InvalidInput("tenantId", "must be an integer")
	}
	return CheckTenantID(id)
}

// CheckTenantID validates an already-numeric tenant id.
func CheckTenantID(id int64) (int64, error) {
	if id <= 0 {
		return 0, apperrors.InvalidInput("tenantId", "must be a positive integer")
	}
	return id, nil
}

// ValidateSessionID ensures the identifier matches one of the canonical forms.
func ValidateSessionID(id string) error {
	if id == "" {
		return apperrors.MissingRequired("sessionId")
	}
	if _, ok := identity.Parse(id); !ok {
		return apperrors.InvalidInput("sessionId", "malformed session identifier")
	}
	return nil
}

// ValidateMessage trims a message body and enforces the transport ceiling.
func ValidateMessage(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", apperrors.InvalidInput("message", "must not be empty")
	}
	if len([]rune(trimmed)) > config.MaxMessageLength {
		return "", apperrors.InvalidInput("message", "exceeds 4096 characters")
	}
	return trimmed, nil
}
