// Package identity defines the canonical session identifier format.
//
// A permanent identifier is "tenant_<tenantId>_<phoneDigits>". Before the
// phone number is known (the QR code has not been scanned yet) a temporary
// identifier "tenant_<tenantId>_temp_<epochMillis>" is used instead.
package identity

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// TempMarker is the phone placeholder reported for temporary identifiers.
const TempMarker = "temp"

var (
	permanentPattern = regexp.MustCompile(`^tenant_(\d+)_(\d+)$`)
	temporaryPattern = regexp.MustCompile(`^tenant_(\d+)_temp_(\d+)$`)
	nonDigits        = regexp.MustCompile(`\D`)
)

// Parsed holds the components of a decoded session identifier.
type Parsed struct {
	TenantID int64
	// Phone is the normalized digit string, or TempMarker for a
	// temporary identifier.
	Phone string
}

// Derive builds the session identifier for a tenant. With a phone number it
// returns the permanent form (non-digits stripped); with an empty phone it
// returns a temporary identifier seeded with the current epoch millisecond.
// Two phoneless starts for the same tenant inside the same millisecond would
// collide; callers serialize session creation per tenant, so the window is
// accepted.
func Derive(tenantID int64, phone string) string {
	if phone == "" {
		return fmt.Sprintf("tenant_%d_temp_%d", tenantID, time.Now().UnixMilli())
	}
	return fmt.Sprintf("tenant_%d_%s", tenantID, nonDigits.ReplaceAllString(phone, ""))
}

// Parse decodes a session identifier. The second return value is false for
// any string that matches neither form; callers treat that as "not found",
// never as a fault.
func Parse(id string) (Parsed, bool) {
	if m := temporaryPattern.FindStringSubmatch(id); m != nil {
		tenantID, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return Parsed{}, false
		}
		return Parsed{TenantID: tenantID, Phone: TempMarker}, true
	}
	if m := permanentPattern.FindStringSubmatch(id); m != nil {
		tenantID, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return Parsed{}, false
		}
		return Parsed{TenantID: tenantID, Phone: m[2]}, true
	}
	return Parsed{}, false
}

// IsTemporary reports whether id is a temporary identifier.
func IsTemporary(id string) bool {
	return temporaryPattern.MatchString(id)
}
