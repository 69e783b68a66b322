package protocol

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var validHex = regexp.MustCompile(`^[0-9A-F]*$`)

// ParseHex decodes APDU or AID bytes written in various formats.
// Supports: "00A40400", "00:A4:04:00", "00 a4 04 00", "00-A4-04-00"
func ParseHex(s string) ([]byte, error) {
	// Remove common separators and spaces
	cleaned := strings.ReplaceAll(s, ":", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ToUpper(cleaned)

	if cleaned == "" {
		return nil, fmt.Errorf("empty hex string")
	}
	if !validHex.MatchString(cleaned) {
		return nil, fmt.Errorf("hex string contains invalid characters: %s", s)
	}
	if len(cleaned)%2 != 0 {
		return nil, fmt.Errorf("hex string has odd number of characters: %s", s)
	}
	return hex.DecodeString(cleaned)
}

// FormatHex encodes bytes as uppercase hex without separators.
func FormatHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
