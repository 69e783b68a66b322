package nfc

import (
	"encoding/hex"
	"strings"
)

// AID length bounds in bytes (ISO/IEC 7816-5).
const (
	MinAIDLength = 5
	MaxAIDLength = 16
)

// AIDPrefixMarker is the trailing wildcard that declares a prefix AID.
const AIDPrefixMarker = "*"

// NormalizeAID converts an AID string to the canonical upper-case hex form
// used as the routing key. Separators (":", " ", "-") are dropped; a trailing
// prefix marker is preserved.
//
// Supports: "A0:00:00:00:04:10:10", "a0000000041010", "A0 00 00 00 04 10 10*"
func NormalizeAID(aid string) (string, error) {
	if aid == "" {
		return "", NewInvalidParameterError("NormalizeAID", "empty AID")
	}

	cleaned := strings.NewReplacer(":", "", " ", "", "-", "").Replace(aid)
	cleaned = strings.ToUpper(cleaned)

	prefix := strings.HasSuffix(cleaned, AIDPrefixMarker)
	body := strings.TrimSuffix(cleaned, AIDPrefixMarker)

	if len(body)%2 != 0 {
		return "", NewInvalidParameterError("NormalizeAID", "AID has odd number of hex characters: "+aid)
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return "", NewInvalidParameterError("NormalizeAID", "AID contains invalid characters: "+aid)
	}
	if len(raw) < MinAIDLength || len(raw) > MaxAIDLength {
		return "", Errorf(ErrCodeInvalidParameter, "NormalizeAID", "AID must be %d-%d bytes, got %d", MinAIDLength, MaxAIDLength, len(raw))
	}

	if prefix {
		return body + AIDPrefixMarker, nil
	}
	return body, nil
}

// IsPrefixAID reports whether a normalised AID carries the prefix marker.
func IsPrefixAID(aid string) bool {
	return strings.HasSuffix(aid, AIDPrefixMarker)
}

// MatchAID compares a registered AID against a selected one. Comparison is
// case-insensitive. With prefixMatching disabled a prefix AID is compared as
// the literal string it was registered with, marker included.
func MatchAID(registered, selected string, prefixMatching bool) bool {
	if prefixMatching && IsPrefixAID(registered) {
		stem := strings.TrimSuffix(registered, AIDPrefixMarker)
		return len(selected) >= len(stem) && strings.EqualFold(selected[:len(stem)], stem)
	}
	return strings.EqualFold(registered, selected)
}

// BytesToHex converts bytes to uppercase hex string
func BytesToHex(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

// HexToBytes converts a hex string to bytes
func HexToBytes(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, WrapError(ErrCodeInvalidParameter, "HexToBytes", "invalid hex string", err)
	}
	return raw, nil
}
