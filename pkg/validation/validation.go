package validation

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"speedshare/internal/core/domain"
)

// MaxSDPLength bounds session descriptions accepted by the rendezvous API.
const MaxSDPLength = 64 * 1024

// ValidateCode checks the 5 character alphanumeric form of a rendezvous code.
func ValidateCode(code string) error {
	if !domain.RendezvousCode(code).Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidCode, code)
	}
	return nil
}

// ValidateRecord checks a record before it is stored. Failures wrap
// domain.ErrInvalidRecord.
func ValidateRecord(r domain.RendezvousRecord) error {
	if err := validateRecord(r); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRecord, err)
	}
	return nil
}

func validateRecord(r domain.RendezvousRecord) error {
	if err := ValidateNonEmptyString(r.SDP, "sdp"); err != nil {
		return err
	}
	if len(r.SDP) > MaxSDPLength {
		return fmt.Errorf("sdp is too long (max %d bytes)", MaxSDPLength)
	}
	if !utf8.ValidString(r.SDP) {
		return fmt.Errorf("sdp contains invalid characters")
	}
	if r.ICEServer != "" {
		if err := ValidateICEServerURL(r.ICEServer); err != nil {
			return err
		}
	}
	if r.PublicKey != "" {
		key, err := base64.StdEncoding.DecodeString(r.PublicKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("public key must be 32 base64 encoded bytes")
		}
	}
	return nil
}

// ValidateICEServerURL accepts stun:, turn: and turns: URLs.
func ValidateICEServerURL(s string) error {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return fmt.Errorf("invalid ICE server URL %q", s)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return nil
	default:
		return fmt.Errorf("invalid ICE server scheme %q", scheme)
	}
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
