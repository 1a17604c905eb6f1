package utils

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var ErrInvalidMAC = errors.New("invalid MAC address")

// NormalizeMAC parses a 48-bit MAC address in any of the usual notations and
// returns it as upper-case colon-separated hex.
func NormalizeMAC(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 12 && !strings.ContainsAny(raw, ":-.") {
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(raw[i : i+2])
		}
		raw = b.String()
	}

	hw, err := net.ParseMAC(raw)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidMAC, raw, err)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("%w %q: not 48 bits", ErrInvalidMAC, raw)
	}
	return strings.ToUpper(hw.String()), nil
}
