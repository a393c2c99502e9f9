package job

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxNameLength = 128

// NormalizeName trims and NFC-normalizes a queue, type or schedule name so
// visually identical names always compare equal.
func NormalizeName(kind, name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return "", fmt.Errorf("%w: %s name cannot be empty", ErrInvalidJob, kind)
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("%w: %s name exceeds %d bytes", ErrInvalidJob, kind, maxNameLength)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: %s name %q contains whitespace or control characters", ErrInvalidJob, kind, name)
		}
	}
	return name, nil
}
