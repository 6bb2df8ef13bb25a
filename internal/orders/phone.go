package orders

import (
	"fmt"
	"strings"
)

// NormalizePhone strips formatting and returns a +1 E.164 number. Ten
// digits, or eleven with a leading 1, are accepted.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == '-' || r == '.' || r == '(' || r == ')' || r == ' ':
		default:
			return "", fmt.Errorf("%w: phone number %q contains characters other than digits", ErrValidation, raw)
		}
	}
	digits := b.String()
	switch {
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, nil
	default:
		return "", fmt.Errorf("%w: phone number must have 10 digits, got %d", ErrValidation, len(digits))
	}
}

// MaskPhone hides all but the last four digits for logs and public feeds.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
