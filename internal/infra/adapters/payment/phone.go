package payment

import (
	"regexp"
	"strings"

	"eduvault-payments/internal/domain"
)

const countryCode = "254"

var safaricomPattern = regexp.MustCompile(`^254(7|1)\d{8}$`)

// NormalizePhoneNumber rewrites a Kenyan mobile number into the 254XXXXXXXXX
// form Daraja expects. It does not validate; see ValidatePhoneNumber.
func NormalizePhoneNumber(raw string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	switch {
	case strings.HasPrefix(digits, countryCode):
		return digits
	case strings.HasPrefix(digits, "0"):
		return countryCode + digits[1:]
	case strings.HasPrefix(digits, "7"), strings.HasPrefix(digits, "1"):
		return countryCode + digits
	}
	return digits
}

func ValidatePhoneNumber(phone string) error {
	if !safaricomPattern.MatchString(phone) {
		return domain.NewFieldError("phoneNumber", "must be a Kenyan mobile number (07XXXXXXXX, 01XXXXXXXX or 2547XXXXXXXX)")
	}
	return nil
}

func normalizeAndValidate(raw string) (string, error) {
	p := NormalizePhoneNumber(raw)
	if err := ValidatePhoneNumber(p); err != nil {
		return "", err
	}
	return p, nil
}
