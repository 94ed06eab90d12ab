package payment

import (
	"errors"
	"testing"

	"eduvault-payments/internal/domain"
)

func TestNormalizePhoneNumber(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"0712345678", "254712345678"},
		{"712345678", "254712345678"},
		{"254712345678", "254712345678"},
		{"+254 712-345-678", "254712345678"},
		{"0112345678", "254112345678"},
		{"112345678", "254112345678"},
		{"(07) 12 345 678", "254712345678"},
		{"", ""},
		{"812345678", "812345678"},
	}
	for _, tc := range tests {
		if got := NormalizePhoneNumber(tc.in); got != tc.want {
			t.Errorf("NormalizePhoneNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizePhoneNumber_Idempotent(t *testing.T) {
	for _, in := range []string{"0712345678", "712345678", "+254712345678", "0112345678"} {
		once := NormalizePhoneNumber(in)
		if twice := NormalizePhoneNumber(once); twice != once {
			t.Errorf("normalizing %q twice changed it: %q -> %q", in, once, twice)
		}
	}
}

func TestValidatePhoneNumber(t *testing.T) {
	valid := []string{"254712345678", "254112345678", "254700000000"}
	invalid := []string{"25471234567", "2547123456789", "254812345678", "0712345678", ""}
	for _, p := range valid {
		if err := ValidatePhoneNumber(p); err != nil {
			t.Errorf("expected %q to be valid, got %v", p, err)
		}
	}
	for _, p := range invalid {
		err := ValidatePhoneNumber(p)
		var fe *domain.FieldError
		if !errors.As(err, &fe) || fe.Field != "phoneNumber" {
			t.Errorf("expected phoneNumber field error for %q, got %v", p, err)
		}
	}
}
