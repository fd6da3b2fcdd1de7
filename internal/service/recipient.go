package service

import (
	"strings"

	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
)

// AddressSuffix is the WhatsApp user server appended to phone digits.
const AddressSuffix = "@s.whatsapp.net"

const (
	minPhoneDigits = 8
	maxPhoneDigits = 15
)

// RecipientNormalizer turns free-form phone input into chat addresses.
type RecipientNormalizer struct {
	countryCode string
}

func NewRecipientNormalizer(countryCode string) RecipientNormalizer {
	return RecipientNormalizer{countryCode: countryCode}
}

// Normalize returns "<digits>@s.whatsapp.net". A leading "+" or "00" marks an
// explicit country code, as does an input that is already an address;
// otherwise the default code is prepended when absent.
func (n RecipientNormalizer) Normalize(raw string) (string, error) {
	digits, err := n.Digits(raw)
	if err != nil {
		return "", err
	}
	return digits + AddressSuffix, nil
}

// Digits is Normalize without the address suffix.
func (n RecipientNormalizer) Digits(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	explicit := false
	if at := strings.IndexByte(s, '@'); at >= 0 {
		s = s[:at]
		explicit = true
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			explicit = true
		}
	}

	digits := b.String()
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
		explicit = true
	}
	if digits != "" && !explicit && !strings.HasPrefix(digits, n.countryCode) {
		digits = n.countryCode + digits
	}

	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", apperrors.InvalidPhone(raw)
	}
	return digits, nil
}
