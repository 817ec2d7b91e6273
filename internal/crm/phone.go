package crm

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone reduces raw to the digits-only international form used as
// the WhatsApp user part. Ten or eleven digit numbers are taken as Brazilian
// (area code + number) and get the 55 country code.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.TrimSpace(raw) {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	phone := strings.TrimLeft(b.String(), "0")
	if len(phone) == 10 || len(phone) == 11 {
		phone = "55" + phone
	}
	if len(phone) < 12 || len(phone) > 15 {
		return "", errors.Wrapf(ErrInvalidPhone, "%q", raw)
	}
	return phone, nil
}
