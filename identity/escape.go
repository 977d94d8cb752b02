package identity

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// reservedChars are always escaped in serialized identities,
// in addition to control and non-ASCII bytes.
const reservedChars = "\\/\"'%&#@!?$* <>{}[]()`|:;,.+-="

const hexDigits = "0123456789abcdef"

// escape returns s with every reserved, control or non-printable byte
// replaced by its \xHH form
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c >= 0x7f || strings.IndexByte(reservedChars, c) >= 0 {
			b.WriteString(`\x`)
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// unescape reverses escape
func unescape(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+3 >= len(s) {
			return "", errors.WithMessagef(ErrInvalidFormat, "truncated escape at %d", i)
		}
		if s[i+1] != 'x' {
			return "", errors.WithMessagef(ErrInvalidFormat, "invalid escape at %d", i)
		}
		hi, ok1 := fromHex(s[i+2])
		lo, ok2 := fromHex(s[i+3])
		if !ok1 || !ok2 {
			return "", errors.WithMessagef(ErrInvalidFormat, "invalid hex escape at %d", i)
		}
		b.WriteByte(hi<<4 | lo)
		i += 3
	}
	return b.String(), nil
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
