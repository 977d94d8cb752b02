// Package identity defines the persistent identities of tokens and token
// certificates, and their single-string serialization used by callers to
// remember a token or certificate between runs.
//
// A token is serialized as four escaped fields separated by '/':
//
//	manufacturer/model/serial/label
//
// A certificate appends the upper-case hex encoded CKA_ID:
//
//	manufacturer/model/serial/label/0A1B...
//
// Every byte that is a control or non-ASCII character, or one of the
// reserved characters, is written as \xHH, so the encoding is lossless
// for arbitrary field values.
package identity

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// MaxIDSize is the largest CKA_ID accepted by ParseCertificate
const MaxIDSize = 1024

// ErrInvalidFormat is returned when a serialized identity can not be parsed
var ErrInvalidFormat = errors.New("invalid serialized identity")

// Token identifies a token regardless of the slot it is inserted in
type Token struct {
	// Display is a human readable name of the token
	Display      string `json:"display"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	Label        string `json:"label"`
}

// NewToken returns Token from the module's token info,
// with the fixed-width padding removed
func NewToken(ti pkcs11.TokenInfo) *Token {
	t := &Token{
		Manufacturer: trimPadding(ti.ManufacturerID),
		Model:        trimPadding(ti.Model),
		Serial:       trimPadding(ti.SerialNumber),
		Label:        trimPadding(ti.Label),
	}
	t.Display = t.Label
	return t
}

func trimPadding(s string) string {
	return strings.TrimRight(s, " \x00")
}

// Equal returns true if both identities refer to the same token.
// Display is not considered.
func (t *Token) Equal(o *Token) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.Manufacturer == o.Manufacturer &&
		t.Model == o.Model &&
		t.Serial == o.Serial &&
		t.Label == o.Label
}

// Clone returns a copy of the token
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// String returns the display name
func (t *Token) String() string {
	return t.Display
}

// Serialize returns the printable form of the token identity
func (t *Token) Serialize() string {
	return strings.Join([]string{
		escape(t.Manufacturer),
		escape(t.Model),
		escape(t.Serial),
		escape(t.Label),
	}, "/")
}

// ParseToken returns Token from its serialized form
func ParseToken(s string) (*Token, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return nil, errors.WithMessagef(ErrInvalidFormat, "expected 4 token fields, got %d", len(parts))
	}
	return parseTokenFields(parts)
}

func parseTokenFields(parts []string) (*Token, error) {
	fields := make([]string, len(parts))
	for i, p := range parts {
		v, err := unescape(p)
		if err != nil {
			return nil, err
		}
		fields[i] = v
	}

	t := &Token{
		Manufacturer: fields[0],
		Model:        fields[1],
		Serial:       fields[2],
		Label:        fields[3],
	}
	t.Display = t.Label
	return t, nil
}

// Certificate identifies a certificate object on a token
type Certificate struct {
	Token *Token `json:"token"`
	// ID is the CKA_ID of the certificate and its private key
	ID []byte `json:"id"`
	// Blob is the DER encoded certificate, if known
	Blob []byte `json:"-"`
	// Display is a human readable name of the certificate
	Display string `json:"display"`
}

// Clone returns a deep copy
func (c *Certificate) Clone() *Certificate {
	if c == nil {
		return nil
	}
	return &Certificate{
		Token:   c.Token.Clone(),
		ID:      bytes.Clone(c.ID),
		Blob:    bytes.Clone(c.Blob),
		Display: c.Display,
	}
}

// Equal returns true if both identities refer to the same object
// on the same token
func (c *Certificate) Equal(o *Certificate) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Token.Equal(o.Token) && bytes.Equal(c.ID, o.ID)
}

// String returns the display name
func (c *Certificate) String() string {
	return c.Display
}

// HexID returns upper-case hex encoded ID
func (c *Certificate) HexID() string {
	return strings.ToUpper(hex.EncodeToString(c.ID))
}

// Serialize returns the printable form of the certificate identity
func (c *Certificate) Serialize() string {
	return c.Token.Serialize() + "/" + c.HexID()
}

// ParseCertificate returns Certificate from its serialized form
func ParseCertificate(s string) (*Certificate, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 {
		return nil, errors.WithMessagef(ErrInvalidFormat, "expected 5 certificate fields, got %d", len(parts))
	}

	token, err := parseTokenFields(parts[:4])
	if err != nil {
		return nil, err
	}

	h := parts[4]
	if h == "" {
		return nil, errors.WithMessage(ErrInvalidFormat, "missing certificate id")
	}
	if len(h) > MaxIDSize*2 {
		return nil, errors.WithMessagef(ErrInvalidFormat, "certificate id exceeds %d bytes", MaxIDSize)
	}
	id, err := hex.DecodeString(h)
	if err != nil {
		return nil, errors.WithMessagef(ErrInvalidFormat, "invalid certificate id: %s", err.Error())
	}

	return &Certificate{
		Token: token,
		ID:    id,
	}, nil
}
