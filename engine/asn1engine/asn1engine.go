// Package asn1engine provides certificate engine that reads the
// certificate fields directly from DER with cryptobyte, without building
// the complete x509.Certificate unless a signature must be verified.
package asn1engine

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	encoding_asn1 "encoding/asn1"
	"encoding/hex"
	"time"
	"unicode/utf16"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11helper/certutil"
	"github.com/effective-security/p11helper/engine"
	"github.com/effective-security/xlog"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11helper/engine", "asn1engine")

// Name of the engine
const Name = "asn1"

// tagBMPString is not declared by cryptobyte/asn1
const tagBMPString = cryptobyte_asn1.Tag(30)

func init() {
	_ = engine.Register(Name, New)
}

type asn1Engine struct{}

// New returns engine.Engine
func New() engine.Engine {
	return asn1Engine{}
}

func (asn1Engine) Name() string {
	return Name
}

func (asn1Engine) Init() error {
	return nil
}

func (asn1Engine) Uninit() error {
	return nil
}

func (asn1Engine) CertificateExpiration(der []byte, now time.Time) (time.Time, bool) {
	tbs, err := parseTBS(der)
	if err != nil {
		logger.KV(xlog.DEBUG, "reason", "parse", "err", err.Error())
		return time.Time{}, false
	}
	if now.Before(tbs.notBefore) || now.After(tbs.notAfter) {
		return time.Time{}, false
	}
	return tbs.notAfter, true
}

func (asn1Engine) CertificateDN(der []byte) (string, bool) {
	tbs, err := parseTBS(der)
	if err != nil {
		logger.KV(xlog.DEBUG, "reason", "parse", "err", err.Error())
		return "", false
	}
	name, err := parseName(tbs.rawSubject)
	if err != nil {
		logger.KV(xlog.DEBUG, "reason", "subject", "err", err.Error())
		return "", false
	}
	return certutil.NameToString(name), true
}

func (asn1Engine) CertificateIsIssuer(issuer, subject []byte) bool {
	iss, err := parseTBS(issuer)
	if err != nil {
		return false
	}
	sub, err := parseTBS(subject)
	if err != nil {
		return false
	}
	if !bytes.Equal(iss.rawSubject, sub.rawIssuer) {
		return false
	}

	issCrt, err := x509.ParseCertificate(issuer)
	if err != nil {
		return false
	}
	subCrt, err := x509.ParseCertificate(subject)
	if err != nil {
		return false
	}
	err = issCrt.CheckSignature(subCrt.SignatureAlgorithm, subCrt.RawTBSCertificate, subCrt.Signature)
	if err != nil {
		logger.KV(xlog.TRACE, "reason", "signature", "err", err.Error())
		return false
	}
	return true
}

type tbsCertificate struct {
	rawIssuer  []byte
	rawSubject []byte
	notBefore  time.Time
	notAfter   time.Time
}

// parseTBS reads the fields of TBSCertificate:
//
//	TBSCertificate ::= SEQUENCE {
//		version         [0] EXPLICIT Version DEFAULT v1,
//		serialNumber    CertificateSerialNumber,
//		signature       AlgorithmIdentifier,
//		issuer          Name,
//		validity        Validity,
//		subject         Name,
//		...
func parseTBS(der []byte) (*tbsCertificate, error) {
	input := cryptobyte.String(der)

	var cert, tbs cryptobyte.String
	if !input.ReadASN1(&cert, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("malformed certificate")
	}
	if !cert.ReadASN1(&tbs, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("malformed tbs certificate")
	}
	if !tbs.SkipOptionalASN1(cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()) {
		return nil, errors.New("malformed version")
	}
	if !tbs.SkipASN1(cryptobyte_asn1.INTEGER) {
		return nil, errors.New("malformed serial number")
	}
	if !tbs.SkipASN1(cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("malformed signature algorithm identifier")
	}

	res := new(tbsCertificate)

	var issuer cryptobyte.String
	if !tbs.ReadASN1Element(&issuer, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("malformed issuer")
	}
	res.rawIssuer = issuer

	var validity cryptobyte.String
	if !tbs.ReadASN1(&validity, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("malformed validity")
	}
	var err error
	if res.notBefore, err = parseTime(&validity); err != nil {
		return nil, errors.WithMessage(err, "not before")
	}
	if res.notAfter, err = parseTime(&validity); err != nil {
		return nil, errors.WithMessage(err, "not after")
	}

	var subject cryptobyte.String
	if !tbs.ReadASN1Element(&subject, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("malformed subject")
	}
	res.rawSubject = subject

	return res, nil
}

func parseTime(der *cryptobyte.String) (time.Time, error) {
	var t time.Time
	switch {
	case der.PeekASN1Tag(cryptobyte_asn1.UTCTime):
		if !der.ReadASN1UTCTime(&t) {
			return t, errors.New("malformed UTCTime")
		}
	case der.PeekASN1Tag(cryptobyte_asn1.GeneralizedTime):
		if !der.ReadASN1GeneralizedTime(&t) {
			return t, errors.New("malformed GeneralizedTime")
		}
	default:
		return t, errors.New("unsupported time format")
	}
	return t, nil
}

// parseName reads RDNSequence
func parseName(raw []byte) (*pkix.Name, error) {
	input := cryptobyte.String(raw)

	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("malformed name")
	}

	var rdns pkix.RDNSequence
	for !seq.Empty() {
		var set cryptobyte.String
		if !seq.ReadASN1(&set, cryptobyte_asn1.SET) {
			return nil, errors.New("malformed RDN")
		}

		var rdn pkix.RelativeDistinguishedNameSET
		for !set.Empty() {
			var atav cryptobyte.String
			if !set.ReadASN1(&atav, cryptobyte_asn1.SEQUENCE) {
				return nil, errors.New("malformed attribute")
			}
			var oid encoding_asn1.ObjectIdentifier
			if !atav.ReadASN1ObjectIdentifier(&oid) {
				return nil, errors.New("malformed attribute type")
			}
			var value cryptobyte.String
			var tag cryptobyte_asn1.Tag
			if !atav.ReadAnyASN1(&value, &tag) {
				return nil, errors.New("malformed attribute value")
			}
			rdn = append(rdn, pkix.AttributeTypeAndValue{
				Type:  oid,
				Value: decodeString(tag, value),
			})
		}
		rdns = append(rdns, rdn)
	}

	name := new(pkix.Name)
	name.FillFromRDNSequence(&rdns)
	return name, nil
}

func decodeString(tag cryptobyte_asn1.Tag, value []byte) string {
	switch tag {
	case cryptobyte_asn1.UTF8String,
		cryptobyte_asn1.PrintableString,
		cryptobyte_asn1.IA5String,
		cryptobyte_asn1.T61String:
		return string(value)
	case tagBMPString:
		if len(value)%2 == 0 {
			s := make([]uint16, 0, len(value)/2)
			for i := 0; i < len(value); i += 2 {
				s = append(s, uint16(value[i])<<8|uint16(value[i+1]))
			}
			return string(utf16.Decode(s))
		}
	}
	return "#" + hex.EncodeToString(value)
}
