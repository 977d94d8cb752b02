// Package x509engine provides certificate engine based on crypto/x509
package x509engine

import (
	"bytes"
	"crypto/x509"
	"time"

	"github.com/effective-security/p11helper/certutil"
	"github.com/effective-security/p11helper/engine"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11helper/engine", "x509engine")

// Name of the engine
const Name = "x509"

func init() {
	_ = engine.Register(Name, New)
}

type x509Engine struct{}

// New returns engine.Engine
func New() engine.Engine {
	return x509Engine{}
}

func (x509Engine) Name() string {
	return Name
}

func (x509Engine) Init() error {
	return nil
}

func (x509Engine) Uninit() error {
	return nil
}

func (x509Engine) CertificateExpiration(der []byte, now time.Time) (time.Time, bool) {
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		logger.KV(xlog.DEBUG, "reason", "parse", "err", err.Error())
		return time.Time{}, false
	}
	if now.Before(crt.NotBefore) || now.After(crt.NotAfter) {
		return time.Time{}, false
	}
	return crt.NotAfter, true
}

func (x509Engine) CertificateDN(der []byte) (string, bool) {
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		logger.KV(xlog.DEBUG, "reason", "parse", "err", err.Error())
		return "", false
	}
	return certutil.NameToString(&crt.Subject), true
}

func (x509Engine) CertificateIsIssuer(issuer, subject []byte) bool {
	iss, err := x509.ParseCertificate(issuer)
	if err != nil {
		return false
	}
	sub, err := x509.ParseCertificate(subject)
	if err != nil {
		return false
	}
	if !bytes.Equal(iss.RawSubject, sub.RawIssuer) {
		return false
	}
	// CheckSignatureFrom also enforces CA constraints on the issuer,
	// only the signature is verified here
	err = iss.CheckSignature(sub.SignatureAlgorithm, sub.RawTBSCertificate, sub.Signature)
	if err != nil {
		logger.KV(xlog.TRACE, "reason", "signature", "subject", sub.Subject.String(), "err", err.Error())
		return false
	}
	return true
}
