// Package testca issues certificates for tests.
//
//	root := testca.NewEntity(testca.Authority)
//	leaf := root.Issue(testca.Subject(pkix.Name{CommonName: "leaf"}))
package testca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/effective-security/p11helper/certutil"
)

// Entity is a certificate and private key
type Entity struct {
	Subject       pkix.Name
	Issuer        *Entity
	PrivateKey    crypto.Signer
	Certificate   *x509.Certificate
	NextSN        int64
	IsCA          bool
	NotBefore     time.Time
	NotAfter      time.Time
	KeyUsage      x509.KeyUsage
	ExtKeyUsage   []x509.ExtKeyUsage
	DNSNames      []string
	IPAddresses   []net.IP
	SignatureAlgo x509.SignatureAlgorithm
}

// Option for entity
type Option func(*Entity)

// NewEntity creates a new self-signed entity, unless Issuer option is provided
func NewEntity(opts ...Option) *Entity {
	e := &Entity{
		Subject:   pkix.Name{CommonName: "[TEST] Entity"},
		NextSN:    1,
		NotBefore: time.Now().Add(-time.Hour).UTC(),
		NotAfter:  time.Now().Add(24 * time.Hour).UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.PrivateKey == nil {
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic(err)
		}
		e.PrivateKey = k
	}

	e.Certificate = e.sign()
	return e
}

// Issue a new certificate by the entity
func (e *Entity) Issue(opts ...Option) *Entity {
	return NewEntity(append([]Option{Issuer(e)}, opts...)...)
}

func (e *Entity) sign() *x509.Certificate {
	issuer := e
	if e.Issuer != nil {
		issuer = e.Issuer
	}

	sn := big.NewInt(issuer.NextSN)
	issuer.NextSN++

	template := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               e.Subject,
		NotBefore:             e.NotBefore,
		NotAfter:              e.NotAfter,
		KeyUsage:              e.KeyUsage,
		ExtKeyUsage:           e.ExtKeyUsage,
		DNSNames:              e.DNSNames,
		IPAddresses:           e.IPAddresses,
		BasicConstraintsValid: true,
		IsCA:                  e.IsCA,
		SignatureAlgorithm:    e.SignatureAlgo,
	}
	if e.IsCA && template.KeyUsage == 0 {
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	}

	parent := template
	if e.Issuer != nil {
		parent = e.Issuer.Certificate
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, e.PrivateKey.Public(), issuer.PrivateKey)
	if err != nil {
		panic(err)
	}

	crt, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return crt
}

// Chain returns the certificate chain, leaf first
func (e *Entity) Chain() []*x509.Certificate {
	var chain []*x509.Certificate
	for c := e; c != nil; c = c.Issuer {
		chain = append(chain, c.Certificate)
	}
	return chain
}

// ChainPool returns a pool of the issuers of the entity
func (e *Entity) ChainPool() *x509.CertPool {
	pool := x509.NewCertPool()
	for c := e; c != nil; c = c.Issuer {
		pool.AddCert(c.Certificate)
	}
	return pool
}

// DER returns raw certificate
func (e *Entity) DER() []byte {
	return e.Certificate.Raw
}

// PEM returns PEM encoded certificate
func (e *Entity) PEM() string {
	pem, err := certutil.EncodeToPEMString(false, e.Certificate)
	if err != nil {
		panic(err)
	}
	return pem
}

// Authority option marks the entity as CA
func Authority(e *Entity) {
	e.IsCA = true
}

// Subject option
func Subject(value pkix.Name) Option {
	return func(e *Entity) {
		e.Subject = value
	}
}

// Issuer option
func Issuer(value *Entity) Option {
	return func(e *Entity) {
		e.Issuer = value
	}
}

// PrivateKey option
func PrivateKey(value crypto.Signer) Option {
	return func(e *Entity) {
		e.PrivateKey = value
	}
}

// NextSerialNumber option
func NextSerialNumber(value int64) Option {
	return func(e *Entity) {
		e.NextSN = value
	}
}

// NotBefore option
func NotBefore(value time.Time) Option {
	return func(e *Entity) {
		e.NotBefore = value
	}
}

// NotAfter option
func NotAfter(value time.Time) Option {
	return func(e *Entity) {
		e.NotAfter = value
	}
}

// KeyUsage option
func KeyUsage(value x509.KeyUsage) Option {
	return func(e *Entity) {
		e.KeyUsage = value
	}
}

// ExtKeyUsage option
func ExtKeyUsage(value ...x509.ExtKeyUsage) Option {
	return func(e *Entity) {
		e.ExtKeyUsage = append(e.ExtKeyUsage, value...)
	}
}

// DNSName option accepts host names and IP addresses
func DNSName(value ...string) Option {
	return func(e *Entity) {
		for _, v := range value {
			if ip := net.ParseIP(v); ip != nil {
				e.IPAddresses = append(e.IPAddresses, ip)
			} else {
				e.DNSNames = append(e.DNSNames, v)
			}
		}
	}
}

// SignatureAlgorithm option
func SignatureAlgorithm(value x509.SignatureAlgorithm) Option {
	return func(e *Entity) {
		e.SignatureAlgo = value
	}
}
