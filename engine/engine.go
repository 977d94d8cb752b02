// Package engine defines the certificate parsing back-end used by the
// token layer, and a registry of named implementations.
//
// An implementation registers itself from init(), and the caller selects
// one by name when building a p11.Context:
//
//	import _ "github.com/effective-security/p11helper/engine/x509engine"
//
//	e, err := engine.New("x509")
package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultName is the name of the engine used when none is configured
const DefaultName = "x509"

// Engine provides certificate parsing and validation
type Engine interface {
	// Name returns the registered name of the engine
	Name() string
	// Init is called once before the engine is used
	Init() error
	// Uninit is called once when the engine is released
	Uninit() error
	// CertificateExpiration returns NotAfter of the DER encoded certificate,
	// only if now is within its validity period
	CertificateExpiration(der []byte, now time.Time) (time.Time, bool)
	// CertificateDN returns human readable Subject of the DER encoded certificate
	CertificateDN(der []byte) (string, bool)
	// CertificateIsIssuer returns true if issuer's Subject matches
	// the subject's Issuer, and the subject signature verifies
	// with the issuer's key
	CertificateIsIssuer(issuer, subject []byte) bool
}

// Factory creates an instance of Engine
type Factory func() Engine

var (
	lockFactories sync.RWMutex
	factories     = make(map[string]Factory)
)

// Register engine factory by name
func Register(name string, factory Factory) error {
	lockFactories.Lock()
	defer lockFactories.Unlock()

	if _, ok := factories[name]; ok {
		return errors.Errorf("already registered: %s", name)
	}

	factories[name] = factory
	return nil
}

// Unregister engine factory by name
func Unregister(name string) (Factory, error) {
	lockFactories.Lock()
	defer lockFactories.Unlock()

	if f, ok := factories[name]; ok {
		delete(factories, name)
		return f, nil
	}

	return nil, errors.Errorf("not registered: %s", name)
}

// Registered returns sorted names of registered engines
func Registered() []string {
	lockFactories.RLock()
	defer lockFactories.RUnlock()

	list := make([]string, 0, len(factories))
	for name := range factories {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// New returns a new instance of the named engine
func New(name string) (Engine, error) {
	if name == "" {
		name = DefaultName
	}

	lockFactories.RLock()
	f, ok := factories[name]
	lockFactories.RUnlock()

	if !ok {
		return nil, errors.Errorf("engine not registered: %s", name)
	}
	return f(), nil
}
