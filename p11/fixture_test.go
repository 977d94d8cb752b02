package p11

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509/pkix"
	"sync"
	"testing"
	"time"

	"github.com/effective-security/p11helper/identity"
	"github.com/effective-security/p11helper/p11/testmodule"
	"github.com/effective-security/p11helper/testca"
	"github.com/stretchr/testify/require"
)

var (
	leafID = []byte{0x01, 0x02}
	rootID = []byte{0xca}

	keyOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

func testKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	return rsaKey
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ctx   *Context
	mod   *testmodule.Module
	tok   *testmodule.Token
	clock *testClock
	root  *testca.Entity
	leaf  *testca.Entity

	mu       sync.Mutex
	pin      string
	prompted [][]byte
	retries  []int
}

// newFixture returns Context with "test" provider, and the token
// inserted in slot 0 unless noToken is set
func newFixture(t *testing.T, noToken bool, opts ...Option) *fixture {
	key := testKey()
	root := testca.NewEntity(
		testca.Authority,
		testca.Subject(pkix.Name{CommonName: "[TEST] Root CA"}),
	)
	leaf := root.Issue(
		testca.Subject(pkix.Name{CommonName: "leaf"}),
		testca.PrivateKey(key),
	)

	f := &fixture{
		mod:   testmodule.New(2),
		clock: &testClock{now: time.Now()},
		root:  root,
		leaf:  leaf,
		pin:   "1234",
	}
	f.tok = testmodule.NewToken("token one", "0001", "1234").
		AddCertificate(leafID, leaf.DER()).
		AddCertificate(rootID, root.DER()).
		AddKey(leafID, key)
	if !noToken {
		f.mod.InsertToken(0, f.tok)
	}

	all := append([]Option{
		WithClock(f.clock.Now),
		WithModuleLoader(func(string) (Module, error) {
			return f.mod, nil
		}),
	}, opts...)

	ctx, err := New(all...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ctx.Terminate()
	})
	f.ctx = ctx

	require.NoError(t, ctx.AddProvider("test", "/memory/test.so", ProviderOptions{}))

	ctx.SetPINPromptHook(f.promptPIN, "global")
	return f
}

func (f *fixture) promptPIN(globalData, userData any, token *identity.Token, retry int) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pin := []byte(f.pin)
	f.prompted = append(f.prompted, pin)
	f.retries = append(f.retries, retry)
	return pin, true
}

func (f *fixture) setPIN(pin string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pin = pin
}

func (f *fixture) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompted)
}

func (f *fixture) token() *identity.Token {
	return &identity.Token{
		Display:      "token one",
		Manufacturer: "p11helper",
		Model:        "memory",
		Serial:       "0001",
		Label:        "token one",
	}
}

func (f *fixture) certID() *identity.Certificate {
	return &identity.Certificate{
		Token:   f.token(),
		ID:      leafID,
		Display: "leaf",
	}
}

func (f *fixture) certificate(t *testing.T, mask PromptMask, period time.Duration) *Certificate {
	c, err := f.ctx.NewCertificate(f.certID(), "user", mask, period)
	require.NoError(t, err)
	t.Cleanup(c.Free)
	return c
}
