package cli

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509/pkix"
	"strings"
	"sync"

	"github.com/alecthomas/kong"
	"github.com/effective-security/p11helper/p11"
	"github.com/effective-security/p11helper/p11/testmodule"
	"github.com/effective-security/p11helper/testca"
	"github.com/effective-security/x/ctl"
	"github.com/stretchr/testify/suite"
)

const (
	tokenID = `p11helper/memory/0001/token\x20one`
	leafID  = tokenID + "/0102"
	rootID  = tokenID + "/CA"
)

var (
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

type testSuite struct {
	suite.Suite

	ctl *Cli
	// Out is the outpub buffer
	Out bytes.Buffer
	// Err is the buffer of prompts and errors
	Err bytes.Buffer

	mod  *testmodule.Module
	root *testca.Entity
	leaf *testca.Entity
}

func (s *testSuite) SetupTest() {
	s.Out.Reset()
	s.Err.Reset()
	s.ctl = &Cli{}

	s.ctl.WithErrWriter(&s.Err).
		WithWriter(&s.Out).
		WithReader(strings.NewReader(""))

	parser, err := kong.New(s.ctl,
		kong.Name("p11-tool"),
		kong.Description("CLI tool for PKCS#11 tokens and certificates"),
		kong.Writers(&s.Out, &s.Out),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		s.FailNow("unexpected error constructing Kong: %+v", err)
	}

	_, err = parser.Parse([]string{"--pin=1234"})
	if err != nil {
		s.FailNow("unexpected error parsing: %+v", err)
	}

	s.root = testca.NewEntity(
		testca.Authority,
		testca.Subject(pkix.Name{CommonName: "[TEST] Root CA"}),
	)
	s.leaf = s.root.Issue(
		testca.Subject(pkix.Name{CommonName: "leaf"}),
		testca.PrivateKey(testKey()),
	)

	s.mod = testmodule.New(1)
	s.mod.InsertToken(0, testmodule.NewToken("token one", "0001", "1234").
		AddCertificate([]byte{0x01, 0x02}, s.leaf.DER()).
		AddCertificate([]byte{0xca}, s.root.DER()).
		AddKey([]byte{0x01, 0x02}, testKey()))

	ctx, err := p11.New(p11.WithModuleLoader(func(string) (p11.Module, error) {
		return s.mod, nil
	}))
	s.Require().NoError(err)
	s.Require().NoError(ctx.AddProvider("test", "/memory/test.so", p11.ProviderOptions{}))
	s.ctl.setContext(ctx)
}

func (s *testSuite) TearDownTest() {
	s.ctl.Close()
}

// HasText is a helper method to assert that the out stream contains the supplied
// text somewhere
func (s *testSuite) HasText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.Contains(outStr, t)
	}
}

// HasNoText is a helper method to assert that the out stream does not contain
// the supplied text
func (s *testSuite) HasNoText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.NotContains(outStr, t)
	}
}
