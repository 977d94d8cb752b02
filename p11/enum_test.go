package p11

import (
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11helper/engine/x509engine"
	"github.com/effective-security/p11helper/identity"
	"github.com/effective-security/p11helper/p11/testmodule"
	"github.com/effective-security/p11helper/testca"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumMethod(t *testing.T) {
	for _, m := range []EnumMethod{EnumCache, EnumCacheExist, EnumReload} {
		parsed, err := ParseEnumMethod(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
	_, err := ParseEnumMethod("all")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestEnumTokenIDs(t *testing.T) {
	f := newFixture(t, false)

	tokens, err := f.ctx.EnumTokenIDs(EnumCache)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.True(t, f.token().Equal(tokens[0]))
	assert.Equal(t, "token one", tokens[0].Display)

	// the same token in two slots is listed once
	f.mod.InsertToken(1, f.tok)
	tokens, err = f.ctx.EnumTokenIDs(EnumReload)
	require.NoError(t, err)
	assert.Len(t, tokens, 1)

	f.mod.RemoveToken(0)
	f.mod.RemoveToken(1)

	tokens, err = f.ctx.EnumTokenIDs(EnumCache)
	require.NoError(t, err)
	assert.Empty(t, tokens, "no sessions are cached yet")

	s := f.ctx.getSession(f.token())
	s.release()

	tokens, err = f.ctx.EnumTokenIDs(EnumCache)
	require.NoError(t, err)
	assert.Len(t, tokens, 1)

	tokens, err = f.ctx.EnumTokenIDs(EnumCacheExist)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestEnumCertificateIDs(t *testing.T) {
	f := newFixture(t, false)

	issuers, ends, err := f.ctx.EnumCertificateIDs(EnumCache, nil, PromptNone)
	require.NoError(t, err)
	require.Len(t, issuers, 1)
	require.Len(t, ends, 1)

	assert.Equal(t, rootID, issuers[0].ID)
	assert.Equal(t, "/CN=[TEST] Root CA on token one", issuers[0].Display)
	assert.Equal(t, f.root.DER(), issuers[0].Blob)

	assert.Equal(t, leafID, ends[0].ID)
	assert.Equal(t, "/CN=leaf on token one", ends[0].Display)
	assert.True(t, f.certID().Equal(ends[0]))
	assert.Equal(t, 0, f.promptCount())

	finds := f.mod.Calls("FindObjectsInit")
	_, _, err = f.ctx.EnumCertificateIDs(EnumCacheExist, nil, PromptNone)
	require.NoError(t, err)
	assert.Equal(t, finds, f.mod.Calls("FindObjectsInit"), "cached certificates are used")

	_, _, err = f.ctx.EnumCertificateIDs(EnumReload, nil, PromptNone)
	require.NoError(t, err)
	assert.Equal(t, finds+1, f.mod.Calls("FindObjectsInit"))

	// the returned identities are copies
	ends[0].Display = "changed"
	_, ends, err = f.ctx.EnumCertificateIDs(EnumCache, nil, PromptNone)
	require.NoError(t, err)
	assert.Equal(t, "/CN=leaf on token one", ends[0].Display)

	f.mod.RemoveToken(0)

	issuers, ends, err = f.ctx.EnumCertificateIDs(EnumCache, nil, PromptNone)
	require.NoError(t, err)
	assert.Len(t, issuers, 1)
	assert.Len(t, ends, 1)

	issuers, ends, err = f.ctx.EnumCertificateIDs(EnumCacheExist, nil, PromptNone)
	require.NoError(t, err)
	assert.Empty(t, issuers)
	assert.Empty(t, ends)

	_, _, err = f.ctx.EnumCertificateIDs(EnumReload, nil, PromptNone)
	require.NoError(t, err)
}

func TestEnumTokenCertificateIDs(t *testing.T) {
	f := newFixture(t, false)

	_, _, err := f.ctx.EnumTokenCertificateIDs(nil, EnumCache, nil, PromptNone)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	issuers, ends, err := f.ctx.EnumTokenCertificateIDs(f.token(), EnumReload, nil, PromptNone)
	require.NoError(t, err)
	assert.Len(t, issuers, 1)
	assert.Len(t, ends, 1)

	unknown := &identity.Token{Label: "unknown"}
	issuers, ends, err = f.ctx.EnumTokenCertificateIDs(unknown, EnumCache, nil, PromptNone)
	require.NoError(t, err)
	assert.Empty(t, issuers)
	assert.Empty(t, ends)
}

func TestEnumCertificatesPrivate(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.ctx.RemoveProvider("test"))
	require.NoError(t, f.ctx.AddProvider("private", "/memory/private.so", ProviderOptions{
		CertIsPrivate: true,
	}))

	_, ends, err := f.ctx.EnumCertificateIDs(EnumReload, nil, PromptAllowPIN)
	require.NoError(t, err)
	assert.Len(t, ends, 1)
	assert.Equal(t, 1, f.promptCount())

	f.ctx.SetPINPromptHook(func(globalData, userData any, token *identity.Token, retry int) ([]byte, bool) {
		return nil, false
	}, nil)
	require.NoError(t, f.ctx.Logout(f.token()))
	_, _, err = f.ctx.EnumCertificateIDs(EnumReload, nil, PromptAllowPIN)
	assert.Equal(t, ErrUserCancelled, err)
}

func TestEnumDuplicateCertificates(t *testing.T) {
	f := newFixture(t, true)

	now := f.clock.Now()
	expired := f.root.Issue(
		testca.Subject(pkix.Name{CommonName: "leaf expired"}),
		testca.PrivateKey(testKey()),
		testca.NotBefore(now.Add(-48*time.Hour)),
		testca.NotAfter(now.Add(-24*time.Hour)),
	)
	f.tok.AddCertificate(leafID, expired.DER())
	f.mod.InsertToken(0, f.tok)

	_, ends, err := f.ctx.EnumCertificateIDs(EnumReload, nil, PromptNone)
	require.NoError(t, err)
	require.Len(t, ends, 1)
	assert.Equal(t, f.leaf.DER(), ends[0].Blob)
	assert.Equal(t, "/CN=leaf on token one", ends[0].Display)
}

func TestIsBetterCertificate(t *testing.T) {
	e := x509engine.New()
	now := time.Now()

	root := testca.NewEntity(testca.Authority)
	valid := root.Issue(
		testca.NotBefore(now.Add(-time.Hour)),
		testca.NotAfter(now.Add(time.Hour)),
	).DER()
	later := root.Issue(
		testca.NotBefore(now.Add(-time.Hour)),
		testca.NotAfter(now.Add(2*time.Hour)),
	).DER()
	expired := root.Issue(
		testca.NotBefore(now.Add(-2*time.Hour)),
		testca.NotAfter(now.Add(-time.Hour)),
	).DER()
	future := root.Issue(
		testca.NotBefore(now.Add(time.Hour)),
		testca.NotAfter(now.Add(3*time.Hour)),
	).DER()

	assert.True(t, isBetterCertificate(e, now, nil, expired))

	for _, invalid := range [][]byte{expired, future, []byte("garbage")} {
		// the valid one is selected in both orders
		assert.False(t, isBetterCertificate(e, now, valid, invalid))
		assert.True(t, isBetterCertificate(e, now, invalid, valid))
	}

	assert.True(t, isBetterCertificate(e, now, valid, later))
	assert.False(t, isBetterCertificate(e, now, later, valid))
	assert.False(t, isBetterCertificate(e, now, valid, valid))
	assert.False(t, isBetterCertificate(e, now, expired, future))
}

func TestSplitCertificateIDs(t *testing.T) {
	e := x509engine.New()

	root := testca.NewEntity(testca.Authority, testca.Subject(pkix.Name{CommonName: "root"}))
	inter := root.Issue(testca.Authority, testca.Subject(pkix.Name{CommonName: "inter"}))
	leaf1 := inter.Issue(testca.Subject(pkix.Name{CommonName: "leaf1"}))
	leaf2 := root.Issue(testca.Subject(pkix.Name{CommonName: "leaf2"}))
	other := testca.NewEntity(testca.Authority, testca.Subject(pkix.Name{CommonName: "other"}))

	list := []*identity.Certificate{
		{ID: []byte{1}, Blob: leaf1.DER()},
		{ID: []byte{2}, Blob: inter.DER()},
		{ID: []byte{3}, Blob: root.DER()},
		{ID: []byte{4}, Blob: leaf2.DER()},
		{ID: []byte{5}, Blob: other.DER()},
	}

	issuers, ends := splitCertificateIDs(e, list)

	ids := func(list []*identity.Certificate) []byte {
		var res []byte
		for _, c := range list {
			res = append(res, c.ID...)
		}
		return res
	}
	assert.Equal(t, []byte{2, 3}, ids(issuers))
	// a self-signed certificate that issued nothing else is an end-entity
	assert.Equal(t, []byte{1, 4, 5}, ids(ends))
}

func TestLoadCertificatesSkipsBrokenObjects(t *testing.T) {
	f := newFixture(t, false)
	// a certificate without CKA_ID is not listed
	f.tok.AddObject(&testmodule.Object{
		Class: pkcs11.CKO_CERTIFICATE,
		Value: f.leaf.DER(),
	})
	f.mod.InsertToken(0, f.tok)

	s := f.ctx.getSession(f.token())
	defer s.release()
	f.ctx.certLock.Lock()
	defer f.ctx.certLock.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	require.NoError(t, s.loadCertificates(nil, PromptNone))
	assert.Len(t, s.certs, 2)

	f.mod.Fail("GetAttributeValue", pkcs11.CKR_GENERAL_ERROR, 1)
	require.NoError(t, s.loadCertificates(nil, PromptNone))
	assert.Len(t, s.certs, 1)
}
