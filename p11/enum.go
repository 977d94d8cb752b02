package p11

import (
	"bytes"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11helper/engine"
	"github.com/effective-security/p11helper/identity"
	"github.com/effective-security/p11helper/metricskey"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// EnumMethod specifies how cached tokens and certificates are used
// by enumeration
type EnumMethod int

// Enumeration methods
const (
	// EnumCache returns cached values, including tokens that are not present
	EnumCache EnumMethod = iota
	// EnumCacheExist returns cached values of present tokens only
	EnumCacheExist
	// EnumReload reads all values from present tokens
	EnumReload
)

// String returns the method name
func (m EnumMethod) String() string {
	switch m {
	case EnumCache:
		return "cache"
	case EnumCacheExist:
		return "cache_exist"
	case EnumReload:
		return "reload"
	default:
		return "unknown"
	}
}

// ParseEnumMethod returns EnumMethod by name
func ParseEnumMethod(name string) (EnumMethod, error) {
	switch name {
	case "", "cache":
		return EnumCache, nil
	case "cache_exist":
		return EnumCacheExist, nil
	case "reload":
		return EnumReload, nil
	default:
		return EnumCache, errors.WithMessagef(ErrInvalidArgument, "unknown enumeration method %q", name)
	}
}

// liveTokens returns identities of tokens present in enabled providers
func (c *Context) liveTokens() []*identity.Token {
	var res []*identity.Token
	for _, p := range c.providerList() {
		if !p.enabled.Load() {
			continue
		}
		res = appendProviderTokens(c, p, res)
	}
	return res
}

func appendProviderTokens(c *Context, p *Provider, res []*identity.Token) []*identity.Token {
	defer metricskey.PerfTokenEnum.MeasureSince(time.Now(), p.name, "tokens")

	slots, err := p.module.GetSlotList(true)
	if err != nil {
		c.log(xlog.WARNING, "reason", "slot_list", "provider", p.name, "err", err.Error())
		return res
	}
	for _, slot := range slots {
		ti, err := p.module.GetTokenInfo(slot)
		if err != nil {
			c.log(xlog.DEBUG, "reason", "token_info", "provider", p.name, "slot", slot, "err", err.Error())
			continue
		}
		res = appendToken(res, identity.NewToken(ti))
	}
	return res
}

func appendToken(list []*identity.Token, t *identity.Token) []*identity.Token {
	if containsToken(list, t) {
		return list
	}
	return append(list, t)
}

func containsToken(list []*identity.Token, t *identity.Token) bool {
	for _, o := range list {
		if o.Equal(t) {
			return true
		}
	}
	return false
}

// EnumTokenIDs returns identities of present tokens,
// and with EnumCache also of the tokens that have sessions
func (c *Context) EnumTokenIDs(method EnumMethod) ([]*identity.Token, error) {
	if err := c.checkActive(); err != nil {
		return nil, err
	}

	res := c.liveTokens()
	if method == EnumCache {
		for _, s := range c.sessionList() {
			res = appendToken(res, s.token.Clone())
		}
	}
	return res, nil
}

// EnumCertificateIDs returns identities of certificates on all tokens,
// split to issuers and end-entities
func (c *Context) EnumCertificateIDs(method EnumMethod, userData any, mask PromptMask) (issuers, ends []*identity.Certificate, err error) {
	if err = c.checkActive(); err != nil {
		return nil, nil, err
	}

	live := c.liveTokens()
	tokens := live
	if method == EnumCache {
		for _, s := range c.sessionList() {
			tokens = appendToken(tokens, s.token)
		}
	}

	sessions := make([]*Session, 0, len(tokens))
	for _, t := range tokens {
		sessions = append(sessions, c.getSession(t))
	}
	defer func() {
		for _, s := range sessions {
			s.release()
		}
	}()

	var all []*identity.Certificate

	c.certLock.Lock()
	defer c.certLock.Unlock()

	for _, s := range sessions {
		present := containsToken(live, s.token)

		s.mu.Lock()
		certs, lerr := s.certificates(present, method, userData, mask)
		s.mu.Unlock()

		if lerr != nil {
			if errors.Is(lerr, ErrUserCancelled) {
				return nil, nil, lerr
			}
			c.log(xlog.WARNING, "reason", "enum_certificates", "token", s.token.Display, "err", lerr.Error())
			continue
		}
		all = append(all, certs...)
	}

	issuers, ends = splitCertificateIDs(c.engine, all)
	return issuers, ends, nil
}

// EnumTokenCertificateIDs returns identities of certificates on the token,
// split to issuers and end-entities
func (c *Context) EnumTokenCertificateIDs(token *identity.Token, method EnumMethod, userData any, mask PromptMask) (issuers, ends []*identity.Certificate, err error) {
	if err = c.checkActive(); err != nil {
		return nil, nil, err
	}
	if token == nil {
		return nil, nil, errors.WithMessage(ErrInvalidArgument, "token is required")
	}

	present := containsToken(c.liveTokens(), token)

	s := c.getSession(token)
	defer s.release()

	c.certLock.Lock()
	defer c.certLock.Unlock()

	s.mu.Lock()
	certs, err := s.certificates(present, method, userData, mask)
	s.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	issuers, ends = splitCertificateIDs(c.engine, certs)
	return issuers, ends, nil
}

// certificates returns copies of the cached certificates, loading them
// from a present token when not cached or reload is requested.
// Must be called with c.certLock and s.mu held.
func (s *Session) certificates(present bool, method EnumMethod, userData any, mask PromptMask) ([]*identity.Certificate, error) {
	if !present {
		if method == EnumCache && s.certsLoaded {
			return cloneCertificates(s.certs), nil
		}
		return nil, nil
	}

	if !s.certsLoaded || method == EnumReload {
		if err := s.loadCertificates(userData, mask); err != nil {
			return nil, err
		}
	}
	return cloneCertificates(s.certs), nil
}

// loadCertificates reads all certificate objects from the token.
// Must be called with c.certLock and s.mu held.
func (s *Session) loadCertificates(userData any, mask PromptMask) error {
	c := s.ctx

	if err := s.validate(); err != nil {
		if err = s.login(true, true, userData, mask); err != nil {
			return err
		}
	}

	defer metricskey.PerfTokenEnum.MeasureSince(time.Now(), s.providerName(), "certificates")

	handles, err := s.findObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	})
	if err != nil {
		return err
	}

	m := s.provider.module
	var certs []*identity.Certificate
	for _, h := range handles {
		attrs, err := m.GetAttributeValue(s.handle, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil {
			c.log(xlog.DEBUG, "reason", "certificate_attributes", "token", s.token.Display, "handle", uint(h), "err", err.Error())
			continue
		}

		var id, blob []byte
		for _, a := range attrs {
			switch a.Type {
			case pkcs11.CKA_ID:
				id = a.Value
			case pkcs11.CKA_VALUE:
				blob = a.Value
			}
		}
		if len(id) == 0 || len(blob) == 0 {
			continue
		}

		idx := -1
		for i, cert := range certs {
			if bytes.Equal(cert.ID, id) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			if isBetterCertificate(c.engine, c.Now(), certs[idx].Blob, blob) {
				certs[idx].Blob = blob
				certs[idx].Display = s.certificateDisplay(id, blob)
			}
			continue
		}

		certs = append(certs, &identity.Certificate{
			Token:   s.token.Clone(),
			ID:      id,
			Blob:    blob,
			Display: s.certificateDisplay(id, blob),
		})
	}

	s.certs = certs
	s.certsLoaded = true

	c.log(xlog.DEBUG, "status", "certificates_loaded", "token", s.token.Display, "count", len(certs))
	return nil
}

func (s *Session) certificateDisplay(id, blob []byte) string {
	if dn, ok := s.ctx.engine.CertificateDN(blob); ok {
		return dn + " on " + s.token.Display
	}
	return (&identity.Certificate{Token: s.token, ID: id}).HexID()
}

func cloneCertificates(list []*identity.Certificate) []*identity.Certificate {
	res := make([]*identity.Certificate, 0, len(list))
	for _, c := range list {
		res = append(res, c.Clone())
	}
	return res
}

// isBetterCertificate returns true if candidate should replace current,
// a certificate valid now with the later expiration is preferred
func isBetterCertificate(e engine.Engine, now time.Time, current, candidate []byte) bool {
	if len(current) == 0 {
		return true
	}
	candExpire, ok := e.CertificateExpiration(candidate, now)
	if !ok {
		return false
	}
	curExpire, ok := e.CertificateExpiration(current, now)
	if !ok {
		return true
	}
	return candExpire.After(curExpire)
}

// splitCertificateIDs returns certificates that issued any other certificate
// in the list, and the rest
func splitCertificateIDs(e engine.Engine, list []*identity.Certificate) (issuers, ends []*identity.Certificate) {
	for i, cert := range list {
		isIssuer := false
		for j, sub := range list {
			if i != j && e.CertificateIsIssuer(cert.Blob, sub.Blob) {
				isIssuer = true
				break
			}
		}
		if isIssuer {
			issuers = append(issuers, cert)
		} else {
			ends = append(ends, cert)
		}
	}
	return issuers, ends
}
