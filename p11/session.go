package p11

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11helper/identity"
	"github.com/effective-security/p11helper/metricskey"
	"github.com/effective-security/p11helper/x/secret"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

const (
	invalidSessionHandle = pkcs11.SessionHandle(^uint(0))
	invalidObjectHandle  = pkcs11.ObjectHandle(^uint(0))

	findObjectsBatch = 10
)

// SessionState is the state of a token session
type SessionState int

// Session states
const (
	// SessionUnbound is not bound to a provider
	SessionUnbound SessionState = iota
	// SessionBoundNotLoggedIn is bound to a provider, and has no open session
	SessionBoundNotLoggedIn
	// SessionLoggedIn has an open session
	SessionLoggedIn
)

// String returns the state name
func (s SessionState) String() string {
	switch s {
	case SessionBoundNotLoggedIn:
		return "bound"
	case SessionLoggedIn:
		return "logged_in"
	default:
		return "unbound"
	}
}

// Session is the state of one token, shared by all certificates on it
type Session struct {
	ctx   *Context
	token *identity.Token
	refs  atomic.Int32

	mu sync.Mutex
	// provider is sticky, once bound the session never moves to another one
	provider       *Provider
	slot           uint
	handle         pkcs11.SessionHandle
	pinCachePeriod time.Duration
	pinExpire      time.Time
	protectedAuth  bool
	// generation changes on each login and logout,
	// object handles of an older generation are invalid
	generation uint64

	certs       []*identity.Certificate
	certsLoaded bool
}

// Token returns the token identity
func (s *Session) Token() *identity.Token {
	return s.token
}

// Refs returns the number of references
func (s *Session) Refs() int {
	return int(s.refs.Load())
}

// State returns the current state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

func (s *Session) state() SessionState {
	switch {
	case s.handle != invalidSessionHandle:
		return SessionLoggedIn
	case s.provider != nil:
		return SessionBoundNotLoggedIn
	default:
		return SessionUnbound
	}
}

func (s *Session) providerName() string {
	if s.provider == nil {
		return "none"
	}
	return s.provider.name
}

// getSession returns the session of the token, and increments its references
func (c *Context) getSession(token *identity.Token) *Session {
	c.sessLock.Lock()
	defer c.sessLock.Unlock()

	for _, s := range c.sessions {
		if s.token.Equal(token) {
			s.refs.Add(1)
			return s
		}
	}

	s := &Session{
		ctx:            c,
		token:          token.Clone(),
		handle:         invalidSessionHandle,
		pinCachePeriod: c.PINCachePeriod(),
	}
	s.refs.Store(1)
	c.sessions = append([]*Session{s}, c.sessions...)

	c.log(xlog.DEBUG, "status", "new_session", "token", token.Display)
	return s
}

// sessionList returns a snapshot of the session table
func (c *Context) sessionList() []*Session {
	c.sessLock.Lock()
	defer c.sessLock.Unlock()
	return slices.Clone(c.sessions)
}

// release decrements the references.
// The session is kept, with its login and cached certificates,
// until the Context is terminated or PurgeUnreferencedSessions is called.
func (s *Session) release() {
	if s.refs.Add(-1) < 0 {
		logger.KV(xlog.ERROR, "reason", "refs_underflow", "token", s.token.Display)
	}
}

// PurgeUnreferencedSessions logs out and removes sessions without references,
// and returns the number of removed sessions
func (c *Context) PurgeUnreferencedSessions() int {
	c.sessLock.Lock()
	defer c.sessLock.Unlock()

	kept := c.sessions[:0]
	removed := 0
	for _, s := range c.sessions {
		if s.refs.Load() > 0 {
			kept = append(kept, s)
			continue
		}
		s.mu.Lock()
		s.logout()
		s.mu.Unlock()
		removed++
	}
	clear(c.sessions[len(kept):])
	c.sessions = kept
	return removed
}

// Session returns the session of the token, if exists
func (c *Context) Session(token *identity.Token) *Session {
	c.sessLock.Lock()
	defer c.sessLock.Unlock()

	for _, s := range c.sessions {
		if s.token.Equal(token) {
			return s
		}
	}
	return nil
}

// Logout logs out the session of the token
func (c *Context) Logout(token *identity.Token) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	s := c.Session(token)
	if s == nil {
		return errors.WithMessagef(ErrSessionInvalid, "no session for token %q", token.Display)
	}
	s.mu.Lock()
	s.logout()
	s.mu.Unlock()
	return nil
}

// ResetSession logs out the session of the token, and unbinds it from
// a provider that is no longer registered, so the next operation
// discovers the token again
func (c *Context) ResetSession(token *identity.Token) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	s := c.Session(token)
	if s == nil {
		return errors.WithMessagef(ErrSessionInvalid, "no session for token %q", token.Display)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logout()
	if s.provider != nil && !s.provider.enabled.Load() {
		s.provider = nil
	}
	return nil
}

// reset finds the slot of the token, prompting for the token if allowed.
// Must be called with s.mu held.
func (s *Session) reset(userData any, mask PromptMask) (uint, error) {
	c := s.ctx

	for retry := 0; ; retry++ {
		for _, p := range c.providerList() {
			if !p.enabled.Load() || (s.provider != nil && s.provider != p) {
				continue
			}

			slots, err := p.module.GetSlotList(true)
			if err != nil {
				c.log(xlog.DEBUG, "reason", "slot_list", "provider", p.name, "err", err.Error())
				continue
			}

			for _, slot := range slots {
				ti, err := p.module.GetTokenInfo(slot)
				if err != nil {
					c.log(xlog.DEBUG, "reason", "token_info", "provider", p.name, "slot", slot, "err", err.Error())
					continue
				}
				if !identity.NewToken(ti).Equal(s.token) {
					continue
				}

				if s.provider == nil {
					s.provider = p
				}
				s.slot = slot
				s.protectedAuth = ti.Flags&pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH != 0

				c.log(xlog.DEBUG, "status", "token_found",
					"token", s.token.Display,
					"provider", p.name,
					"slot", slot)
				return slot, nil
			}
		}

		if s.provider != nil && !s.provider.enabled.Load() {
			return 0, errors.WithMessagef(ErrProviderUnavailable, "provider %q is not registered", s.provider.name)
		}
		if mask&PromptAllowToken == 0 {
			return 0, errors.WithMessagef(ErrTokenNotPresent, "token %q", s.token.Display)
		}
		if !c.promptToken(userData, s.token, retry) {
			c.log(xlog.DEBUG, "reason", "token_prompt_cancelled", "token", s.token.Display)
			return 0, ErrUserCancelled
		}
	}
}

// login opens a new session, and authenticates unless only public objects
// are required. Must be called with s.mu held.
func (s *Session) login(publicOnly, readOnly bool, userData any, mask PromptMask) error {
	c := s.ctx

	s.logout()

	slot, err := s.reset(userData, mask)
	if err != nil {
		return err
	}

	p := s.provider
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), p.name, "login")

	flags := uint(pkcs11.CKF_SERIAL_SESSION)
	if !readOnly {
		flags |= pkcs11.CKF_RW_SESSION
	}
	h, err := p.module.OpenSession(slot, flags)
	if err != nil {
		return wrapRV(err, "C_OpenSession")
	}
	s.handle = h
	s.generation++

	if !publicOnly || p.opts.CertIsPrivate {
		if err = s.authenticate(userData, mask); err != nil {
			s.logout()
			if !isQuiet(err) {
				c.log(xlog.ERROR, "reason", "login", "token", s.token.Display, "err", err.Error())
			}
			return err
		}
	}

	c.log(xlog.DEBUG, "status", "logged_in",
		"token", s.token.Display,
		"public_only", publicOnly,
		"read_only", readOnly)
	return nil
}

// authenticate performs C_Login with PIN or on the token's PIN pad.
// Must be called with s.mu held.
func (s *Session) authenticate(userData any, mask PromptMask) error {
	c := s.ctx
	p := s.provider

	useProtected := s.protectedAuth && c.ProtectedAuthentication() && p.opts.ProtectedAuthentication

	var lastErr error
	for retry := 0; retry < c.MaxLoginRetries(); retry++ {
		var pin []byte
		if !useProtected {
			if mask&PromptAllowPIN == 0 {
				return errors.WithMessagef(ErrLoginFailed, "PIN prompt is not allowed for token %q", s.token.Display)
			}
			var ok bool
			pin, ok = c.promptPIN(userData, s.token, retry)
			if !ok {
				c.log(xlog.DEBUG, "reason", "pin_prompt_cancelled", "token", s.token.Display)
				return ErrUserCancelled
			}
		}

		// a slow prompt must not extend the cache window
		s.touchPINExpire()

		err := p.module.Login(s.handle, pkcs11.CKU_USER, pin)
		secret.Zero(pin)

		if err == nil || RV(err) == pkcs11.CKR_USER_ALREADY_LOGGED_IN {
			return nil
		}

		lastErr = wrapRV(err, "C_Login")
		if !isPINError(lastErr) {
			return errors.Mark(lastErr, ErrLoginFailed)
		}
		c.log(xlog.NOTICE, "reason", "pin", "token", s.token.Display, "retry", retry, "err", lastErr.Error())
	}
	return lastErr
}

func (s *Session) touchPINExpire() {
	if s.pinCachePeriod == PINCacheInfinite {
		s.pinExpire = time.Time{}
		return
	}
	s.pinExpire = s.ctx.Now().Add(s.pinCachePeriod)
}

// validate checks that the session is open, and the PIN cache is not expired.
// An expired session is logged out. Must be called with s.mu held.
func (s *Session) validate() error {
	if s.provider == nil || s.handle == invalidSessionHandle {
		return ErrSessionInvalid
	}
	if !s.provider.enabled.Load() {
		return errors.WithMessagef(ErrSessionInvalid, "provider %q is not registered", s.provider.name)
	}
	if s.pinCachePeriod != PINCacheInfinite &&
		!s.pinExpire.IsZero() &&
		s.ctx.Now().After(s.pinExpire) {
		s.ctx.log(xlog.DEBUG, "status", "pin_expired", "token", s.token.Display)
		s.logout()
		return errors.WithMessage(ErrSessionInvalid, "PIN cache expired")
	}
	return nil
}

// logout closes the session, ignoring module failures.
// Must be called with s.mu held.
func (s *Session) logout() {
	if s.handle != invalidSessionHandle {
		if s.provider != nil && s.provider.enabled.Load() {
			m := s.provider.module
			_ = m.Logout(s.handle)
			_ = m.CloseSession(s.handle)
		}
		s.handle = invalidSessionHandle
		s.generation++
	}
}

// findObjects returns handles of all objects that match the filter.
// Must be called with s.mu held.
func (s *Session) findObjects(filter []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if s.provider == nil || s.handle == invalidSessionHandle {
		return nil, ErrSessionInvalid
	}
	m := s.provider.module

	if err := m.FindObjectsInit(s.handle, filter); err != nil {
		return nil, wrapRV(err, "C_FindObjectsInit")
	}
	defer func() {
		_ = m.FindObjectsFinal(s.handle)
	}()

	var (
		res       []pkcs11.ObjectHandle
		lastFirst = invalidObjectHandle
	)
	for {
		batch, _, err := m.FindObjects(s.handle, findObjectsBatch)
		if err != nil {
			return nil, wrapRV(err, "C_FindObjects")
		}
		if len(batch) == 0 {
			break
		}
		// some drivers return the same objects forever
		if batch[0] == lastFirst {
			s.ctx.log(xlog.WARNING, "reason", "find_objects_loop",
				"token", s.token.Display,
				"provider", s.provider.name,
				"handle", uint(lastFirst))
			break
		}
		lastFirst = batch[0]
		res = append(res, batch...)
	}
	return res, nil
}

// getObjectByID returns the object of the class with CKA_ID.
// Must be called with s.mu held.
func (s *Session) getObjectByID(class uint, id []byte) (pkcs11.ObjectHandle, error) {
	handles, err := s.findObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	})
	if err != nil {
		return invalidObjectHandle, err
	}
	if len(handles) == 0 {
		return invalidObjectHandle, ErrObjectNotFound
	}
	return handles[0], nil
}
